// Command stackfs mounts a stacking filesystem over a host directory and
// sends it control messages.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&mountCmd{}, "")
	subcommands.Register(&toggleCmd{}, "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	os.Exit(int(subcommands.Execute(context.Background())))
}
