package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"unsafe"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"github.com/absfs/stackfs"
)

// toggleCmd implements subcommands.Command for the "toggle" command.
type toggleCmd struct {
	msgType uint
	payload string
}

// Name implements subcommands.Command.Name.
func (*toggleCmd) Name() string {
	return "toggle"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*toggleCmd) Synopsis() string {
	return "flip the mode of the stackfs mount holding a file"
}

// Usage implements subcommands.Command.Usage.
func (*toggleCmd) Usage() string {
	return `toggle [flags] <path>
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *toggleCmd) SetFlags(f *flag.FlagSet) {
	f.UintVar(&t.msgType, "type", 1, "message type byte")
	f.StringVar(&t.payload, "payload", "aa", "hex-encoded message payload, at most 14 bytes")
}

// Execute implements subcommands.Command.Execute.
func (t *toggleCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := t.run(f.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "stackfs toggle: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (t *toggleCmd) run(path string) error {
	payload, err := hex.DecodeString(t.payload)
	if err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	if t.msgType > 0xff {
		return fmt.Errorf("type %d does not fit in a byte", t.msgType)
	}
	msg, err := stackfs.NewControlMessage(uint8(t.msgType), payload)
	if err != nil {
		return fmt.Errorf("payload of %d bytes: %w", len(payload), err)
	}
	buf, err := msg.MarshalBinary()
	if err != nil {
		return err
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(stackfs.IoctlIOMsg), uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return fmt.Errorf("ioctl %s: %w", path, errno)
	}
	fmt.Printf("mode toggled via %s\n", path)
	return nil
}
