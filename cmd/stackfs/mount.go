package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/absfs/osfs"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/absfs/stackfs"
	"github.com/absfs/stackfs/fusefs"
	"github.com/absfs/stackfs/internal/config"
)

// mountCmd implements subcommands.Command for the "mount" command.
type mountCmd struct {
	configFile string
	logLevel   string
	allowOther bool
	debug      bool
}

// Name implements subcommands.Command.Name.
func (*mountCmd) Name() string {
	return "mount"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*mountCmd) Synopsis() string {
	return "stack a filesystem over a host directory and serve it over FUSE"
}

// Usage implements subcommands.Command.Usage.
func (*mountCmd) Usage() string {
	return `mount [flags] <lower-dir> <mountpoint>
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *mountCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.configFile, "config", "", "path to a .yaml or .toml configuration file")
	f.StringVar(&m.logLevel, "log-level", "", "log level, overrides the configuration")
	f.BoolVar(&m.allowOther, "allow-other", false, "let other users access the mount")
	f.BoolVar(&m.debug, "debug", false, "log FUSE requests")
}

// Execute implements subcommands.Command.Execute.
func (m *mountCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := m.run(ctx, f.Arg(0), f.Arg(1)); err != nil {
		fmt.Fprintf(os.Stderr, "stackfs mount: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (m *mountCmd) run(ctx context.Context, lowerDir, mountpoint string) error {
	cfg, err := config.Load(m.configFile)
	if err != nil {
		return err
	}
	if m.logLevel != "" {
		cfg.LogLevel = m.logLevel
	}
	cfg.AllowOther = cfg.AllowOther || m.allowOther
	cfg.FuseDebug = cfg.FuseDebug || m.debug
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}

	lowerDir, err = filepath.Abs(lowerDir)
	if err != nil {
		return err
	}
	host, err := osfs.NewFS()
	if err != nil {
		return fmt.Errorf("opening host filesystem: %w", err)
	}
	sfs, err := stackfs.Mount(host, filepath.ToSlash(lowerDir), cfg.Options(logger)...)
	if err != nil {
		return fmt.Errorf("mounting over %s: %w", lowerDir, err)
	}

	server, err := fusefs.Mount(sfs, mountpoint, fusefs.Options{
		AllowOther: cfg.AllowOther,
		Debug:      cfg.FuseDebug,
		EntryTTL:   cfg.EntryTTL,
		AttrTTL:    cfg.AttrTTL,
	})
	if err != nil {
		sfs.Unmount()
		return fmt.Errorf("serving %s: %w", mountpoint, err)
	}
	log := logger.WithFields(logrus.Fields{"lower": lowerDir, "mountpoint": mountpoint})
	log.Info("serving")
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Warn("sd_notify failed")
	} else if ok {
		log.Debug("notified systemd")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigs:
			log.WithField("signal", s).Info("unmounting")
		case <-ctx.Done():
		}
		daemon.SdNotify(false, daemon.SdNotifyStopping)
		if err := server.Unmount(); err != nil {
			log.WithError(err).Error("fuse unmount failed")
		}
	}()
	server.Wait()

	// Nodes the kernel never forgot may still pin dentries here.
	if err := sfs.Unmount(); err != nil {
		log.WithError(err).Warn("stack not fully released")
	}
	return nil
}
