// Package config loads the mount configuration used by the stackfs command.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/absfs/stackfs"
	"github.com/absfs/stackfs/internal/cgroup"
)

// Config is the file form of the mount options. Zero values keep the
// defaults.
type Config struct {
	// PrivilegedCgroup is the control-group prefix whose members may not
	// toggle the mount mode.
	PrivilegedCgroup string `yaml:"privileged_cgroup" toml:"privileged_cgroup"`
	// ProcRoot is where /proc is mounted, for cgroup resolution.
	ProcRoot string `yaml:"proc_root" toml:"proc_root"`

	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`

	// RevalidateTTL lets cached dentries skip revalidation for this long.
	RevalidateTTL time.Duration `yaml:"revalidate_ttl" toml:"revalidate_ttl"`
	CacheEntries  int           `yaml:"cache_entries" toml:"cache_entries"`

	MaxInodes   int   `yaml:"max_inodes" toml:"max_inodes"`
	MaxDentries int   `yaml:"max_dentries" toml:"max_dentries"`
	MaxFiles    int   `yaml:"max_files" toml:"max_files"`
	MaxBytes    int64 `yaml:"max_bytes" toml:"max_bytes"`

	// FUSE host settings.
	AllowOther bool          `yaml:"allow_other" toml:"allow_other"`
	FuseDebug  bool          `yaml:"fuse_debug" toml:"fuse_debug"`
	EntryTTL   time.Duration `yaml:"entry_ttl" toml:"entry_ttl"`
	AttrTTL    time.Duration `yaml:"attr_ttl" toml:"attr_ttl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		PrivilegedCgroup: stackfs.DefaultPrivilegedCgroup,
		ProcRoot:         "/proc",
		LogLevel:         "info",
		LogFormat:        "text",
		CacheEntries:     10000,
		EntryTTL:         time.Second,
		AttrTTL:          time.Second,
	}
}

// Load reads path over the defaults. The format follows the extension:
// .yaml or .yml for YAML, .toml for TOML. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := c.decode(filepath.Ext(path), b); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

func (c *Config) decode(ext string, b []byte) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	case ".toml":
		md, err := toml.Decode(string(b), c)
		if err != nil {
			return err
		}
		if un := md.Undecoded(); len(un) > 0 {
			return fmt.Errorf("unknown key %q", un[0].String())
		}
		return nil
	}
	return fmt.Errorf("unsupported config format %q", ext)
}

// Validate rejects values no mount can use.
func (c *Config) Validate() error {
	if c.PrivilegedCgroup == "" || !strings.HasPrefix(c.PrivilegedCgroup, "/") {
		return fmt.Errorf("privileged_cgroup must be an absolute cgroup path, got %q", c.PrivilegedCgroup)
	}
	if c.RevalidateTTL < 0 || c.EntryTTL < 0 || c.AttrTTL < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.MaxInodes < 0 || c.MaxDentries < 0 || c.MaxFiles < 0 || c.MaxBytes < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	return nil
}

// Logger builds the logger the configuration asks for.
func (c *Config) Logger() (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetLevel(lvl)
	switch c.LogFormat {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return l, nil
}

// Options translates the configuration into mount options.
func (c *Config) Options(l *logrus.Logger) []stackfs.Option {
	opts := []stackfs.Option{
		stackfs.WithLogger(l),
		stackfs.WithPrivilegedCgroup(c.PrivilegedCgroup),
		stackfs.WithCgroupResolver(cgroup.NewResolver(c.ProcRoot)),
		stackfs.WithObjectLimits(c.MaxInodes, c.MaxDentries, c.MaxFiles),
	}
	if c.RevalidateTTL > 0 {
		opts = append(opts, stackfs.WithRevalidateCache(c.RevalidateTTL, c.CacheEntries))
	}
	if c.MaxBytes > 0 {
		opts = append(opts, stackfs.WithMaxBytes(c.MaxBytes))
	}
	return opts
}
