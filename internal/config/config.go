// Package config loads netsim settings from a YAML file on top of
// built-in defaults. Command-line flags are applied by the caller after
// loading.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"netsim/internal/core/netsim"
	"netsim/internal/dns"
	"netsim/internal/ipam"
	"netsim/internal/utils"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// GlobalRange is the IPv4 space networks are carved from.
	GlobalRange string `yaml:"globalRange"`
	// SubnetBits is the prefix length of a network created without one.
	SubnetBits int `yaml:"subnetBits"`
	// StateDir holds the run store.
	StateDir        string `yaml:"stateDir"`
	NamespacePrefix string `yaml:"namespacePrefix"`
	// StopGrace is how long a machine gets between SIGTERM and SIGKILL.
	StopGrace string `yaml:"stopGrace"`

	API APIConfig `yaml:"api"`
	DNS DNSConfig `yaml:"dns"`
	Log LogConfig `yaml:"log"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

type DNSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Zone    string `yaml:"zone"`
	// Addr is the listen address inside the hub namespace.
	Addr      string   `yaml:"addr"`
	Upstreams []string `yaml:"upstreams"`
}

type LogConfig struct {
	// Level is any logrus level name.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		GlobalRange:     ipam.DefaultGlobalRange.String(),
		SubnetBits:      ipam.DefaultSubrangeBits,
		StateDir:        utils.DefaultStateDir,
		NamespacePrefix: utils.DefaultNamespacePrefix,
		StopGrace:       "5s",
		API: APIConfig{
			Addr: "127.0.0.1:7780",
		},
		DNS: DNSConfig{
			Enabled: false,
			Zone:    dns.DefaultZone,
			Addr:    dns.DefaultAddr,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. An empty path means the default
// location, which may be absent; an explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	optional := path == ""
	if optional {
		path = utils.DefaultConfigPath
	}
	data, err := os.ReadFile(expandPath(path))
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := c.Global(); err != nil {
		return err
	}
	if c.SubnetBits < 0 || c.SubnetBits > 30 {
		return fmt.Errorf("subnetBits %d out of range", c.SubnetBits)
	}
	if c.StateDir == "" {
		return errors.New("stateDir is empty")
	}
	if c.NamespacePrefix == "" || strings.ContainsAny(c.NamespacePrefix, "/ ") {
		return fmt.Errorf("invalid namespacePrefix %q", c.NamespacePrefix)
	}
	if _, err := c.Grace(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

func (c *Config) Global() (netip.Prefix, error) {
	p, err := netip.ParsePrefix(c.GlobalRange)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("globalRange: %w", err)
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("globalRange %s is not ipv4", p)
	}
	return p.Masked(), nil
}

func (c *Config) Grace() (time.Duration, error) {
	if c.StopGrace == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.StopGrace)
	if err != nil {
		return 0, fmt.Errorf("stopGrace: %w", err)
	}
	return d, nil
}

func (c *Config) StorePath() string {
	return filepath.Join(expandPath(c.StateDir), utils.RunStoreFile)
}

// NetsimOptions fills the settings part of netsim.Options. Collaborators
// are left for the caller.
func (c *Config) NetsimOptions() (netsim.Options, error) {
	global, err := c.Global()
	if err != nil {
		return netsim.Options{}, err
	}
	grace, err := c.Grace()
	if err != nil {
		return netsim.Options{}, err
	}
	return netsim.Options{
		GlobalRange:     global,
		SubnetBits:      c.SubnetBits,
		NamespacePrefix: c.NamespacePrefix,
		StopGrace:       grace,
	}, nil
}

func (c *Config) DNSOptions(log *logrus.Entry) dns.Options {
	return dns.Options{
		Zone:      c.DNS.Zone,
		Addr:      c.DNS.Addr,
		Upstreams: c.DNS.Upstreams,
		Log:       log,
	}
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetLevel(level)
	switch c.Log.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "text", "":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return l, nil
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
