package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftworks/fleethub/auth"
)

const (
	DefaultRESTAddr      = "0.0.0.0:8080"
	DefaultWebsocketAddr = "0.0.0.0:8081"

	DefaultWaitTimeout = 30 * time.Second
	MaxWaitTimeout     = 60 * time.Second
	DefaultTake        = 1000

	DefaultRetention  = 2 * time.Minute
	DefaultMaxEntries = 100000
)

type Config struct {
	REST      ListenConfig `yaml:"rest,omitempty"`
	Websocket ListenConfig `yaml:"websocket,omitempty"`
	Poll      PollConfig   `yaml:"poll,omitempty"`
	Store     StoreConfig  `yaml:"store,omitempty"`
	MCP       bool         `yaml:"mcp,omitempty"`

	AccessKeys []AccessKey `yaml:"accessKeys,omitempty"`
	Devices    []Device    `yaml:"devices,omitempty"`
}

type ListenConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

type PollConfig struct {
	DefaultTimeout time.Duration `yaml:"defaultTimeout,omitempty"`
	MaxTimeout     time.Duration `yaml:"maxTimeout,omitempty"`
	Take           int           `yaml:"take,omitempty"`
}

type StoreConfig struct {
	Retention  time.Duration `yaml:"retention,omitempty"`
	MaxEntries int           `yaml:"maxEntries,omitempty"`
}

type AccessKey struct {
	Key         string            `yaml:"key"`
	Admin       bool              `yaml:"admin,omitempty"`
	Permissions []auth.Permission `yaml:"permissions,omitempty"`
}

type Device struct {
	GUID      string `yaml:"guid"`
	Name      string `yaml:"name,omitempty"`
	NetworkID int64  `yaml:"networkId"`
}

// Load reads the YAML config at path, falling back to defaults for anything
// unset. A missing file yields the pure default config.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.REST.Addr == "" {
		c.REST.Addr = DefaultRESTAddr
	}
	if c.Websocket.Addr == "" {
		c.Websocket.Addr = DefaultWebsocketAddr
	}
	if c.Poll.DefaultTimeout == 0 {
		c.Poll.DefaultTimeout = DefaultWaitTimeout
	}
	if c.Poll.MaxTimeout == 0 {
		c.Poll.MaxTimeout = MaxWaitTimeout
	}
	if c.Poll.Take == 0 {
		c.Poll.Take = DefaultTake
	}
	if c.Store.Retention == 0 {
		c.Store.Retention = DefaultRetention
	}
	if c.Store.MaxEntries == 0 {
		c.Store.MaxEntries = DefaultMaxEntries
	}
}

func (c *Config) validate() error {
	if c.Poll.DefaultTimeout > c.Poll.MaxTimeout {
		return fmt.Errorf("poll.defaultTimeout %s exceeds poll.maxTimeout %s", c.Poll.DefaultTimeout, c.Poll.MaxTimeout)
	}
	seen := make(map[string]struct{}, len(c.AccessKeys))
	for _, k := range c.AccessKeys {
		if k.Key == "" {
			return errors.New("accessKeys entry with empty key")
		}
		if _, dup := seen[k.Key]; dup {
			return fmt.Errorf("duplicate access key %q", k.Key)
		}
		seen[k.Key] = struct{}{}
	}
	for _, d := range c.Devices {
		if d.GUID == "" {
			return errors.New("devices entry with empty guid")
		}
	}
	return nil
}
