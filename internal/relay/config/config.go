// Package config loads the relay's runtime configuration from
// defaults, an optional YAML file, HABRELAY_ environment variables and
// command-line flags, in that order of precedence.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the relay's runtime configuration.
type Config struct {
	ListenAddr string `koanf:"listen_addr"` // public listen address
	NodeAddr   string `koanf:"node_addr"`   // internal address peers use to reach this node
	PublicHost string `koanf:"public_host"` // host header presented to hubs
	RemoteHost string `koanf:"remote_host"` // host header for /remote/ paths
	RedisAddr  string `koanf:"redis_addr"`
	DataDir    string `koanf:"data_dir"`
	LogLevel   string `koanf:"log_level"`

	LockTTL           time.Duration `koanf:"lock_ttl"`
	CacheTTL          time.Duration `koanf:"cache_ttl"`
	KeepaliveInterval time.Duration `koanf:"keepalive_interval"`
	DeadPeerTimeout   time.Duration `koanf:"dead_peer_timeout"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`
	SendWait          time.Duration `koanf:"send_wait"`
	OutboundBuffer    int           `koanf:"outbound_buffer"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"listen_addr":        ":8080",
		"node_addr":          "127.0.0.1:8080",
		"public_host":        "localhost",
		"remote_host":        "localhost",
		"redis_addr":         "127.0.0.1:6379",
		"data_dir":           defaultDataDir(),
		"log_level":          "info",
		"lock_ttl":           5 * time.Minute,
		"cache_ttl":          30 * time.Second,
		"keepalive_interval": 25 * time.Second,
		"dead_peer_timeout":  60 * time.Second,
		"request_timeout":    10 * time.Minute,
		"send_wait":          5 * time.Second,
		"outbound_buffer":    256,
	}
}

// Flags are the command-line overrides. Call flag.Parse() after
// defining all flags, then pass to Load.
type Flags struct {
	ConfigFile *string
	ListenAddr *string
	NodeAddr   *string
	RedisAddr  *string
	DataDir    *string
	LogLevel   *string

	LockTTL        *time.Duration
	Keepalive      *time.Duration
	OutboundBuffer *int
}

// DefineFlags registers the relay's command-line flags.
func DefineFlags() *Flags {
	return &Flags{
		ConfigFile: flag.String("config", "", "path to YAML config file"),
		ListenAddr: flag.String("addr", "", "public listen address"),
		NodeAddr:   flag.String("node-addr", "", "internal node address for cross-node routing"),
		RedisAddr:  flag.String("redis-addr", "", "redis address for the connection store"),
		DataDir:    flag.String("data-dir", "", "data directory"),
		LogLevel:   flag.String("log-level", "", "log level (debug, info, warn, error)"),

		LockTTL:        flag.Duration("lock-ttl", 0, "connection lock TTL"),
		Keepalive:      flag.Duration("keepalive", 0, "hub channel ping interval"),
		OutboundBuffer: flag.Int("outbound-buffer", 0, "frames queued per hub channel before Send blocks"),
	}
}

// Load merges all configuration sources.
func Load(f *Flags) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if f != nil && f.ConfigFile != nil && *f.ConfigFile != "" {
		if err := k.Load(file.Provider(*f.ConfigFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: "HABRELAY_",
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(strings.TrimPrefix(key, "HABRELAY_")), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if f != nil {
		overrides := map[string]interface{}{}
		setIf(overrides, "listen_addr", f.ListenAddr)
		setIf(overrides, "node_addr", f.NodeAddr)
		setIf(overrides, "redis_addr", f.RedisAddr)
		setIf(overrides, "data_dir", f.DataDir)
		setIf(overrides, "log_level", f.LogLevel)
		if f.LockTTL != nil && *f.LockTTL > 0 {
			overrides["lock_ttl"] = *f.LockTTL
		}
		if f.Keepalive != nil && *f.Keepalive > 0 {
			overrides["keepalive_interval"] = *f.Keepalive
		}
		if f.OutboundBuffer != nil && *f.OutboundBuffer > 0 {
			overrides["outbound_buffer"] = *f.OutboundBuffer
		}
		if len(overrides) > 0 {
			if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
				return nil, fmt.Errorf("load flag overrides: %w", err)
			}
		}
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

func setIf(m map[string]interface{}, key string, v *string) {
	if v != nil && *v != "" {
		m[key] = *v
	}
}

// Validate checks the configuration values and ensures the data
// directory exists.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.NodeAddr == "" {
		return fmt.Errorf("node_addr is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis_addr is required")
	}
	if c.LockTTL < time.Second {
		return fmt.Errorf("lock_ttl must be at least 1s")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive")
	}
	if c.KeepaliveInterval >= c.DeadPeerTimeout {
		return fmt.Errorf("keepalive_interval must be below dead_peer_timeout")
	}
	if c.OutboundBuffer <= 0 {
		return fmt.Errorf("outbound_buffer must be positive")
	}

	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "relay.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "habrelay")
	}
	return filepath.Join(home, ".config", "habrelay")
}
