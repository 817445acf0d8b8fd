package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	assert.Equal(t, 5*time.Minute, cfg.LockTTL)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, 25*time.Second, cfg.KeepaliveInterval)
	assert.Equal(t, 60*time.Second, cfg.DeadPeerTimeout)
	assert.Equal(t, 10*time.Minute, cfg.RequestTimeout)
	assert.Equal(t, 256, cfg.OutboundBuffer)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9999"
public_host: myopenhab.example.org
lock_ttl: 2m
outbound_buffer: 64
`), 0o600))

	flags := &Flags{ConfigFile: &path}
	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "myopenhab.example.org", cfg.PublicHost)
	assert.Equal(t, 2*time.Minute, cfg.LockTTL)
	assert.Equal(t, 64, cfg.OutboundBuffer)
	// Untouched keys keep their defaults.
	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis_addr: from-file:6379\n"), 0o600))
	t.Setenv("HABRELAY_REDIS_ADDR", "from-env:6379")

	flags := &Flags{ConfigFile: &path}
	cfg, err := Load(flags)
	require.NoError(t, err)
	assert.Equal(t, "from-env:6379", cfg.RedisAddr)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("HABRELAY_LISTEN_ADDR", ":7777")
	addr := ":6666"
	cfg, err := Load(&Flags{ListenAddr: &addr})
	require.NoError(t, err)
	assert.Equal(t, ":6666", cfg.ListenAddr)
}

func TestTuningFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lock_ttl: 2m\n"), 0o600))

	lockTTL := 90 * time.Second
	keepalive := 15 * time.Second
	buffer := 512
	cfg, err := Load(&Flags{
		ConfigFile:     &path,
		LockTTL:        &lockTTL,
		Keepalive:      &keepalive,
		OutboundBuffer: &buffer,
	})
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.LockTTL)
	assert.Equal(t, 15*time.Second, cfg.KeepaliveInterval)
	assert.Equal(t, 512, cfg.OutboundBuffer)
	// Unset tuning flags leave the layered value alone.
	assert.Equal(t, 10*time.Minute, cfg.RequestTimeout)
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := Load(nil)
		require.NoError(t, err)
		cfg.DataDir = t.TempDir()
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, base(t).Validate())
	})

	t.Run("missing listen addr", func(t *testing.T) {
		cfg := base(t)
		cfg.ListenAddr = ""
		require.Error(t, cfg.Validate())
	})

	t.Run("tiny lock ttl", func(t *testing.T) {
		cfg := base(t)
		cfg.LockTTL = 100 * time.Millisecond
		require.Error(t, cfg.Validate())
	})

	t.Run("keepalive above dead peer budget", func(t *testing.T) {
		cfg := base(t)
		cfg.KeepaliveInterval = 2 * time.Minute
		require.Error(t, cfg.Validate())
	})

	t.Run("creates data dir", func(t *testing.T) {
		cfg := base(t)
		cfg.DataDir = filepath.Join(t.TempDir(), "nested", "dir")
		require.NoError(t, cfg.Validate())
		info, err := os.Stat(cfg.DataDir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
}

func TestDBPath(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/habrelay"}
	assert.Equal(t, "/var/lib/habrelay/relay.db", cfg.DBPath())
}
