package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis_url: redis://redis.internal:6379
cache:
  ttl: 10m
  negative_ttl: 90s
worker:
  consumer: c2
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis://redis.internal:6379", cfg.RedisURL)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL.Std())
	assert.Equal(t, 90*time.Second, cfg.Cache.NegativeTTL.Std())
	// Untouched fields keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Cache.LockTTL.Std())
	assert.Equal(t, "g1", cfg.Worker.Group)
	assert.Equal(t, "c2", cfg.Worker.Consumer)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  ttl: nonsense\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
