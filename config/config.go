// Package config loads the daemon configuration from YAML.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Duration accepts human readable values such as "90s" or "2m30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := str2duration.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "config: invalid duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type CacheConfig struct {
	// TTL is the store TTL for pass-through entries.
	TTL Duration `yaml:"ttl"`
	// NegativeTTL bounds how long absence is cached.
	NegativeTTL Duration `yaml:"negative_ttl"`
	// LockTTL bounds rebuild-lock staleness.
	LockTTL Duration `yaml:"lock_ttl"`
	// RebuildWorkers bounds the async rebuild pool.
	RebuildWorkers int `yaml:"rebuild_workers"`
}

type WorkerConfig struct {
	Group    string   `yaml:"group"`
	Consumer string   `yaml:"consumer"`
	Block    Duration `yaml:"block"`
}

type Config struct {
	RedisURL    string       `yaml:"redis_url"`
	DatabaseDSN string       `yaml:"database_dsn"`
	Cache       CacheConfig  `yaml:"cache"`
	Worker      WorkerConfig `yaml:"worker"`
}

// Default returns the configuration used when a field is absent.
func Default() Config {
	return Config{
		RedisURL:    "redis://localhost:6379",
		DatabaseDSN: "file:voucherhub.db",
		Cache: CacheConfig{
			TTL:            Duration(30 * time.Minute),
			NegativeTTL:    Duration(2 * time.Minute),
			LockTTL:        Duration(10 * time.Second),
			RebuildWorkers: 10,
		},
		Worker: WorkerConfig{
			Group:    "g1",
			Consumer: "c1",
			Block:    Duration(2 * time.Second),
		},
	}
}

// Load reads path and merges it over Default. A missing file yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, errors.Wrapf(err, "config: reading %s", path)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "config: parsing %s", path)
	}
	return cfg, nil
}
