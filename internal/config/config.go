// Package config loads reactor configuration from defaults, an optional
// YAML file, a .env file and the environment, in increasing precedence.
//
// Environment variables name keys with dots replaced by underscores:
// reactor.executors is REACTOR_EXECUTORS and storage.kv_driver is
// STORAGE_KV_DRIVER.
package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/cache"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/kv"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/logging"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/reactor"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/syncing"
)

// Config is the full configuration of a reactor process.
type Config struct {
	Reactor ReactorConfig  `mapstructure:"reactor"`
	Cache   CacheConfig    `mapstructure:"cache"`
	Storage StorageConfig  `mapstructure:"storage"`
	Sync    SyncConfig     `mapstructure:"sync"`
	Log     logging.Config `mapstructure:"log"`
}

// ReactorConfig sizes the job pipeline.
type ReactorConfig struct {
	Executors          int           `mapstructure:"executors" default:"4"`
	MaxRetries         int           `mapstructure:"max_retries" default:"3"`
	ConsistencyTimeout time.Duration `mapstructure:"consistency_timeout" default:"30s"`
}

// CacheConfig sizes the write cache.
type CacheConfig struct {
	MaxDocuments        int    `mapstructure:"max_documents" default:"1000"`
	RingBufferSize      int    `mapstructure:"ring_buffer_size" default:"10"`
	KeyframeInterval    int    `mapstructure:"keyframe_interval" default:"10"`
	KeyframeCompression string `mapstructure:"keyframe_compression" default:"zstd"`
}

// StorageConfig locates the operation store and picks the key-value
// backend.
type StorageConfig struct {
	SQLitePath  string `mapstructure:"sqlite_path" default:"reactor.db"`
	KVDriver    string `mapstructure:"kv_driver" default:"sqlite"`
	BoltPath    string `mapstructure:"bolt_path" default:"reactor.bolt"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	RedisAddr   string `mapstructure:"redis_addr" default:"localhost:6379"`
	RedisPrefix string `mapstructure:"redis_prefix" default:"reactor:"`
}

// SyncConfig configures the sync endpoint and the remotes to replicate
// with.
type SyncConfig struct {
	ListenAddr string         `mapstructure:"listen_addr" default:":8080"`
	Remotes    []RemoteConfig `mapstructure:"remotes"`
}

// RemoteConfig is one remote. A remote with a URL is dialed; one without
// waits for the peer to connect to /sync/{name}.
type RemoteConfig struct {
	Name   string         `mapstructure:"name"`
	URL    string         `mapstructure:"url"`
	Filter syncing.Filter `mapstructure:"filter"`
}

// Load reads configuration. dir is searched for .env; file, when not
// empty, is a YAML configuration file that must exist.
func Load(dir, file string) (*Config, error) {
	envPath := ".env"
	if dir != "" && dir != "." {
		envPath = filepath.Join(dir, ".env")
	}
	// A missing .env is normal outside development.
	_ = godotenv.Overload(envPath)

	v := viper.New()
	bindValues(v, Config{}, "")

	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindValues registers every mapstructure key with its default tag so
// AutomaticEnv can resolve it. Slices without a default are left to the
// config file.
func bindValues(v *viper.Viper, iface any, prefix string) {
	t := reflect.TypeOf(iface)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		if field.Type.Kind() == reflect.Struct {
			bindValues(v, reflect.New(field.Type).Elem().Interface(), key)
			continue
		}

		defaultValue, ok := field.Tag.Lookup("default")
		if field.Type.Kind() == reflect.Slice && !ok {
			continue
		}
		v.SetDefault(key, defaultValue)
	}
}

// Validate checks values that decode cleanly but cannot be used.
func (c *Config) Validate() error {
	if c.Reactor.Executors < 1 {
		return fmt.Errorf("reactor.executors must be at least 1, got %d", c.Reactor.Executors)
	}
	if c.Reactor.MaxRetries < 0 {
		return fmt.Errorf("reactor.max_retries must not be negative, got %d", c.Reactor.MaxRetries)
	}
	if _, err := cache.ParseCompression(c.Cache.KeyframeCompression); err != nil {
		return fmt.Errorf("cache.keyframe_compression: %w", err)
	}
	switch c.Storage.KVDriver {
	case kv.DriverMemory, kv.DriverBolt, kv.DriverSQLite, kv.DriverRedis:
	case kv.DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required by the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.kv_driver %q", c.Storage.KVDriver)
	}

	seen := make(map[string]bool, len(c.Sync.Remotes))
	for i, r := range c.Sync.Remotes {
		if r.Name == "" {
			return fmt.Errorf("sync.remotes[%d] has no name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("sync.remotes has %q twice", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// ReactorConfig converts c into the configuration reactor.Build takes.
func (c *Config) ReactorConfig() reactor.Config {
	compression, _ := cache.ParseCompression(c.Cache.KeyframeCompression)
	return reactor.Config{
		Executors:          c.Reactor.Executors,
		MaxRetries:         c.Reactor.MaxRetries,
		ConsistencyTimeout: c.Reactor.ConsistencyTimeout,
		Cache: cache.Config{
			MaxDocuments:     c.Cache.MaxDocuments,
			RingBufferSize:   c.Cache.RingBufferSize,
			KeyframeInterval: c.Cache.KeyframeInterval,
			Compression:      compression,
		},
		SQLitePath: c.Storage.SQLitePath,
		KV: kv.Options{
			Driver:      c.Storage.KVDriver,
			BoltPath:    c.Storage.BoltPath,
			PostgresDSN: c.Storage.PostgresDSN,
			RedisAddr:   c.Storage.RedisAddr,
			RedisPrefix: c.Storage.RedisPrefix,
		},
	}
}
