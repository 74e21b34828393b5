// Package config loads the shared configuration of the gateway, the storage
// nodes and the client from a YAML file, SHARDFS_* environment variables and
// built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/ssd-technologies/shardfs/internal/category"
	"github.com/ssd-technologies/shardfs/internal/gateway"
	"github.com/ssd-technologies/shardfs/internal/node"
	"github.com/ssd-technologies/shardfs/internal/vfs"
	"github.com/ssd-technologies/shardfs/internal/wire"
)

// EnvPrefix prefixes every environment override, e.g. SHARDFS_GATEWAY_LISTEN.
const EnvPrefix = "SHARDFS"

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Gateway GatewayConfig     `mapstructure:"gateway"`
	Nodes   map[string]string `mapstructure:"nodes"` // category name -> address
	Storage StorageConfig     `mapstructure:"storage"`
	Wire    WireConfig        `mapstructure:"wire"`
	Workers WorkersConfig     `mapstructure:"workers"`
	Log     LogConfig         `mapstructure:"log"`
}

type GatewayConfig struct {
	Listen     string        `mapstructure:"listen"`
	Admin      string        `mapstructure:"admin"` // empty disables the admin HTTP server
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
}

type StorageConfig struct {
	// Root holds one directory per category.
	Root        string `mapstructure:"root"`
	Marker      string `mapstructure:"marker"`
	StrictPaths bool   `mapstructure:"strict_paths"`
	Catalog     bool   `mapstructure:"catalog"`
}

type WireConfig struct {
	ChunkSize      int           `mapstructure:"chunk_size"`
	MaxCommandSize int64         `mapstructure:"max_command_size"`
	IOTimeout      time.Duration `mapstructure:"io_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

type WorkersConfig struct {
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	TempTTL           time.Duration `mapstructure:"temp_ttl"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	ProbeInterval     time.Duration `mapstructure:"probe_interval"`
	PruneInterval     time.Duration `mapstructure:"prune_interval"`
	OfflineAfter      time.Duration `mapstructure:"offline_after"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.listen", "127.0.0.1:9001")
	v.SetDefault("gateway.admin", "")
	v.SetDefault("gateway.rate_limit", 60)
	v.SetDefault("gateway.rate_window", time.Minute)

	v.SetDefault("nodes.document", "127.0.0.1:9002")
	v.SetDefault("nodes.text", "127.0.0.1:9003")
	v.SetDefault("nodes.archive", "127.0.0.1:9004")

	v.SetDefault("storage.root", "data")
	v.SetDefault("storage.marker", vfs.DefaultMarker)
	v.SetDefault("storage.strict_paths", false)
	v.SetDefault("storage.catalog", true)

	v.SetDefault("wire.chunk_size", wire.DefaultChunkSize)
	v.SetDefault("wire.max_command_size", wire.DefaultMaxCommandSize)
	v.SetDefault("wire.io_timeout", 30*time.Second)
	v.SetDefault("wire.idle_timeout", 10*time.Minute)
	v.SetDefault("wire.dial_timeout", 5*time.Second)

	v.SetDefault("workers.sweep_interval", 10*time.Minute)
	v.SetDefault("workers.temp_ttl", time.Hour)
	v.SetDefault("workers.reconcile_interval", 30*time.Minute)
	v.SetDefault("workers.probe_interval", 30*time.Second)
	v.SetDefault("workers.prune_interval", time.Minute)
	v.SetDefault("workers.offline_after", 2*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the cross-field rules Load cannot express as defaults.
func (c Config) Validate() error {
	if c.Gateway.Listen == "" {
		return fmt.Errorf("%w: gateway.listen is empty", ErrInvalid)
	}
	for name, addr := range c.Nodes {
		cat, err := category.Parse(name)
		if err != nil {
			return fmt.Errorf("%w: nodes.%s: %v", ErrInvalid, name, err)
		}
		if cat == category.Code {
			return fmt.Errorf("%w: nodes.%s: code is served by the gateway", ErrInvalid, name)
		}
		if addr == "" {
			return fmt.Errorf("%w: nodes.%s has no address", ErrInvalid, name)
		}
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("%w: storage.root is empty", ErrInvalid)
	}
	if c.Storage.Marker == "" || strings.Contains(c.Storage.Marker, "/") {
		return fmt.Errorf("%w: storage.marker %q", ErrInvalid, c.Storage.Marker)
	}
	if c.Wire.ChunkSize <= 0 || c.Wire.MaxCommandSize <= 0 {
		return fmt.Errorf("%w: wire sizes must be positive", ErrInvalid)
	}
	if c.Wire.DialTimeout <= 0 {
		return fmt.Errorf("%w: wire.dial_timeout must be positive", ErrInvalid)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// Addresses returns the node address table keyed by category.
func (c Config) Addresses() map[category.Category]string {
	m := make(map[category.Category]string, len(c.Nodes))
	for name, addr := range c.Nodes {
		if cat, err := category.Parse(name); err == nil {
			m[cat] = addr
		}
	}
	return m
}

// ListenAddr returns where the server for cat listens. Code is the gateway.
func (c Config) ListenAddr(cat category.Category) string {
	if cat == category.Code {
		return c.Gateway.Listen
	}
	return c.Nodes[cat.String()]
}

// RootDir returns the private root of cat.
func (c Config) RootDir(cat category.Category) string {
	return filepath.Join(c.Storage.Root, cat.String())
}

// CatalogPath returns the catalog database of cat, or "" when disabled.
func (c Config) CatalogPath(cat category.Category) string {
	if !c.Storage.Catalog {
		return ""
	}
	return filepath.Join(c.Storage.Root, cat.String()+".db")
}

func (c Config) WireOptions() wire.Options {
	return wire.Options{
		ChunkSize:      c.Wire.ChunkSize,
		MaxCommandSize: c.Wire.MaxCommandSize,
		IOTimeout:      c.Wire.IOTimeout,
		IdleTimeout:    c.Wire.IdleTimeout,
	}
}

func (c Config) RouterConfig() gateway.Config {
	return gateway.Config{
		Nodes:       c.Addresses(),
		DialTimeout: c.Wire.DialTimeout,
		Wire:        c.WireOptions(),
	}
}

func (c Config) NodeWorkers() node.WorkerConfig {
	return node.WorkerConfig{
		SweepInterval:     c.Workers.SweepInterval,
		TempTTL:           c.Workers.TempTTL,
		ReconcileInterval: c.Workers.ReconcileInterval,
	}
}

func (c Config) GatewayWorkers() gateway.WorkerConfig {
	return gateway.WorkerConfig{
		ProbeInterval: c.Workers.ProbeInterval,
		PruneInterval: c.Workers.PruneInterval,
		OfflineAfter:  c.Workers.OfflineAfter,
	}
}

// NewLogger builds the root logger described by l, writing to w (stderr when
// nil).
func (l LogConfig) NewLogger(w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if w == nil {
		w = os.Stderr
	}
	if l.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
