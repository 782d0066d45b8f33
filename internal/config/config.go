// Package config holds the runtime settings shared by the serve and convert
// commands. Values come from SLIDEZOOM_* environment variables (optionally
// loaded from a .env file) and may be overridden by command-line flags.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "slidezoom"

type Config struct {
	StoragePath    string        `envconfig:"STORAGE_PATH" default:"/data/slides"`
	TileSize       int           `envconfig:"TILE_SIZE" default:"256"`
	Overlap        int           `envconfig:"OVERLAP" default:"0"`
	AllowedOrigins []string      `envconfig:"ALLOWED_ORIGINS" default:"*"`
	DatabaseURL    string        `envconfig:"DATABASE_URL"`
	CatalogSeed    string        `envconfig:"CATALOG_SEED"`
	Workers        int           `envconfig:"WORKERS"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	TileCacheSize  int           `envconfig:"TILE_CACHE_SIZE" default:"1024"`

	Log LogConfig `envconfig:"LOG"`
}

// LogConfig is read from SLIDEZOOM_LOG_LEVEL, SLIDEZOOM_LOG_FORMAT and so on.
type LogConfig struct {
	Level   string `envconfig:"LEVEL" default:"info"`
	Format  string `envconfig:"FORMAT" default:"text"`
	File    string `envconfig:"FILE"`
	MaxSize int    `envconfig:"MAX_SIZE" default:"100"` // megabytes
	MaxAge  int    `envconfig:"MAX_AGE" default:"28"`   // days
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process(envPrefix, &c); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU() * 2
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the tiling parameters. Overlap is baked into pre-rendered
// bundles, so the serving value must match what conversion used.
func (c *Config) Validate() error {
	if c.TileSize <= 0 {
		return fmt.Errorf("tile size must be positive, got %d", c.TileSize)
	}
	if c.Overlap < 0 || c.Overlap >= c.TileSize {
		return fmt.Errorf("overlap must be in [0, %d), got %d", c.TileSize, c.Overlap)
	}
	if c.StoragePath == "" {
		return fmt.Errorf("storage path must be set")
	}
	return nil
}

// EnsureStoragePath creates the storage root if it does not exist yet.
func (c *Config) EnsureStoragePath() (string, error) {
	if err := os.MkdirAll(c.StoragePath, 0755); err != nil {
		return "", fmt.Errorf("failed to create storage path: %w", err)
	}
	return c.StoragePath, nil
}
