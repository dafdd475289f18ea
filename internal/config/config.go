// Package config loads and validates pipeline configuration via Viper.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables prefixed with SCRAPE_EDU (dots become underscores),
// then command-line flags bound by the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. SCRAPE_EDU_WORKERS.
const EnvPrefix = "SCRAPE_EDU"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config captures all pipeline configuration knobs loaded via Viper.
type Config struct {
	OutputDir string          `mapstructure:"output_dir"`
	IPEDSDir  string          `mapstructure:"ipeds_dir"`
	Workers   int             `mapstructure:"workers"`
	UserAgent string          `mapstructure:"user_agent"`
	Retries   int             `mapstructure:"retries"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Timeouts  TimeoutConfig   `mapstructure:"timeouts"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Render    RenderConfig    `mapstructure:"render"`
	Server    ServerConfig    `mapstructure:"server"`
}

// RateLimitConfig bounds the randomized per-domain delay.
type RateLimitConfig struct {
	MinDelay time.Duration `mapstructure:"min_delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// TimeoutConfig configures HTTP client timeouts.
type TimeoutConfig struct {
	Connect time.Duration `mapstructure:"connect"`
	Read    time.Duration `mapstructure:"read"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DiscoveryConfig bounds the homepage crawl.
type DiscoveryConfig struct {
	MaxPages int `mapstructure:"max_pages"`
	MaxDepth int `mapstructure:"max_depth"`
}

// CatalogConfig bounds link following from catalog pages.
type CatalogConfig struct {
	FollowDepth int `mapstructure:"follow_depth"`
	MaxFollowed int `mapstructure:"max_followed"`
}

// RenderConfig configures headless HTML to PDF rendering.
type RenderConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// ServerConfig controls the optional status server.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// Load builds a Config from defaults, the YAML file at path (optional) and
// the environment.
func Load(path string) (Config, error) {
	v := New()
	return Read(v, path)
}

// New returns a Viper instance with defaults and environment bindings, ready
// for flag bindings before Read.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unprefixed names kept for existing deployments.
	_ = v.BindEnv("output_dir", EnvPrefix+"_OUTPUT_DIR", "OUTPUT_DIR") //nolint:errcheck // key is non-empty
	_ = v.BindEnv("ipeds_dir", EnvPrefix+"_IPEDS_DIR", "IPEDS_DIR")    //nolint:errcheck // key is non-empty
	setDefaults(v)
	return v
}

// Read loads the optional file at path into v and decodes the result.
func Read(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadDotEnv exports the variables in the given .env files (".env" when
// none are given) without overriding the existing environment. Missing files
// are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("output_dir", "./output")
	v.SetDefault("ipeds_dir", "./data/ipeds")
	v.SetDefault("workers", 5)
	v.SetDefault("user_agent", "scrape_edu/0.1.0")
	v.SetDefault("retries", 3)
	v.SetDefault("rate_limit.min_delay", time.Second)
	v.SetDefault("rate_limit.max_delay", 3*time.Second)
	v.SetDefault("timeouts.connect", 10*time.Second)
	v.SetDefault("timeouts.read", 30*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", true)
	v.SetDefault("discovery.max_pages", 50)
	v.SetDefault("discovery.max_depth", 3)
	v.SetDefault("catalog.follow_depth", 1)
	v.SetDefault("catalog.max_followed", 20)
	v.SetDefault("render.enabled", false)
	v.SetDefault("render.max_parallel", 2)
	v.SetDefault("render.timeout", 30*time.Second)
	v.SetDefault("server.listen", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch {
	case c.OutputDir == "":
		return fmt.Errorf("%w: output_dir must be set", ErrInvalidConfig)
	case c.Workers <= 0:
		return fmt.Errorf("%w: workers must be > 0", ErrInvalidConfig)
	case c.Retries < 0:
		return fmt.Errorf("%w: retries must be >= 0", ErrInvalidConfig)
	case c.RateLimit.MinDelay < 0:
		return fmt.Errorf("%w: rate_limit.min_delay must be >= 0", ErrInvalidConfig)
	case c.RateLimit.MaxDelay < c.RateLimit.MinDelay:
		return fmt.Errorf("%w: rate_limit.max_delay must be >= rate_limit.min_delay", ErrInvalidConfig)
	case c.Timeouts.Connect <= 0 || c.Timeouts.Read <= 0:
		return fmt.Errorf("%w: timeouts.connect and timeouts.read must be > 0", ErrInvalidConfig)
	case c.Discovery.MaxPages <= 0 || c.Discovery.MaxDepth < 0:
		return fmt.Errorf("%w: discovery.max_pages must be > 0 and discovery.max_depth >= 0", ErrInvalidConfig)
	case c.Render.Enabled && c.Render.MaxParallel <= 0:
		return fmt.Errorf("%w: render.max_parallel must be > 0 when rendering is enabled", ErrInvalidConfig)
	}
	return nil
}
