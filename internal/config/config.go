// Package config loads scrubber settings from defaults, an optional TOML
// file, and SCRUBBER_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "SCRUBBER_"

// Scrub holds the detection and pipeline settings.
type Scrub struct {
	PositiveThreshold float64 `toml:"positive_threshold" env:"POSITIVE_THRESHOLD"`
	NegativeThreshold float64 `toml:"negative_threshold" env:"NEGATIVE_THRESHOLD"`
	Padding           float64 `toml:"padding" env:"PADDING"`
	Workers           int     `toml:"workers" env:"WORKERS"`         // 0 means one per available core
	QueueDepth        int     `toml:"queue_depth" env:"QUEUE_DEPTH"` // 0 means 4 per worker
	PinWorkers        bool    `toml:"pin_workers" env:"PIN_WORKERS"`
	Output            string  `toml:"output" env:"OUTPUT"`
}

// Media locates the FFmpeg tools.
type Media struct {
	FFmpeg       string `toml:"ffmpeg" env:"FFMPEG"`
	FFprobe      string `toml:"ffprobe" env:"FFPROBE"`
	InputOptions string `toml:"input_options" env:"INPUT_OPTIONS"`
}

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir" env:"DATA_DIR"`
}

// History controls run persistence. An empty DatabaseURL selects the SQLite
// file in the data directory.
type History struct {
	Enabled     bool   `toml:"enabled" env:"ENABLED"`
	DatabaseURL string `toml:"database_url" env:"DATABASE_URL"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"`
}

// Metrics configures the Prometheus endpoint. Empty disables it.
type Metrics struct {
	Listen string `toml:"listen" env:"LISTEN"`
}

// Upload configures the optional copy of finished outputs to S3-compatible storage.
type Upload struct {
	Enabled   bool   `toml:"enabled" env:"ENABLED"`
	Endpoint  string `toml:"endpoint" env:"ENDPOINT"`
	AccessKey string `toml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `toml:"secret_key" env:"SECRET_KEY"`
	UseSSL    bool   `toml:"use_ssl" env:"USE_SSL"`
	Bucket    string `toml:"bucket" env:"BUCKET"`
	Prefix    string `toml:"prefix" env:"PREFIX"`
}

// Config encapsulates all configuration values for scrubber.
type Config struct {
	Scrub   Scrub   `toml:"scrub" envPrefix:"SCRUB_"`
	Media   Media   `toml:"media" envPrefix:"MEDIA_"`
	Paths   Paths   `toml:"paths" envPrefix:"PATHS_"`
	History History `toml:"history" envPrefix:"HISTORY_"`
	Logging Logging `toml:"logging" envPrefix:"LOG_"`
	Metrics Metrics `toml:"metrics" envPrefix:"METRICS_"`
	Upload  Upload  `toml:"upload" envPrefix:"UPLOAD_"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Scrub: Scrub{
			PositiveThreshold: 0.7,
			NegativeThreshold: 0.7,
			Padding:           1.0,
			PinWorkers:        true,
			Output:            "output.mkv",
		},
		Media: Media{
			FFmpeg:  "ffmpeg",
			FFprobe: "ffprobe",
		},
		Paths: Paths{
			DataDir: "~/.local/share/scrubber",
		},
		History: History{
			Enabled: true,
		},
		Logging: Logging{
			Level:  "info",
			Format: "console",
		},
		Upload: Upload{
			Prefix: "scrubbed/",
		},
	}
}

// DefaultConfigPath returns the per-user configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/scrubber/config.toml")
}

// Load locates and parses a configuration file, overlays the environment,
// then normalizes and validates the result. It also reports the file that
// was used, if any.
func Load(path string) (*Config, string, error) {
	cfg := Default()

	resolved, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", err
	}
	if exists {
		file, err := os.Open(resolved)
		if err != nil {
			return nil, "", fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", fmt.Errorf("parse config %s: %w", resolved, err)
		}
	} else {
		resolved = ""
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, "", fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, resolved, nil
}

// resolveConfigPath prefers an explicit path, which must exist, then the
// per-user file, then ./scrubber.toml.
func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	candidates := []string{}
	if p, err := DefaultConfigPath(); err == nil {
		candidates = append(candidates, p)
	}
	if p, err := filepath.Abs("scrubber.toml"); err == nil {
		candidates = append(candidates, p)
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", false, fmt.Errorf("stat config: %w", err)
		}
	}
	return "", false, nil
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Media.FFmpeg = strings.TrimSpace(c.Media.FFmpeg)
	c.Media.FFprobe = strings.TrimSpace(c.Media.FFprobe)
	if c.Media.FFmpeg == "" {
		c.Media.FFmpeg = "ffmpeg"
	}
	if c.Media.FFprobe == "" {
		c.Media.FFprobe = "ffprobe"
	}
	if c.History.DatabaseURL == "" {
		c.History.DatabaseURL = postgresURLFromEnv()
	}
	return nil
}

// postgresURLFromEnv builds a connection string from POSTGRES_* variables,
// or returns "" when POSTGRES_HOST is unset.
func postgresURLFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	if c.Scrub.PositiveThreshold < 0 || c.Scrub.PositiveThreshold > 1 {
		errs = append(errs, fmt.Errorf("scrub.positive_threshold must be in [0,1], got %v", c.Scrub.PositiveThreshold))
	}
	if c.Scrub.NegativeThreshold < 0 || c.Scrub.NegativeThreshold > 1 {
		errs = append(errs, fmt.Errorf("scrub.negative_threshold must be in [0,1], got %v", c.Scrub.NegativeThreshold))
	}
	if c.Scrub.Padding < 0 {
		errs = append(errs, fmt.Errorf("scrub.padding must be >= 0, got %v", c.Scrub.Padding))
	}
	if c.Scrub.Workers < 0 {
		errs = append(errs, fmt.Errorf("scrub.workers must be >= 0, got %d", c.Scrub.Workers))
	}
	if c.Scrub.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("scrub.queue_depth must be >= 0, got %d", c.Scrub.QueueDepth))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format))
	}
	if c.Upload.Enabled {
		if c.Upload.Endpoint == "" || c.Upload.Bucket == "" {
			errs = append(errs, errors.New("upload: endpoint and bucket are required when enabled"))
		}
	}
	return errors.Join(errs...)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}
