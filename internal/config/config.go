package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for cms-session.
type Config struct {
	// Base URL of the CMS REST API, including the version prefix.
	APIBaseURL string `env:"CMS_API_BASE_URL" envDefault:"http://localhost:8000/backend/api/v1"`

	// Path of the bbolt file holding access_token, refresh_token and
	// login_time. Defaults to ~/.cms-session/state.db.
	StatePath string `env:"CMS_STATE_PATH"`

	// Timeout applied to every outgoing HTTP request.
	HTTPTimeout time.Duration `env:"CMS_HTTP_TIMEOUT" envDefault:"30s"`

	// Session window anchored at login time, and the warning period
	// before it ends.
	SessionTotal   time.Duration `env:"SESSION_TOTAL" envDefault:"30m"`
	SessionWarning time.Duration `env:"SESSION_WARNING" envDefault:"5m"`

	// When true a successful extend rewrites login_time to now, granting
	// a full new window. The default keeps the original anchor.
	ExtendResetsAnchor bool `env:"SESSION_EXTEND_RESETS_ANCHOR" envDefault:"false"`

	// Optional account credentials for non-interactive CLI logins.
	Email    string `env:"CMS_EMAIL"`
	Password string `env:"CMS_PASSWORD"`

	// Listen address for `cms-session fake-api`.
	FakeAPIAddr string `env:"FAKE_API_ADDR" envDefault:":8000"`

	// Listen address for the Prometheus /metrics endpoint. Empty disables it.
	MetricsAddr string `env:"METRICS_ADDR"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("CMS_API_BASE_URL must be an absolute URL, got %q", c.APIBaseURL)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("CMS_API_BASE_URL must use http or https, got %q", u.Scheme)
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("CMS_HTTP_TIMEOUT must be positive")
	}

	if c.SessionTotal <= 0 {
		return fmt.Errorf("SESSION_TOTAL must be positive")
	}

	if c.SessionWarning <= 0 || c.SessionWarning >= c.SessionTotal {
		return fmt.Errorf("SESSION_WARNING must be positive and shorter than SESSION_TOTAL (%s)", c.SessionTotal)
	}

	return nil
}

// DefaultStatePath returns ~/.cms-session/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".cms-session", "state.db"), nil
}
