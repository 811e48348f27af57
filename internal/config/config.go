package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for listsync.
type Config struct {
	// Base URL of the list service, e.g. https://lists.example.com. API
	// requests, realtime connections and the local proxy all derive from it.
	ServerURL string `env:"LISTSYNC_SERVER_URL"`

	// Bearer credential. Either Token or TokenFile must be set. When a file
	// is configured it is watched and re-read on change.
	Token     string `env:"LISTSYNC_TOKEN"`
	TokenFile string `env:"LISTSYNC_TOKEN_FILE"`

	// Local actor id. Realtime events carrying this user id are ignored.
	UserID string `env:"LISTSYNC_USER_ID"`

	// List opened on startup. Empty runs the proxy and replay without a
	// realtime view.
	ListID string `env:"LISTSYNC_LIST_ID"`

	// Location of the bbolt state database. Defaults to ~/.listsync/state.db.
	StatePath string `env:"LISTSYNC_STATE_PATH"`

	// Address of the local caching proxy and control endpoints.
	ListenAddr string `env:"LISTSYNC_LISTEN_ADDR" envDefault:"127.0.0.1:8095"`

	HeartbeatInterval time.Duration `env:"LISTSYNC_HEARTBEAT" envDefault:"30s"`
	ReconnectDelay    time.Duration `env:"LISTSYNC_RECONNECT_DELAY" envDefault:"3s"`
	ProbeInterval     time.Duration `env:"LISTSYNC_PROBE_INTERVAL" envDefault:"5s"`
	SuggestDelay      time.Duration `env:"LISTSYNC_SUGGEST_DELAY" envDefault:"200ms"`

	// Optional YAML file overriding the route table.
	RoutesFile string `env:"LISTSYNC_ROUTES_FILE"`

	// Control endpoint rate limit, requests per second and burst.
	ControlRate  float64 `env:"LISTSYNC_CONTROL_RATE" envDefault:"5"`
	ControlBurst int     `env:"LISTSYNC_CONTROL_BURST" envDefault:"10"`

	EnableMCP bool `env:"LISTSYNC_ENABLE_MCP" envDefault:"false"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LISTSYNC_LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the bearer token to other users.
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.TokenFile != "" {
		abs, err := filepath.Abs(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("resolving token file path: %w", err)
		}

		cfg.TokenFile = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("LISTSYNC_SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("LISTSYNC_SERVER_URL must be an absolute http(s) URL")
	}

	if c.Token == "" && c.TokenFile == "" {
		return fmt.Errorf("one of LISTSYNC_TOKEN or LISTSYNC_TOKEN_FILE is required")
	}

	if c.UserID == "" {
		return fmt.Errorf("LISTSYNC_USER_ID is required")
	}

	if c.HeartbeatInterval <= 0 || c.ReconnectDelay <= 0 || c.ProbeInterval <= 0 {
		return fmt.Errorf("heartbeat, reconnect and probe intervals must be positive")
	}

	if c.ControlRate <= 0 || c.ControlBurst < 1 {
		return fmt.Errorf("LISTSYNC_CONTROL_RATE and LISTSYNC_CONTROL_BURST must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// localConfig is the subset of settings used by commands that only touch
// the local state database.
type localConfig struct {
	StatePath   string `env:"LISTSYNC_STATE_PATH"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LISTSYNC_LOG_LEVEL"`
}

// LoadLocal reads only the state path and logging settings, so local
// maintenance commands work without server credentials.
func LoadLocal() (statePath, environment, logLevel string, err error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[localConfig]()
	if err != nil {
		return "", "", "", fmt.Errorf("parsing config: %w", err)
	}

	return cfg.StatePath, cfg.Environment, cfg.LogLevel, nil
}
