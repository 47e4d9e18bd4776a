package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Config holds the relay's runtime settings, read from the environment.
// A .env file in the working directory is loaded first if present.
type Config struct {
	Addr       string // listen address, e.g. ":8080"
	BackendURL string // base URL of the vote-counting backend
	LogLevel   string // zap level name: debug, info, warn, error
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Addr:       ":8080",
		BackendURL: os.Getenv("POLLSYNC_BACKEND_URL"),
		LogLevel:   "info",
	}
	if v := os.Getenv("POLLSYNC_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("POLLSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if cfg.BackendURL == "" {
		return Config{}, fmt.Errorf("POLLSYNC_BACKEND_URL is required")
	}
	return cfg, nil
}
