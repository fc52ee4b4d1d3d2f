package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	APIBaseURL     string
	SocketURL      string
	SessionFile    string
	ConnectTimeout time.Duration
	EmitTimeout    time.Duration
	PageSize       int
}

func Load() (*Config, error) {
	// Optional .env next to the binary; real env always wins.
	_ = godotenv.Load()

	connectTimeout, err := time.ParseDuration(getEnv("CONNECT_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("invalid CONNECT_TIMEOUT: %w", err)
	}
	emitTimeout, err := time.ParseDuration(getEnv("EMIT_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("invalid EMIT_TIMEOUT: %w", err)
	}
	pageSize, err := strconv.Atoi(getEnv("PAGE_SIZE", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid PAGE_SIZE: %w", err)
	}

	cfg := &Config{
		APIBaseURL:     getEnv("API_URL", "http://localhost:3000/api"),
		SocketURL:      getEnv("SOCKET_URL", "ws://localhost:3001/socket"),
		SessionFile:    getEnv("GOVORILKA_DB", "govorilka.db"),
		ConnectTimeout: connectTimeout,
		EmitTimeout:    emitTimeout,
		PageSize:       pageSize,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("API_URL is required")
	}
	if c.SocketURL == "" {
		return fmt.Errorf("SOCKET_URL is required")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT must be greater than 0")
	}
	if c.EmitTimeout <= 0 {
		return fmt.Errorf("EMIT_TIMEOUT must be greater than 0")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be greater than 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
