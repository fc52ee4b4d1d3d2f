package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.APIBaseURL != "http://localhost:3000/api" {
		t.Errorf("unexpected APIBaseURL: %s", cfg.APIBaseURL)
	}
	if cfg.SocketURL != "ws://localhost:3001/socket" {
		t.Errorf("unexpected SocketURL: %s", cfg.SocketURL)
	}
	if cfg.ConnectTimeout != 10*time.Second {
		t.Errorf("unexpected ConnectTimeout: %s", cfg.ConnectTimeout)
	}
	if cfg.PageSize != 10 {
		t.Errorf("unexpected PageSize: %d", cfg.PageSize)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("API_URL", "https://chat.example.com/api")
	t.Setenv("CONNECT_TIMEOUT", "3s")
	t.Setenv("PAGE_SIZE", "25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.APIBaseURL != "https://chat.example.com/api" {
		t.Errorf("unexpected APIBaseURL: %s", cfg.APIBaseURL)
	}
	if cfg.ConnectTimeout != 3*time.Second {
		t.Errorf("unexpected ConnectTimeout: %s", cfg.ConnectTimeout)
	}
	if cfg.PageSize != 25 {
		t.Errorf("unexpected PageSize: %d", cfg.PageSize)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("CONNECT_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Error("expected error for invalid CONNECT_TIMEOUT")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		APIBaseURL:     "http://localhost:3000/api",
		SocketURL:      "ws://localhost:3001/socket",
		ConnectTimeout: time.Second,
		EmitTimeout:    time.Second,
		PageSize:       10,
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	cfg.PageSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero PageSize")
	}

	cfg.PageSize = 10
	cfg.SocketURL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty SOCKET_URL")
	}
}
