package config

import (
	"errors"
	"fmt"
	"time"
)

// Server is the reference server configuration, loaded from
// FIELDSYNC_SERVER_ variables and an optional YAML file.
type Server struct {
	ListenAddr      string        `koanf:"listen_addr"`
	DBPath          string        `koanf:"db_path"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	TokenSecret     string        `koanf:"token_secret"`
	TokenTTL        time.Duration `koanf:"token_ttl"`
	MaxBatch        int           `koanf:"max_batch"`
	MaxPhotoBatch   int           `koanf:"max_photo_batch"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes"`
	RateLimitAuth   int           `koanf:"rate_limit_auth"`
	RateLimitPush   int           `koanf:"rate_limit_push"`
	EventRetention  time.Duration `koanf:"event_retention"`
	Log             LogConfig     `koanf:"log"`
}

// DefaultServer returns the server defaults.
func DefaultServer() *Server {
	return &Server{
		ListenAddr:      ":8080",
		DBPath:          "./data/server.db",
		ShutdownTimeout: 30 * time.Second,
		TokenTTL:        time.Hour,
		MaxBatch:        100,
		MaxPhotoBatch:   5,
		MaxBodyBytes:    64 << 20,
		RateLimitAuth:   10,
		RateLimitPush:   120,
		EventRetention:  30 * 24 * time.Hour,
		Log:             LogConfig{Level: "info", Format: "json"},
	}
}

// LoadServer builds the server config from defaults, path and environment.
func LoadServer(path string) (*Server, error) {
	cfg := &Server{}
	if err := load(DefaultServer(), "FIELDSYNC_SERVER_", path, cfg); err != nil {
		return nil, err
	}
	if len(cfg.TokenSecret) < 32 {
		return nil, errors.New("token_secret must be at least 32 characters (FIELDSYNC_SERVER_TOKEN_SECRET)")
	}
	if cfg.MaxBatch <= 0 || cfg.MaxPhotoBatch <= 0 {
		return nil, fmt.Errorf("max_batch and max_photo_batch must be positive")
	}
	return cfg, nil
}
