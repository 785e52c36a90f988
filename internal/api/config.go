package api

import "time"

// Config holds the server configuration.
type Config struct {
	ListenAddr      string
	ServerDBPath    string
	ShutdownTimeout time.Duration

	// TokenSecret signs device tokens; at least 32 characters.
	TokenSecret string
	TokenTTL    time.Duration

	// MaxBatch is the most items accepted in one push; larger batches get 413.
	MaxBatch int
	// MaxPhotoBatch applies to photo pushes, which carry content.
	MaxPhotoBatch int
	MaxBodyBytes  int64

	RateLimitAuth int // /v1/auth/* per IP per minute (default: 10)
	RateLimitPush int // /v1/sync/* per device per minute (default: 120)

	RateLimitEventRetention time.Duration // retention period for rate limit events (default: 30 days)
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		ServerDBPath:    "./data/server.db",
		ShutdownTimeout: 30 * time.Second,
		TokenTTL:        time.Hour,

		MaxBatch:      100,
		MaxPhotoBatch: 5,
		MaxBodyBytes:  64 << 20,

		RateLimitAuth: 10,
		RateLimitPush: 120,

		RateLimitEventRetention: 30 * 24 * time.Hour,
	}
}
