package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per key. Idle buckets are dropped by
// Prune, which the server runs on its maintenance schedule.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*bucket)}
}

// Allow reports whether key may make another request under a limit of
// perMinute requests per minute, with bursts up to perMinute.
func (rl *RateLimiter) Allow(key string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()
	return b.limiter.Allow()
}

// Prune forgets keys not seen within idle and returns how many it dropped.
// A full bucket refills within a minute, so anything idle longer than that
// is equivalent to a fresh one.
func (rl *RateLimiter) Prune(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-idle)
	n := 0
	for k, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, k)
			n++
		}
	}
	return n
}

// authRateLimit rate-limits auth endpoints by client IP.
func (s *Server) authRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.rateLimiter.Allow("ip:"+ip, s.config.RateLimitAuth) {
			s.rejectRateLimited(w, r, "", ip, "auth")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// deviceRateLimit rate-limits authenticated endpoints by device.
func (s *Server) deviceRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		device := getDeviceFromContext(r.Context())
		if device != "" && !s.rateLimiter.Allow("device:"+device, s.config.RateLimitPush) {
			s.rejectRateLimited(w, r, device, clientIP(r), classifyEndpoint(r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rejectRateLimited logs the violation to the store and answers 429.
func (s *Server) rejectRateLimited(w http.ResponseWriter, r *http.Request, device, ip, class string) {
	if err := s.store.InsertRateLimitEvent(device, ip, class); err != nil {
		logFor(r.Context()).Error("log rate limit event", "err", err)
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded")
}

// classifyEndpoint returns the endpoint class based on the request path.
func classifyEndpoint(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/auth/"):
		return "auth"
	case strings.HasPrefix(path, "/v1/sync/"):
		return "push"
	default:
		return "other"
	}
}

// clientIP extracts the client IP from the request, checking X-Forwarded-For first.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First IP in the chain is the original client
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
