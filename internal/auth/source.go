package auth

import (
	"context"
	"sync"
	"time"
)

// FetchFunc obtains a fresh token from the server.
type FetchFunc func(ctx context.Context) (token string, expires time.Time, err error)

// TokenSource caches a device token and refreshes it shortly before expiry.
type TokenSource struct {
	fetch FetchFunc
	skew  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenSource creates a source that refreshes skew before expiry.
func NewTokenSource(fetch FetchFunc, skew time.Duration) *TokenSource {
	if skew <= 0 {
		skew = time.Minute
	}
	return &TokenSource{fetch: fetch, skew: skew, now: time.Now}
}

// Token returns a valid token, fetching one if none is cached or the cached
// one is about to expire.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Add(s.skew).Before(s.expires) {
		return s.token, nil
	}
	token, exp, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	if exp.IsZero() {
		if parsed, perr := Expiry(token); perr == nil {
			exp = parsed
		}
	}
	s.token, s.expires = token, exp
	return token, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expires = time.Time{}
	s.mu.Unlock()
}
