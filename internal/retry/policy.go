// Package retry holds the backoff policy and the per-class circuit breakers
// that guard remote calls.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTransient marks failures worth retrying: network errors, timeouts,
// server overload. Wrap it with fmt.Errorf("%w: ...", ErrTransient).
var ErrTransient = errors.New("transient network failure")

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// Policy describes exponential backoff between attempts.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Jitter is the fraction of the delay randomly added or removed (0.2 = ±20%).
	Jitter float64
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Multiplier:  2,
		MaxDelay:    time.Minute,
	}
}

// Delay returns the wait before retry number attempt (1-based), ignoring
// jitter: BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// jittered spreads d by ±Jitter.
func (p Policy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 {
		return d
	}
	delta := p.Jitter * (2*rand.Float64() - 1)
	return time.Duration(float64(d) * (1 + delta))
}

// sequence adapts Policy to backoff.BackOff.
type sequence struct {
	p       Policy
	attempt int
}

func (s *sequence) NextBackOff() time.Duration {
	s.attempt++
	if s.p.MaxAttempts > 0 && s.attempt >= s.p.MaxAttempts {
		return backoff.Stop
	}
	return s.p.jittered(s.p.Delay(s.attempt))
}

func (s *sequence) Reset() {
	s.attempt = 0
}

// BackOff returns a fresh backoff sequence that stops after MaxAttempts tries.
func (p Policy) BackOff() backoff.BackOff {
	return &sequence{p: p}
}

// Do runs op until it succeeds, fails with a non-transient error, the
// attempt budget is spent or ctx is done. notify, if set, is called before
// each wait. The last error is returned.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, notify func(err error, wait time.Duration)) error {
	operation := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	var n backoff.Notify
	if notify != nil {
		n = func(err error, d time.Duration) { notify(err, d) }
	}
	return backoff.RetryNotify(operation, backoff.WithContext(p.BackOff(), ctx), n)
}
