package retry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/marcus/fieldsync/internal/metrics"
	"github.com/marcus/fieldsync/internal/models"
)

// ErrCircuitOpen is returned by Allow while a class is blocked.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerSettings configures every per-class breaker.
type BreakerSettings struct {
	// FailureThreshold consecutive failures within Window open the circuit.
	FailureThreshold int
	Window           time.Duration
	// Cooldown is the first open period; each failed probe doubles it up to MaxCooldown.
	Cooldown    time.Duration
	MaxCooldown time.Duration
}

// DefaultBreakerSettings returns the settings used when nothing is configured.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		Window:           5 * time.Minute,
		Cooldown:         30 * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
}

// Breakers holds one circuit breaker per operation class.
type Breakers struct {
	settings BreakerSettings
	classes  map[models.OperationClass]*classBreaker
}

// classBreaker wraps a two-step breaker with an extended cool-down. gobreaker
// holds a tripped circuit open for the base Cooldown; holdUntil keeps it
// closed to callers for the rest of the extended period. mu is never held
// while calling into cb, because cb invokes onStateChange under its own lock.
type classBreaker struct {
	cb *gobreaker.TwoStepCircuitBreaker[struct{}]

	mu        sync.Mutex
	reopens   int
	holdUntil time.Time
}

// NewBreakers creates closed breakers for every operation class.
func NewBreakers(s BreakerSettings) *Breakers {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 1
	}
	if s.MaxCooldown < s.Cooldown {
		s.MaxCooldown = s.Cooldown
	}
	b := &Breakers{settings: s, classes: make(map[models.OperationClass]*classBreaker)}
	for _, c := range models.AllOperationClasses() {
		b.classes[c] = b.newClassBreaker(c)
	}
	return b
}

func (b *Breakers) newClassBreaker(class models.OperationClass) *classBreaker {
	cbr := &classBreaker{}
	threshold := uint32(b.settings.FailureThreshold)
	metrics.CircuitBreakerState.WithLabelValues(string(class)).Set(0)

	cbr.cb = gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        string(class),
		MaxRequests: 1, // a half-open circuit admits exactly one probe
		Interval:    b.settings.Window,
		Timeout:     b.settings.Cooldown,
		// rejections and capacity errors are answers from a healthy server
		IsSuccessful: func(err error) bool { return err == nil || !IsTransient(err) },
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cbr.onStateChange(b.settings, from, to)
			slog.Info("circuit breaker state change", "class", name, "from", stateToString(from), "to", stateToString(to))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, stateToString(from), stateToString(to)).Inc()
		},
	})
	return cbr
}

func (c *classBreaker) onStateChange(s BreakerSettings, from, to gobreaker.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case to == gobreaker.StateClosed:
		c.reopens = 0
		c.holdUntil = time.Time{}
	case from == gobreaker.StateHalfOpen && to == gobreaker.StateOpen:
		c.reopens++
		extended := s.Cooldown << c.reopens
		if extended > s.MaxCooldown || extended <= 0 {
			extended = s.MaxCooldown
		}
		// gobreaker already waits Cooldown; hold callers off for the remainder.
		c.holdUntil = time.Now().Add(extended)
	}
}

// Allow asks whether a call of class may proceed. When it may, the returned
// done func must be called exactly once with the call's error. Only transient
// errors count as failures.
func (b *Breakers) Allow(class models.OperationClass) (done func(err error), err error) {
	c, ok := b.classes[class]
	if !ok {
		return func(error) {}, nil
	}

	c.mu.Lock()
	held := time.Now().Before(c.holdUntil)
	c.mu.Unlock()
	if held {
		return nil, ErrCircuitOpen
	}

	done, err = c.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return done, nil
}

// State returns "closed", "half-open" or "open" for a class.
func (b *Breakers) State(class models.OperationClass) string {
	c, ok := b.classes[class]
	if !ok {
		return stateToString(gobreaker.StateClosed)
	}
	c.mu.Lock()
	held := time.Now().Before(c.holdUntil)
	c.mu.Unlock()
	if held {
		return stateToString(gobreaker.StateOpen)
	}
	return stateToString(c.cb.State())
}

// States returns the state of every class.
func (b *Breakers) States() map[models.OperationClass]string {
	out := make(map[models.OperationClass]string, len(b.classes))
	for class := range b.classes {
		out[class] = b.State(class)
	}
	return out
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
