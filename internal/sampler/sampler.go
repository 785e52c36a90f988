// Package sampler records the device position at an interval that adapts to
// movement and battery level.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/marcus/fieldsync/internal/events"
	"github.com/marcus/fieldsync/internal/metrics"
	"github.com/marcus/fieldsync/internal/models"
)

// ErrAcquisitionTimeout may be returned by providers that enforce their own deadline.
var ErrAcquisitionTimeout = errors.New("location acquisition timed out")

// ErrTooManyFailures is the terminal failure after repeated fatal errors.
var ErrTooManyFailures = errors.New("location tracking stopped after repeated failures")

// LocationProvider acquires the current position. Implementations must
// return promptly once ctx is done.
type LocationProvider interface {
	Acquire(ctx context.Context) (models.Fix, error)
}

// PermissionProvider answers and requests the location permission.
type PermissionProvider interface {
	Status(ctx context.Context) (models.PermissionStatus, error)
	// Request performs the explicit request step for a not-yet-determined
	// permission and returns the resulting status.
	Request(ctx context.Context) (models.PermissionStatus, error)
}

// PowerSource reports the battery state.
type PowerSource interface {
	Read(ctx context.Context) (models.PowerReading, error)
}

// SampleStore persists samples.
type SampleStore interface {
	InsertLocationSample(ctx context.Context, ls *models.LocationSample) error
}

// State is the sampler lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateTracking State = "tracking"
)

// Config tunes the sampling loop.
type Config struct {
	AcquireTimeout time.Duration
	ErrorCooldown  time.Duration
	MaxFatalErrors int
	// Interval overrides the adaptive interval table.
	Interval func(m models.MovementState, battery float64) time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AcquireTimeout: 30 * time.Second,
		ErrorCooldown:  60 * time.Second,
		MaxFatalErrors: 3,
		Interval:       Interval,
	}
}

// Deps are the collaborators of a Sampler.
type Deps struct {
	Provider    LocationProvider
	Permissions PermissionProvider
	Power       PowerSource
	Store       SampleStore
	Bus         *events.Bus
}

// Sampler runs the tracking loop.
type Sampler struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	detector *MovementDetector
}

// New creates an idle sampler.
func New(deps Deps, cfg Config) *Sampler {
	def := DefaultConfig()
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.ErrorCooldown <= 0 {
		cfg.ErrorCooldown = def.ErrorCooldown
	}
	if cfg.MaxFatalErrors <= 0 {
		cfg.MaxFatalErrors = def.MaxFatalErrors
	}
	if cfg.Interval == nil {
		cfg.Interval = Interval
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	closed := make(chan struct{})
	close(closed)
	return &Sampler{cfg: cfg, deps: deps, state: StateIdle, done: closed, detector: NewMovementDetector()}
}

// State returns the lifecycle state.
func (s *Sampler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the current tracking loop exits.
func (s *Sampler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the terminal failure of the last loop, if any.
func (s *Sampler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Start begins tracking. It fails with models.ErrPermissionDenied unless the
// location permission is granted; an undetermined permission is requested
// first. Starting an already tracking sampler is a no-op. The loop stops when
// ctx is done or Stop is called.
func (s *Sampler) Start(ctx context.Context) error {
	if s.State() == StateTracking {
		return nil
	}
	if err := s.checkPermission(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTracking {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.state = StateTracking
	s.cancel = cancel
	s.err = nil
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	slog.Info("location tracking started")
	return nil
}

func (s *Sampler) checkPermission(ctx context.Context) error {
	status, err := s.deps.Permissions.Status(ctx)
	if err != nil {
		return fmt.Errorf("read location permission: %w", err)
	}
	if status == models.PermissionNotDetermined {
		status, err = s.deps.Permissions.Request(ctx)
		if err != nil {
			return fmt.Errorf("request location permission: %w", err)
		}
	}
	switch status {
	case models.PermissionGranted:
		return nil
	case models.PermissionNotDetermined:
		return fmt.Errorf("location: %w", models.ErrPermissionNotDetermined)
	default:
		return fmt.Errorf("location: %w", models.ErrPermissionDenied)
	}
}

// Stop ends tracking and waits for the loop to exit. No sample is stored or
// published after Stop returns. Stopping an idle sampler is a no-op.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-done
}

func (s *Sampler) String() string { return "location-sampler" }

// Serve runs tracking as a supervised service until ctx is done. A terminal
// failure is not restarted.
func (s *Sampler) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		slog.Error("location tracking unavailable", "err", err)
		return fmt.Errorf("%w: %v", suture.ErrDoNotRestart, err)
	}
	select {
	case <-ctx.Done():
		s.Stop()
		return ctx.Err()
	case <-s.Done():
		if err := s.Err(); err != nil {
			return fmt.Errorf("%w: %v", suture.ErrDoNotRestart, err)
		}
		return nil
	}
}

func (s *Sampler) loop(ctx context.Context, done chan struct{}) {
	var terminal error
	defer func() {
		s.mu.Lock()
		s.state = StateIdle
		s.cancel = nil
		s.err = terminal
		s.mu.Unlock()
		close(done)
		if terminal != nil {
			slog.Error("location tracking stopped", "err", terminal)
		} else {
			slog.Info("location tracking stopped")
		}
	}()

	fatalStreak := 0
	for {
		// Pre-acquisition cancellation check.
		if ctx.Err() != nil {
			return
		}

		wait, err := s.sampleOnce(ctx)
		switch {
		case err == nil:
			fatalStreak = 0
		case ctx.Err() != nil:
			return
		case errors.Is(err, models.ErrPermissionDenied):
			terminal = err
			return
		case isTimeout(err):
			metrics.LocationErrors.WithLabelValues("timeout").Inc()
			slog.Warn("location acquisition timed out", "cooldown", s.cfg.ErrorCooldown)
			wait = s.cfg.ErrorCooldown
		default:
			fatalStreak++
			metrics.LocationErrors.WithLabelValues("fatal").Inc()
			slog.Warn("location sample failed", "err", err, "consecutive", fatalStreak, "cooldown", s.cfg.ErrorCooldown)
			if fatalStreak >= s.cfg.MaxFatalErrors {
				terminal = fmt.Errorf("%w: %v", ErrTooManyFailures, err)
				return
			}
			wait = s.cfg.ErrorCooldown
		}

		if !sleep(ctx, wait) {
			return
		}
	}
}

// sampleOnce acquires, stores and publishes one sample and returns the wait
// before the next one.
func (s *Sampler) sampleOnce(ctx context.Context) (time.Duration, error) {
	actx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	fix, err := s.deps.Provider.Acquire(actx)
	cancel()
	if err != nil {
		return 0, err
	}

	power := s.readPower(ctx)
	prev := s.detector.State()
	movement, changed := s.detector.Observe(fix)

	sample := &models.LocationSample{
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		Accuracy:  fix.Accuracy,
		Speed:     fix.Speed,
		Movement:  string(movement),
		Battery:   power.Level,
		Timestamp: fix.Timestamp,
	}

	// The acquisition may have completed concurrently with Stop.
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if err := s.deps.Store.InsertLocationSample(ctx, sample); err != nil {
		metrics.LocationErrors.WithLabelValues("store").Inc()
		return 0, fmt.Errorf("store sample: %w", err)
	}
	metrics.LocationSamples.Inc()

	if changed {
		s.deps.Bus.Movement.Publish(events.MovementStateChanged{From: prev, To: movement, At: fix.Timestamp})
	}
	s.deps.Bus.Location.Publish(events.LocationChanged{Sample: *sample})

	interval := s.cfg.Interval(movement, effectiveLevel(power))
	metrics.SamplingInterval.Set(interval.Seconds())
	slog.Debug("location sample stored", "local_id", sample.LocalID, "movement", movement,
		"battery", power.Level, "next", interval)
	return interval, nil
}

func (s *Sampler) readPower(ctx context.Context) models.PowerReading {
	if s.deps.Power == nil {
		return models.PowerReading{Level: unknownBattery}
	}
	p, err := s.deps.Power.Read(ctx)
	if err != nil {
		slog.Debug("battery level unavailable", "err", err)
		return models.PowerReading{Level: unknownBattery}
	}
	return p
}

// unknownBattery places an unreadable battery in the 20-50% band.
const unknownBattery = 0.35

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrAcquisitionTimeout)
}

// sleep waits for d or until ctx is done and reports whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		// Post-sleep cancellation check.
		return ctx.Err() == nil
	}
}
