package sampler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marcus/fieldsync/internal/events"
	"github.com/marcus/fieldsync/internal/models"
)

func TestIntervalTable(t *testing.T) {
	s := models.MovementStationary
	m := models.MovementMoving
	a := models.MovementActive
	tests := []struct {
		movement models.MovementState
		battery  float64
		want     time.Duration
	}{
		{s, 0.9, 120 * time.Second},
		{m, 0.9, 60 * time.Second},
		{a, 0.9, 30 * time.Second},
		{a, 0.5, 30 * time.Second},
		{s, 0.3, 180 * time.Second},
		{m, 0.3, 120 * time.Second},
		{a, 0.3, 60 * time.Second},
		{a, 0.2, 60 * time.Second},
		{s, 0.1, 180 * time.Second},
		{m, 0.1, 180 * time.Second},
		{a, 0.1999, 180 * time.Second},
		{models.MovementUnknown, 0.9, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := Interval(tt.movement, tt.battery); got != tt.want {
			t.Errorf("Interval(%s, %.4f) = %v, want %v", tt.movement, tt.battery, got, tt.want)
		}
	}
}

func TestChargingSamplesAsFullBattery(t *testing.T) {
	if got := effectiveLevel(models.PowerReading{Level: 0.05, Charging: true}); got != 1 {
		t.Errorf("charging level: %v", got)
	}
}

func TestMovementDetector(t *testing.T) {
	d := NewMovementDetector()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	if st, changed := d.Observe(models.Fix{Latitude: 0, Longitude: 0, Timestamp: base}); st != models.MovementUnknown || changed {
		t.Fatalf("first fix: %s changed=%v", st, changed)
	}
	// ~111 m in 100 s is about 1.1 m/s.
	st, changed := d.Observe(models.Fix{Latitude: 0.001, Longitude: 0, Timestamp: base.Add(100 * time.Second)})
	if st != models.MovementMoving || !changed {
		t.Errorf("walking: %s changed=%v", st, changed)
	}
	fast := 12.0
	if st, _ := d.Observe(models.Fix{Latitude: 0.001, Longitude: 0, Speed: &fast, Timestamp: base.Add(130 * time.Second)}); st != models.MovementActive {
		t.Errorf("reported speed: %s", st)
	}
	st, _ = d.Observe(models.Fix{Latitude: 0.001, Longitude: 0, Timestamp: base.Add(230 * time.Second)})
	if st != models.MovementStationary {
		t.Errorf("no displacement: %s", st)
	}
}

func TestDistanceMeters(t *testing.T) {
	// One degree of latitude is about 111.2 km.
	d := DistanceMeters(0, 0, 1, 0)
	if d < 111000 || d > 111400 {
		t.Errorf("distance: %v", d)
	}
}

// --- fakes ---

type fakePermissions struct {
	status    models.PermissionStatus
	onRequest models.PermissionStatus
	requested int
}

func (f *fakePermissions) Status(ctx context.Context) (models.PermissionStatus, error) {
	return f.status, nil
}

func (f *fakePermissions) Request(ctx context.Context) (models.PermissionStatus, error) {
	f.requested++
	return f.onRequest, nil
}

type fakeStore struct {
	mu      sync.Mutex
	samples []models.LocationSample
	nextID  int64
}

func (f *fakeStore) InsertLocationSample(ctx context.Context, ls *models.LocationSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	ls.LocalID = f.nextID
	f.samples = append(f.samples, *ls)
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples)
}

// scriptedProvider returns results from script in order, then succeeds.
type scriptedProvider struct {
	mu     sync.Mutex
	script []error
	calls  int
}

func (p *scriptedProvider) Acquire(ctx context.Context) (models.Fix, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.script) > 0 {
		err := p.script[0]
		p.script = p.script[1:]
		if err != nil {
			return models.Fix{}, err
		}
	}
	return models.Fix{Latitude: 10, Longitude: 20, Accuracy: 4, Timestamp: time.Now()}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fixedPower struct{ level float64 }

func (f fixedPower) Read(ctx context.Context) (models.PowerReading, error) {
	return models.PowerReading{Level: f.level}, nil
}

func newTestSampler(provider LocationProvider, perms *fakePermissions, store *fakeStore, bus *events.Bus) *Sampler {
	return New(Deps{
		Provider:    provider,
		Permissions: perms,
		Power:       fixedPower{0.8},
		Store:       store,
		Bus:         bus,
	}, Config{
		AcquireTimeout: 50 * time.Millisecond,
		ErrorCooldown:  2 * time.Millisecond,
		MaxFatalErrors: 3,
		Interval:       func(models.MovementState, float64) time.Duration { return time.Millisecond },
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStartRequiresPermission(t *testing.T) {
	store := &fakeStore{}
	s := newTestSampler(&scriptedProvider{}, &fakePermissions{status: models.PermissionDenied}, store, nil)

	err := s.Start(context.Background())
	if !errors.Is(err, models.ErrPermissionDenied) {
		t.Fatalf("Start: got %v, want ErrPermissionDenied", err)
	}
	if s.State() != StateIdle {
		t.Errorf("state: %s", s.State())
	}
	s.Stop()
}

func TestStartRequestsUndeterminedPermission(t *testing.T) {
	perms := &fakePermissions{status: models.PermissionNotDetermined, onRequest: models.PermissionGranted}
	store := &fakeStore{}
	s := newTestSampler(&scriptedProvider{}, perms, store, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	if perms.requested != 1 {
		t.Errorf("permission requested %d times, want 1", perms.requested)
	}
	if s.State() != StateTracking {
		t.Errorf("state: %s", s.State())
	}

	denied := &fakePermissions{status: models.PermissionNotDetermined, onRequest: models.PermissionDenied}
	s2 := newTestSampler(&scriptedProvider{}, denied, &fakeStore{}, nil)
	if err := s2.Start(context.Background()); !errors.Is(err, models.ErrPermissionDenied) {
		t.Errorf("refused request: got %v", err)
	}
}

func TestStopIsDeterministic(t *testing.T) {
	store := &fakeStore{}
	bus := events.NewBus()
	sub := bus.Location.Subscribe(false)
	defer sub.Close()

	s := newTestSampler(&scriptedProvider{}, &fakePermissions{status: models.PermissionGranted}, store, bus)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return store.count() >= 3 })

	s.Stop()
	after := store.count()
	if s.State() != StateIdle {
		t.Errorf("state after Stop: %s", s.State())
	}

	// Drain whatever was published before Stop returned.
	select {
	case <-sub.C():
	default:
	}
	time.Sleep(30 * time.Millisecond)
	if got := store.count(); got != after {
		t.Errorf("samples stored after Stop: %d -> %d", after, got)
	}
	select {
	case ev := <-sub.C():
		t.Errorf("location event after Stop: %+v", ev)
	default:
	}

	// Idempotent
	s.Stop()
	s.Stop()
}

type blockingProvider struct{}

func (blockingProvider) Acquire(ctx context.Context) (models.Fix, error) {
	<-ctx.Done()
	return models.Fix{}, ctx.Err()
}

func TestStopDuringAcquisition(t *testing.T) {
	store := &fakeStore{}
	s := New(Deps{
		Provider:    blockingProvider{},
		Permissions: &fakePermissions{status: models.PermissionGranted},
		Store:       store,
	}, Config{AcquireTimeout: time.Hour, ErrorCooldown: time.Hour})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt acquisition")
	}
	if store.count() != 0 {
		t.Errorf("stored %d samples", store.count())
	}
	if s.Err() != nil {
		t.Errorf("Stop is not a failure: %v", s.Err())
	}
}

func TestTimeoutsAreRetriedAfterCooldown(t *testing.T) {
	store := &fakeStore{}
	provider := &scriptedProvider{script: []error{
		context.DeadlineExceeded, ErrAcquisitionTimeout, context.DeadlineExceeded, context.DeadlineExceeded,
	}}
	s := newTestSampler(provider, &fakePermissions{status: models.PermissionGranted}, store, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitFor(t, func() bool { return store.count() >= 1 })
	if s.State() != StateTracking {
		t.Errorf("timeouts stopped tracking: %s", s.State())
	}
}

func TestThreeConsecutiveFatalErrorsStopTracking(t *testing.T) {
	providerErr := errors.New("location services unavailable")
	provider := &scriptedProvider{script: []error{
		providerErr, context.DeadlineExceeded, providerErr, context.DeadlineExceeded, providerErr,
		nil, nil,
	}}
	store := &fakeStore{}
	s := newTestSampler(provider, &fakePermissions{status: models.PermissionGranted}, store, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("sampler did not give up")
	}
	if !errors.Is(s.Err(), ErrTooManyFailures) {
		t.Errorf("Err: got %v, want ErrTooManyFailures", s.Err())
	}
	if s.State() != StateIdle {
		t.Errorf("state: %s", s.State())
	}
	if got := provider.callCount(); got != 5 {
		t.Errorf("acquisitions: got %d, want 5", got)
	}
	if store.count() != 0 {
		t.Errorf("stored %d samples", store.count())
	}
}

func TestSuccessResetsFatalStreak(t *testing.T) {
	providerErr := errors.New("gps glitch")
	provider := &scriptedProvider{script: []error{providerErr, providerErr, nil, providerErr, providerErr, nil}}
	store := &fakeStore{}
	s := newTestSampler(provider, &fakePermissions{status: models.PermissionGranted}, store, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitFor(t, func() bool { return store.count() >= 3 })
	if s.Err() != nil {
		t.Errorf("unexpected terminal failure: %v", s.Err())
	}
}

func TestPermissionRevokedStopsImmediately(t *testing.T) {
	provider := &scriptedProvider{script: []error{models.ErrPermissionDenied}}
	s := newTestSampler(provider, &fakePermissions{status: models.PermissionGranted}, &fakeStore{}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("sampler kept running without permission")
	}
	if !errors.Is(s.Err(), models.ErrPermissionDenied) {
		t.Errorf("Err: %v", s.Err())
	}
}

func TestSamplesCarryBatteryAndEvents(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Location.Subscribe(false)
	defer sub.Close()
	store := &fakeStore{}
	s := newTestSampler(&scriptedProvider{}, &fakePermissions{status: models.PermissionGranted}, store, bus)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case ev := <-sub.C():
		if ev.Sample.LocalID == 0 || ev.Sample.Battery != 0.8 {
			t.Errorf("event sample: %+v", ev.Sample)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no location event")
	}
	s.Stop()
}
