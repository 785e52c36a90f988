package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marcus/fieldsync/internal/events"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/netmon"
)

// finalsRecorder collects the final status event of every pass.
type finalsRecorder struct {
	mu     sync.Mutex
	finals []events.SyncSummary
}

func recordFinals(t *testing.T, bus *events.Bus) *finalsRecorder {
	r := &finalsRecorder{}
	sub := bus.SyncStatus.SubscribeFunc(func(e events.SyncStatusChanged) {
		if e.InProgress || e.LastResult == nil {
			return
		}
		r.mu.Lock()
		r.finals = append(r.finals, *e.LastResult)
		r.mu.Unlock()
	})
	t.Cleanup(sub.Close)
	return r
}

func (r *finalsRecorder) get() []events.SyncSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.SyncSummary(nil), r.finals...)
}

// wait blocks until at least n finals arrived or the timeout passed.
func (r *finalsRecorder) wait(n int, timeout time.Duration) []events.SyncSummary {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := r.get(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	return r.get()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestScheduleRejectsShortInterval(t *testing.T) {
	o := New(Deps{Handlers: handlerList(newHandlers(nil, 0)), Network: online(netmon.QualityExcellent)}, Config{})
	if err := o.Schedule(context.Background(), 500*time.Millisecond); err == nil {
		t.Fatal("expected error for sub-second interval")
	}
	if o.ScheduledInterval() != 0 {
		t.Errorf("interval after rejected schedule: %s", o.ScheduledInterval())
	}
}

func TestScheduleRunsAndCancels(t *testing.T) {
	bus := events.NewBus()
	rec := recordFinals(t, bus)
	o := New(Deps{Handlers: handlerList(newHandlers(nil, 1)), Network: online(netmon.QualityExcellent), Bus: bus}, Config{})

	if err := o.Schedule(context.Background(), time.Second); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if o.ScheduledInterval() != time.Second {
		t.Errorf("interval: %s", o.ScheduledInterval())
	}
	if next, ok := o.NextScheduled(); !ok || next.IsZero() {
		t.Errorf("next scheduled: %v %v", next, ok)
	}

	got := rec.wait(1, 3*time.Second)
	if len(got) == 0 {
		t.Fatal("no scheduled pass ran")
	}
	if got[0].Trigger != string(TriggerSchedule) || got[0].Synced != 5 {
		t.Errorf("first scheduled pass: %+v", got[0])
	}

	o.CancelSchedule()
	if o.ScheduledInterval() != 0 {
		t.Errorf("interval after cancel: %s", o.ScheduledInterval())
	}
	if _, ok := o.NextScheduled(); ok {
		t.Error("NextScheduled reports a schedule after cancel")
	}
	n := len(rec.get())
	time.Sleep(1500 * time.Millisecond)
	if after := len(rec.get()); after != n {
		t.Errorf("passes after cancel: %d, want %d", after, n)
	}
}

func TestTickDuringPassIsDropped(t *testing.T) {
	hs := newHandlers(nil, 1)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	hs[models.EntityTimeRecord].onSync = func() {
		once.Do(func() {
			close(started)
			<-release
		})
	}
	bus := events.NewBus()
	rec := recordFinals(t, bus)
	o := New(Deps{Handlers: handlerList(hs), Network: online(netmon.QualityExcellent), Bus: bus}, Config{})

	errc := make(chan error, 1)
	go func() {
		_, err := o.SyncAll(context.Background())
		errc <- err
	}()
	<-started

	if err := o.Schedule(context.Background(), time.Second); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	defer o.CancelSchedule()

	// Two ticks fire while the manual pass holds the lock.
	time.Sleep(2300 * time.Millisecond)
	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("manual pass: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	got := rec.get()
	if len(got) != 1 {
		t.Fatalf("finals: %+v, want only the manual pass", got)
	}
	if got[0].Trigger != string(TriggerManual) {
		t.Errorf("trigger: %s", got[0].Trigger)
	}
}

func TestConnectivityTriggerStartsPassOnRestore(t *testing.T) {
	log := &callLog{}
	mon := netmon.NewMonitor(netmon.Offline)
	bus := events.NewBus()
	rec := recordFinals(t, bus)
	o := New(Deps{Handlers: handlerList(newHandlers(log, 1)), Network: mon, Bus: bus}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	trig := &ConnectivityTrigger{Orchestrator: o, Monitor: mon, MinInterval: time.Millisecond}
	go func() { done <- trig.Serve(ctx) }()
	waitFor(t, "trigger subscription", func() bool { return mon.Subscribers() > 0 })

	if len(log.get()) != 0 {
		t.Fatal("handlers ran before connectivity was restored")
	}
	mon.Update(netmon.State{Connected: true, Transport: netmon.TransportWiFi, Quality: netmon.QualityExcellent})

	got := rec.wait(1, 2*time.Second)
	if len(got) != 1 {
		t.Fatalf("finals: %+v", got)
	}
	if got[0].Trigger != string(TriggerConnectivity) || got[0].Synced != 5 {
		t.Errorf("pass: %+v", got[0])
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve: %v", err)
	}
	if mon.Subscribers() != 0 {
		t.Errorf("subscribers after stop: %d", mon.Subscribers())
	}
}

func TestConnectivityTriggerIsThrottled(t *testing.T) {
	mon := netmon.NewMonitor(netmon.Offline)
	bus := events.NewBus()
	rec := recordFinals(t, bus)
	o := New(Deps{Handlers: handlerList(newHandlers(nil, 0)), Network: mon, Bus: bus}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trig := &ConnectivityTrigger{Orchestrator: o, Monitor: mon, MinInterval: time.Hour}
	go trig.Serve(ctx)
	waitFor(t, "trigger subscription", func() bool { return mon.Subscribers() > 0 })

	up := netmon.State{Connected: true, Transport: netmon.TransportCellular, Quality: netmon.QualityGood}
	for range 5 {
		mon.Update(up)
		rec.wait(1, 2*time.Second)
		mon.Update(netmon.Offline)
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if got := rec.get(); len(got) != 1 {
		t.Errorf("passes: %d, want 1", len(got))
	}
}

func TestSchedulerServiceOwnsSchedule(t *testing.T) {
	o := New(Deps{Handlers: handlerList(newHandlers(nil, 0)), Network: online(netmon.QualityExcellent)}, Config{})
	s := &Scheduler{Orchestrator: o, Interval: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	waitFor(t, "schedule", func() bool { return o.ScheduledInterval() == time.Minute })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if o.ScheduledInterval() != 0 {
		t.Errorf("schedule survived service stop: %s", o.ScheduledInterval())
	}

	bad := &Scheduler{Orchestrator: o, Interval: time.Millisecond}
	if err := bad.Serve(context.Background()); err == nil {
		t.Error("expected error for sub-second interval")
	}
}

func TestPurgerRunsAtStartAndOnTick(t *testing.T) {
	store := &memStore{}
	o := New(Deps{Store: store}, Config{})
	p := &Purger{Orchestrator: o, Every: 10 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	perPass := len(models.SyncPriority)
	waitFor(t, "two purge runs", func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.purges >= 2*perPass
	})
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve: %v", err)
	}
}
