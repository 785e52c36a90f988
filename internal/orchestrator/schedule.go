package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/marcus/fieldsync/internal/netmon"
)

// schedule is the state of the periodic trigger.
type schedule struct {
	mu       sync.Mutex
	cron     *cron.Cron
	id       cron.EntryID
	interval time.Duration
	cancel   context.CancelFunc
}

// cronLogger adapts slog to cron.Logger. Cron's info lines are per-tick
// noise, so they are logged at debug.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug(msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(msg, append([]any{"err", err}, kv...)...)
}

// Schedule starts periodic passes every interval, replacing any previous
// schedule. A tick that fires while a pass is running is dropped. Passes run
// with ctx and stop being started once ctx is done or CancelSchedule is called.
func (o *Orchestrator) Schedule(ctx context.Context, interval time.Duration) error {
	if interval < time.Second {
		return fmt.Errorf("schedule interval %s is below 1s", interval)
	}
	o.CancelSchedule()

	logger := cronLogger{l: slog.Default().With("component", "sync-schedule")}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
	)
	sctx, cancel := context.WithCancel(ctx)
	id := c.Schedule(cron.Every(interval), cron.FuncJob(func() {
		if sctx.Err() != nil {
			return
		}
		_, err := o.SyncAllFrom(sctx, TriggerSchedule)
		if errors.Is(err, ErrAlreadyRunning) {
			slog.Debug("scheduled sync skipped, pass in progress")
		}
	}))

	o.sched.mu.Lock()
	o.sched.cron, o.sched.id, o.sched.interval, o.sched.cancel = c, id, interval, cancel
	o.sched.mu.Unlock()

	c.Start()
	slog.Info("sync scheduled", "interval", interval)
	return nil
}

// CancelSchedule stops the periodic trigger. It waits for a scheduled pass
// that is already running to finish its current handler. Safe to call when
// nothing is scheduled.
func (o *Orchestrator) CancelSchedule() {
	o.sched.mu.Lock()
	c, id, cancel := o.sched.cron, o.sched.id, o.sched.cancel
	o.sched.cron, o.sched.cancel, o.sched.interval = nil, nil, 0
	o.sched.mu.Unlock()

	if c == nil {
		return
	}
	c.Remove(id)
	cancel()
	<-c.Stop().Done()
}

// ScheduledInterval returns the active schedule interval, or zero.
func (o *Orchestrator) ScheduledInterval() time.Duration {
	o.sched.mu.Lock()
	defer o.sched.mu.Unlock()
	return o.sched.interval
}

// NextScheduled returns when the next scheduled pass fires.
func (o *Orchestrator) NextScheduled() (time.Time, bool) {
	o.sched.mu.Lock()
	defer o.sched.mu.Unlock()
	if o.sched.cron == nil {
		return time.Time{}, false
	}
	return o.sched.cron.Entry(o.sched.id).Next, true
}

// ConnectivityTrigger starts a pass when connectivity is restored. Triggers
// closer together than MinInterval are dropped.
type ConnectivityTrigger struct {
	Orchestrator *Orchestrator
	Monitor      *netmon.Monitor
	MinInterval  time.Duration
}

// String names the service in supervisor logs.
func (t *ConnectivityTrigger) String() string { return "connectivity-trigger" }

// Serve runs until ctx is done. It satisfies suture.Service.
func (t *ConnectivityTrigger) Serve(ctx context.Context) error {
	interval := t.MinInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	restored := make(chan struct{}, 1)
	var mu sync.Mutex
	prev := t.Monitor.Current()
	sub := t.Monitor.Subscribe(func(next netmon.State) {
		mu.Lock()
		was := prev
		prev = next
		mu.Unlock()
		if netmon.Restored(was, next) {
			select {
			case restored <- struct{}{}:
			default:
			}
		}
	})
	defer t.Monitor.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-restored:
			if !limiter.Allow() {
				slog.Debug("connectivity trigger throttled")
				continue
			}
			slog.Info("connectivity restored, starting sync")
			if _, err := t.Orchestrator.SyncAllFrom(ctx, TriggerConnectivity); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				slog.Warn("connectivity sync failed", "err", err)
			}
		}
	}
}

// Scheduler keeps a periodic schedule alive for the lifetime of a supervisor.
type Scheduler struct {
	Orchestrator *Orchestrator
	Interval     time.Duration
}

func (s *Scheduler) String() string { return "sync-scheduler" }

// Serve installs the schedule and removes it when ctx is done.
func (s *Scheduler) Serve(ctx context.Context) error {
	if err := s.Orchestrator.Schedule(ctx, s.Interval); err != nil {
		return err
	}
	<-ctx.Done()
	s.Orchestrator.CancelSchedule()
	return nil
}

// Purger periodically removes synced records past retention.
type Purger struct {
	Orchestrator *Orchestrator
	Every        time.Duration
}

func (p *Purger) String() string { return "purger" }

// Serve purges once at start and then every Every until ctx is done.
func (p *Purger) Serve(ctx context.Context) error {
	every := p.Every
	if every <= 0 {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := p.Orchestrator.Purge(ctx); err != nil {
			slog.Warn("purge failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
