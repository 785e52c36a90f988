package cmd

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/marcus/fieldsync/internal/blobstore"
	"github.com/marcus/fieldsync/internal/capture"
	"github.com/marcus/fieldsync/internal/config"
	"github.com/marcus/fieldsync/internal/db"
	"github.com/marcus/fieldsync/internal/device"
	"github.com/marcus/fieldsync/internal/events"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/netmon"
	"github.com/marcus/fieldsync/internal/orchestrator"
	"github.com/marcus/fieldsync/internal/retry"
	"github.com/marcus/fieldsync/internal/sampler"
	fsync "github.com/marcus/fieldsync/internal/sync"
	"github.com/marcus/fieldsync/internal/syncclient"
	"github.com/marcus/fieldsync/internal/syncconfig"
)

// app is the composition root: every long-lived object is built here and
// passed explicitly.
type app struct {
	cfg      *config.Config
	db       *db.DB
	blobs    *blobstore.Store
	bus      *events.Bus
	monitor  *netmon.Monitor
	breakers *retry.Breakers

	// set by withSync
	client *syncclient.Client
	prober *netmon.Prober
	orch   *orchestrator.Orchestrator
}

// openApp opens the local stores. It does not touch the network.
func openApp(c *config.Config) (*app, error) {
	database, err := db.Open(c.DBPath())
	if err != nil {
		return nil, err
	}
	blobs, err := blobstore.Open(c.BlobDir())
	if err != nil {
		database.Close()
		return nil, err
	}
	return &app{
		cfg:     c,
		db:      database,
		blobs:   blobs,
		bus:     events.NewBus(),
		monitor: netmon.NewMonitor(netmon.Offline),
		breakers: retry.NewBreakers(retry.BreakerSettings{
			FailureThreshold: c.Breaker.FailureThreshold,
			Window:           c.Breaker.Window,
			Cooldown:         c.Breaker.Cooldown,
			MaxCooldown:      c.Breaker.MaxCooldown,
		}),
	}, nil
}

func (a *app) Close() {
	if a.orch != nil {
		a.orch.CancelSchedule()
	}
	if err := a.blobs.Close(); err != nil {
		slog.Warn("close blob store", "err", err)
	}
	if err := a.db.Close(); err != nil {
		slog.Warn("close database", "err", err)
	}
}

// withSync builds the remote client, prober, handlers and orchestrator.
// It fails with syncconfig.ErrNoCredentials when the device is not enrolled.
func (a *app) withSync() error {
	creds, err := syncconfig.Resolve(a.cfg.DataDir, syncconfig.Credentials{
		ServerURL: a.cfg.Server.URL,
		DeviceID:  a.cfg.Server.DeviceID,
		DeviceKey: a.cfg.Server.DeviceKey,
	})
	if err != nil {
		return err
	}
	a.client = syncclient.New(creds.ServerURL, creds.DeviceID, creds.DeviceKey)

	a.prober = &netmon.Prober{
		Monitor:   a.monitor,
		Checker:   a.client,
		Interval:  a.cfg.Network.ProbeInterval,
		Timeout:   a.cfg.Network.ProbeTimeout,
		Transport: netmon.Transport(a.cfg.Network.Transport),
	}

	handlers := fsync.NewHandlers(fsync.DefaultSpecs(), fsync.Deps{
		Store:       a.db,
		Remote:      a.client,
		Blobs:       a.blobs,
		Breakers:    a.breakers,
		Policy:      a.retryPolicy(),
		MaxAttempts: a.cfg.Sync.MaxAttempts,
		Timeout: func(class models.OperationClass) time.Duration {
			return netmon.Timeout(class, a.monitor.Current().Quality)
		},
	})
	list := make([]orchestrator.EntityHandler, 0, len(handlers))
	for _, et := range models.SyncPriority {
		if h, ok := handlers[et]; ok {
			list = append(list, h)
		}
	}

	a.orch = orchestrator.New(orchestrator.Deps{
		Handlers: list,
		Network:  a.monitor,
		Breakers: a.breakers,
		Store:    a.db,
		Blobs:    a.blobs,
		Bus:      a.bus,
	}, orchestrator.Config{
		BatchLimit:        a.cfg.Sync.BatchLimit,
		MaxBatchesPerPass: a.cfg.Sync.MaxBatchesPerPass,
		HandlerTimeout:    a.cfg.Sync.HandlerTimeout,
		Retention:         a.cfg.Sync.Retention,
		HistoryKeep:       a.cfg.Sync.HistoryKeep,
	})
	return nil
}

func (a *app) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: a.cfg.Retry.MaxAttempts,
		BaseDelay:   a.cfg.Retry.BaseDelay,
		Multiplier:  a.cfg.Retry.Multiplier,
		MaxDelay:    a.cfg.Retry.MaxDelay,
		Jitter:      a.cfg.Retry.Jitter,
	}
}

// probe takes one network measurement so admission sees a real state.
func (a *app) probe(ctx context.Context) netmon.State {
	if a.prober == nil {
		return a.monitor.Current()
	}
	return a.prober.ProbeOnce(ctx)
}

// locator returns the configured location source, or nil.
func (a *app) locator() (*device.Replay, error) {
	if a.cfg.Device.ReplayFile == "" {
		return nil, nil
	}
	return device.LoadReplay(a.cfg.Device.ReplayFile)
}

func (a *app) power() sampler.PowerSource {
	dir := a.cfg.Device.PowerSupply
	if dir == "" {
		found, err := device.FindBattery(device.DefaultPowerSupplyRoot)
		if err != nil {
			slog.Debug("no battery, assuming mains power", "err", err)
			return device.MainsPower{}
		}
		dir = found
	}
	return device.SysfsPower{Dir: dir}
}

func (a *app) permission(name, configured string) *device.Permission {
	return device.NewPermission(name, models.PermissionStatus(configured), device.TerminalPrompter())
}

// capturer builds the record producers. The orchestrator is used for the
// immediate report push when sync is available.
func (a *app) capturer() (*capture.Capturer, error) {
	deps := capture.Deps{
		Store:  a.db,
		Blobs:  a.blobs,
		Camera: a.permission("camera", a.cfg.Device.CameraPermission),
	}
	loc, err := a.locator()
	if err != nil {
		return nil, err
	}
	if loc != nil {
		deps.Locator = loc
	}
	if a.orch != nil {
		deps.Syncer = a.orch
	}
	return capture.New(deps, capture.Config{MaxDistanceM: a.cfg.Checkpoint.MaxDistanceM}), nil
}

// openCaptureApp opens the stores and, when enrolled, the sync stack so a
// captured report can be pushed right away.
func openCaptureApp(ctx context.Context) (*app, *capture.Capturer, error) {
	a, err := openApp(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := a.withSync(); err != nil && !errors.Is(err, syncconfig.ErrNoCredentials) {
		a.Close()
		return nil, nil, err
	}
	if a.orch != nil {
		a.probe(ctx)
	}
	c, err := a.capturer()
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, c, nil
}
