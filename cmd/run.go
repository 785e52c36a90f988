package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/orchestrator"
	"github.com/marcus/fieldsync/internal/sampler"
	"github.com/marcus/fieldsync/internal/statusfeed"
	"github.com/marcus/fieldsync/internal/supervisor"
	"github.com/marcus/fieldsync/internal/webhook"
)

var runCmd = &cobra.Command{
	Use:     "run",
	Short:   "Run the sync daemon (prober, scheduler, purge, tracking, status server)",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.withSync(); err != nil {
			return err
		}

		tree := supervisor.New(slog.Default(), supervisor.DefaultTreeConfig())

		tree.AddNetworkService(a.prober)
		tree.AddNetworkService(&orchestrator.ConnectivityTrigger{
			Orchestrator: a.orch,
			Monitor:      a.monitor,
			MinInterval:  cfg.Network.MinTriggerInterval,
		})

		if cfg.Sync.Interval > 0 {
			tree.AddSyncService(&orchestrator.Scheduler{Orchestrator: a.orch, Interval: cfg.Sync.Interval})
		}
		tree.AddSyncService(&orchestrator.Purger{Orchestrator: a.orch, Every: cfg.Sync.PurgeInterval})

		noTrack, _ := cmd.Flags().GetBool("no-track")
		if cfg.Sampler.Enabled && !noTrack {
			s, err := a.sampler()
			if err != nil {
				return err
			}
			if s != nil {
				tree.AddSyncService(s)
			}
		}

		if cfg.Status.Enabled {
			tree.AddAPIService(statusfeed.New(cfg.Status.Listen, statusfeed.Deps{
				Sync:     a.orch,
				Network:  a.monitor,
				Breakers: a.breakers,
				Counts:   a.db,
				Bus:      a.bus,
			}))
		}

		if cfg.Webhook.URL != "" {
			tree.AddAPIService(&webhook.Notifier{
				URL:          cfg.Webhook.URL,
				Secret:       cfg.Webhook.Secret,
				DeviceID:     a.client.DeviceID,
				OnlyProblems: cfg.Webhook.OnlyProblems,
				Policy:       a.retryPolicy(),
				Topic:        a.bus.SyncStatus,
			})
		}

		slog.Info("fieldsync running", "data_dir", cfg.DataDir, "server", a.client.BaseURL, "interval", cfg.Sync.Interval)
		err = tree.Serve(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
			slog.Warn("services did not stop in time", "count", len(report))
		}
		return err
	},
}

// sampler builds the location sampler, or nil when no location source is
// configured.
func (a *app) sampler() (*sampler.Sampler, error) {
	loc, err := a.locator()
	if err != nil {
		return nil, err
	}
	if loc == nil {
		slog.Warn("location tracking disabled: no location source configured (device.replay_file)")
		return nil, nil
	}
	return sampler.New(sampler.Deps{
		Provider:    loc,
		Permissions: a.permission("location", a.cfg.Device.LocationPermission),
		Power:       a.power(),
		Store:       a.db,
		Bus:         a.bus,
	}, sampler.Config{
		AcquireTimeout: a.cfg.Sampler.AcquireTimeout,
		ErrorCooldown:  a.cfg.Sampler.ErrorCooldown,
		MaxFatalErrors: a.cfg.Sampler.MaxFatalErrors,
	}), nil
}

func init() {
	runCmd.Flags().Bool("no-track", false, "do not run location tracking")
	rootCmd.AddCommand(runCmd)
}
