package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/output"
)

var trackCmd = &cobra.Command{
	Use:     "track",
	Short:   "Record location samples in the foreground",
	Long:    `Runs adaptive location sampling until interrupted or --duration elapses. Samples are stored locally and uploaded by the next sync pass.`,
	GroupID: "capture",
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetDuration("duration")
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, duration)
			defer cancel()
		}

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.sampler()
		if err != nil {
			return err
		}
		if s == nil {
			err := errors.New("no location source configured (device.replay_file)")
			output.Error("%v", err)
			return err
		}

		locs := a.bus.Location.Subscribe(false)
		defer locs.Close()
		moves := a.bus.Movement.Subscribe(false)
		defer moves.Close()

		if err := s.Start(ctx); err != nil {
			output.Error("%v", err)
			return err
		}
		defer s.Stop()

		count := 0
		for {
			select {
			case <-ctx.Done():
				output.Success("recorded %d samples", count)
				return nil
			case <-s.Done():
				if err := s.Err(); err != nil {
					output.Error("tracking stopped: %v", err)
					return err
				}
				return nil
			case ev := <-locs.C():
				count++
				if !jsonOut {
					output.Info("%s  %.6f,%.6f ±%.0fm  %s",
						ev.Sample.Timestamp.Local().Format(time.TimeOnly), ev.Sample.Latitude, ev.Sample.Longitude,
						ev.Sample.Accuracy, ev.Sample.Movement)
				} else {
					output.JSON(ev)
				}
			case ev := <-moves.C():
				if !jsonOut {
					output.Info("movement: %s -> %s", ev.From, ev.To)
				}
			}
		}
	},
}

func init() {
	trackCmd.Flags().Duration("duration", 0, "stop after this long (default: until interrupted)")
	rootCmd.AddCommand(trackCmd)
}
