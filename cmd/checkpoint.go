package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/capture"
	"github.com/marcus/fieldsync/internal/db"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/output"
)

var checkpointCmd = &cobra.Command{
	Use:     "checkpoint",
	Aliases: []string{"cp"},
	Short:   "Manage and verify checkpoints",
	GroupID: "capture",
}

var checkpointAddCmd = &cobra.Command{
	Use:   "add <id> <name>",
	Short: "Define a checkpoint location",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		lat, _ := cmd.Flags().GetFloat64("lat")
		lon, _ := cmd.Flags().GetFloat64("lon")
		radius, _ := cmd.Flags().GetFloat64("radius")
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		cp := db.Checkpoint{ID: args[0], Name: args[1], Latitude: lat, Longitude: lon, RadiusM: radius}
		if err := a.db.UpsertCheckpoint(cmd.Context(), cp); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("checkpoint %s saved", cp.ID)
		return nil
	},
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		cps, err := a.db.ListCheckpoints(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return output.JSON(cps)
		}
		for _, cp := range cps {
			radius := cfg.Checkpoint.MaxDistanceM
			if cp.RadiusM > 0 {
				radius = cp.RadiusM
			}
			output.Info("%-12s %-24s %.6f,%.6f  r=%.0fm", cp.ID, cp.Name, cp.Latitude, cp.Longitude, radius)
		}
		return nil
	},
}

var checkpointVerifyCmd = &cobra.Command{
	Use:   "verify <checkpoint-id>",
	Short: "Record presence at a checkpoint",
	Long: `Records a checkpoint verification when the current position is within the
checkpoint radius. The position comes from --lat/--lon or the configured
location source.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var fix *models.Fix
		if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
			lat, _ := cmd.Flags().GetFloat64("lat")
			lon, _ := cmd.Flags().GetFloat64("lon")
			fix = &models.Fix{Latitude: lat, Longitude: lon}
		}

		a, c, err := openCaptureApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		cv, err := c.VerifyCheckpoint(ctx, args[0], fix)
		if errors.Is(err, capture.ErrTooFar) {
			if jsonOut {
				output.JSONError(output.ErrCodeTooFar, err.Error())
			} else {
				output.Warning("%v", err)
			}
			return err
		}
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if jsonOut {
			return output.JSON(created(models.EntityCheckpointVerification, cv.SyncMeta, cv))
		}
		output.Success("checkpoint %s verified (%.0fm) #%d", cv.CheckpointID, cv.DistanceM, cv.LocalID)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{checkpointAddCmd, checkpointVerifyCmd} {
		c.Flags().Float64("lat", 0, "latitude")
		c.Flags().Float64("lon", 0, "longitude")
	}
	checkpointAddCmd.Flags().Float64("radius", 0, "radius in meters (default checkpoint.max_distance_m)")
	checkpointCmd.AddCommand(checkpointAddCmd, checkpointListCmd, checkpointVerifyCmd)
	rootCmd.AddCommand(checkpointCmd)
}
