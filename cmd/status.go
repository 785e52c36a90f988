package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/db"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/netmon"
	"github.com/marcus/fieldsync/internal/output"
	"github.com/marcus/fieldsync/internal/syncconfig"
)

type statusReport struct {
	Enrolled bool                            `json:"enrolled"`
	DeviceID string                          `json:"device_id,omitempty"`
	Server   string                          `json:"server,omitempty"`
	Network  *netmon.State                   `json:"network,omitempty"`
	Records  map[models.EntityType]db.Counts `json:"records"`
	LastSync *db.SyncHistoryEntry            `json:"last_sync,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show enrollment, network and pending record counts",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		var rep statusReport
		switch err := a.withSync(); {
		case err == nil:
			rep.Enrolled = true
			rep.DeviceID = a.client.DeviceID
			rep.Server = a.client.BaseURL
			state := a.probe(ctx)
			rep.Network = &state
		case errors.Is(err, syncconfig.ErrNoCredentials):
		default:
			return err
		}

		if rep.Records, err = a.db.CountByState(ctx); err != nil {
			return err
		}
		tail, err := a.db.GetSyncHistoryTail(ctx, 1)
		if err != nil {
			return err
		}
		if len(tail) > 0 {
			rep.LastSync = &tail[0]
		}

		if jsonOut {
			return output.JSON(rep)
		}
		if rep.Enrolled {
			output.Info("device:   %s @ %s", rep.DeviceID, rep.Server)
			output.Info("network:  %s", output.FormatNetwork(*rep.Network))
		} else {
			output.Info("device:   %s", output.Badge("not_enrolled"))
		}
		if rep.LastSync != nil {
			output.Info("last sync: %s %s", output.FormatTimeAgo(rep.LastSync.FinishedAt), output.Badge(rep.LastSync.Status))
		} else {
			output.Info("last sync: never")
		}
		fmt.Print(output.SectionHeader("records"))
		for _, line := range output.FormatCounts(rep.Records) {
			output.Info("  %s", line)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
