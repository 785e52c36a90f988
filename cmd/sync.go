package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/orchestrator"
	"github.com/marcus/fieldsync/internal/output"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Run one sync pass over every entity type",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.withSync(); err != nil {
			output.Error("%v", err)
			return err
		}

		state := a.probe(ctx)
		if !jsonOut {
			output.Info("network: %s", output.FormatNetwork(state))
		}

		s, err := a.orch.SyncAll(ctx)
		return reportSession(s, err)
	},
}

var syncEntityCmd = &cobra.Command{
	Use:   "entity <entity-type> <local-id>",
	Short: "Sync a single record now",
	Example: `  fieldsync sync entity report 12
  fieldsync sync entity checkpoint 3`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		et, id, err := parseRecordRef(args[0], args[1])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		ctx := cmd.Context()
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.withSync(); err != nil {
			output.Error("%v", err)
			return err
		}
		a.probe(ctx)

		s, err := a.orch.SyncEntity(ctx, et, id)
		return reportSession(s, err)
	},
}

var historyCmd = &cobra.Command{
	Use:     "history",
	Short:   "Show recent sync passes",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.db.GetSyncHistoryTail(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if jsonOut {
			return output.JSON(entries)
		}
		if len(entries) == 0 {
			output.Info("no sync passes yet")
			return nil
		}
		for _, e := range entries {
			output.Info("%s  %-12s %s  synced %d  rejected %d  escalated %d  (%s)",
				e.StartedAt.Local().Format("2006-01-02 15:04:05"), e.Trigger, output.Badge(e.Status),
				e.Synced, e.Rejected, e.Escalated, e.FinishedAt.Sub(e.StartedAt).Round(time.Millisecond))
		}
		return nil
	},
}

func reportSession(s *orchestrator.Session, err error) error {
	if errors.Is(err, orchestrator.ErrAlreadyRunning) {
		if jsonOut {
			output.JSONError(output.ErrCodeAlreadyRunning, err.Error())
		} else {
			output.Warning("a sync pass is already running")
		}
		return err
	}
	if err != nil {
		output.Error("%v", err)
		return err
	}
	if jsonOut {
		return output.JSON(s)
	}
	fmt.Println(output.FormatSession(s))
	if s.Status == orchestrator.OverallFailed {
		return fmt.Errorf("sync %s", s.Status)
	}
	return nil
}

// parseRecordRef parses "<entity-type> <local-id>" arguments.
func parseRecordRef(entity, id string) (models.EntityType, int64, error) {
	et, ok := models.NormalizeEntityType(entity)
	if !ok {
		return "", 0, fmt.Errorf("unknown entity type %q", entity)
	}
	localID, err := strconv.ParseInt(id, 10, 64)
	if err != nil || localID <= 0 {
		return "", 0, fmt.Errorf("invalid local id %q", id)
	}
	return et, localID, nil
}

func init() {
	historyCmd.Flags().Int("limit", 20, "number of passes to show")
	syncCmd.AddCommand(syncEntityCmd)
	rootCmd.AddCommand(syncCmd, historyCmd)
}
