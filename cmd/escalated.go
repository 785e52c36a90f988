package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/device"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/output"
)

var escalatedCmd = &cobra.Command{
	Use:     "escalated",
	Aliases: []string{"esc"},
	Short:   "Records the remote kept rejecting",
	Long: `Records rejected by the remote until they exhausted their attempt budget are
escalated: they stay on the device, are not retried automatically and need a
human decision.`,
	GroupID: "sync",
}

var escalatedListCmd = &cobra.Command{
	Use:   "list [entity-type]",
	Short: "List escalated records",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		types := models.SyncPriority
		if len(args) == 1 {
			et, ok := models.NormalizeEntityType(args[0])
			if !ok {
				err := fmt.Errorf("unknown entity type %q", args[0])
				output.Error("%v", err)
				return err
			}
			types = []models.EntityType{et}
		}

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		var all []models.Record
		for _, et := range types {
			recs, err := a.db.ListEscalated(cmd.Context(), et)
			if err != nil {
				return err
			}
			all = append(all, recs...)
		}
		if jsonOut {
			return output.JSON(all)
		}
		if len(all) == 0 {
			output.Info("no escalated records")
			return nil
		}
		for _, r := range all {
			output.Info("%s", output.FormatRecordLine(r))
		}
		return nil
	},
}

var escalatedRetryCmd = &cobra.Command{
	Use:   "retry <entity-type> <local-id>",
	Short: "Re-queue an escalated record with a fresh attempt budget",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		et, id, err := parseRecordRef(args[0], args[1])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.db.ResetAttempts(cmd.Context(), et, id); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("%s #%d re-queued", et, id)
		return nil
	},
}

var escalatedDiscardCmd = &cobra.Command{
	Use:   "discard <entity-type> <local-id>",
	Short: "Permanently delete a record from the device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		et, id, err := parseRecordRef(args[0], args[1])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		ctx := cmd.Context()

		if !force {
			prompt := device.TerminalPrompter()
			if prompt == nil {
				err := errors.New("refusing to discard without --force when not on a terminal")
				output.Error("%v", err)
				return err
			}
			ok, err := prompt.Confirm(ctx, fmt.Sprintf("Discard %s #%d?", et, id),
				"The record is deleted from this device and will never reach the server.")
			if err != nil {
				return err
			}
			if !ok {
				output.Info("kept %s #%d", et, id)
				return nil
			}
		}

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		token, err := a.db.Delete(ctx, et, id)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if et == models.EntityPhoto {
			if err := a.blobs.Delete(ctx, token); err != nil {
				output.Warning("photo content not removed: %v", err)
			}
		}
		output.Success("%s #%d discarded", et, id)
		return nil
	},
}

func init() {
	escalatedDiscardCmd.Flags().BoolP("force", "f", false, "do not ask for confirmation")
	escalatedCmd.AddCommand(escalatedListCmd, escalatedRetryCmd, escalatedDiscardCmd)
	rootCmd.AddCommand(escalatedCmd)
}
