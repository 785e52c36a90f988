package cmd

import (
	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/orchestrator"
	"github.com/marcus/fieldsync/internal/output"
)

var purgeCmd = &cobra.Command{
	Use:     "purge",
	Short:   "Delete synced records older than the retention period",
	Long:    `Deletes records the remote has acknowledged once they are older than sync.retention. Pending and escalated records are never purged.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		// Purge needs no remote; build the orchestrator over the local stores only.
		o := orchestrator.New(orchestrator.Deps{Store: a.db, Blobs: a.blobs, Bus: a.bus},
			orchestrator.Config{Retention: cfg.Sync.Retention})
		counts, err := o.Purge(cmd.Context())
		if jsonOut {
			if jerr := output.JSON(counts); jerr != nil {
				return jerr
			}
			return err
		}
		total := 0
		for et, n := range counts {
			if n > 0 {
				output.Info("  %-24s %d", et, n)
			}
			total += n
		}
		if err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("purged %d records older than %s", total, cfg.Sync.Retention)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(purgeCmd)
}
