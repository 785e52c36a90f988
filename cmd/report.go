package cmd

import (
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/output"
)

var reportCmd = &cobra.Command{
	Use:     "report",
	Short:   "Field reports",
	GroupID: "capture",
}

var reportSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a report and push it right away when online",
	Example: `  fieldsync report submit --title "Fence damage" --body "North side, 3 panels"
  echo "details" | fieldsync report submit --title "Leak" --body -`,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		body, _ := cmd.Flags().GetString("body")
		category, _ := cmd.Flags().GetString("category")
		urgent, _ := cmd.Flags().GetBool("urgent")
		if body == "-" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			body = strings.TrimSpace(string(data))
		}

		ctx := cmd.Context()
		a, c, err := openCaptureApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := c.SubmitReport(ctx, models.Report{Title: title, Body: body, Category: category, Urgent: urgent})
		if err != nil {
			output.Error("%v", err)
			return err
		}
		rec, err := a.db.GetRecord(ctx, models.EntityReport, r.LocalID)
		if err != nil {
			return err
		}
		if jsonOut {
			return output.JSON(rec)
		}
		if rec.Synced {
			output.Success("report #%d submitted and synced", r.LocalID)
		} else {
			output.Success("report #%d submitted; it will sync when the network allows", r.LocalID)
		}
		return nil
	},
}

func init() {
	reportSubmitCmd.Flags().String("title", "", "report title (required)")
	reportSubmitCmd.Flags().String("body", "", "report body, - to read stdin")
	reportSubmitCmd.Flags().String("category", "", "category")
	reportSubmitCmd.Flags().Bool("urgent", false, "mark as urgent")
	reportSubmitCmd.MarkFlagRequired("title")
	reportCmd.AddCommand(reportSubmitCmd)
	rootCmd.AddCommand(reportCmd)
}
