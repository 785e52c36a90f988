package cmd

import (
	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/output"
)

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Print the effective configuration",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		if shown.Server.DeviceKey != "" {
			shown.Server.DeviceKey = "********"
		}
		return output.JSON(shown)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
