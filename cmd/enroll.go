package cmd

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/output"
	"github.com/marcus/fieldsync/internal/syncclient"
	"github.com/marcus/fieldsync/internal/syncconfig"
)

var enrollCmd = &cobra.Command{
	Use:     "enroll",
	Short:   "Store this device's server credentials",
	Long:    `Verifies the device id and key against the server and stores them in the data directory (0600, key sealed). Keys are issued with 'fieldsync-server device register'.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		deviceID, _ := cmd.Flags().GetString("device-id")
		deviceKey, _ := cmd.Flags().GetString("device-key")
		offline, _ := cmd.Flags().GetBool("offline")
		if server == "" {
			server = cfg.Server.URL
		}

		if !offline {
			client := syncclient.New(server, deviceID, deviceKey)
			_, exp, err := client.Authenticate(cmd.Context())
			if errors.Is(err, syncclient.ErrUnauthorized) {
				output.Error("server rejected the device credentials")
				return err
			}
			if err != nil {
				output.Error("cannot reach %s: %v (use --offline to store anyway)", server, err)
				return err
			}
			output.Info("token valid until %s", exp.Local().Format(time.RFC3339))
		}

		if err := syncconfig.Save(cfg.DataDir, &syncconfig.Credentials{
			ServerURL: server, DeviceID: deviceID, DeviceKey: deviceKey,
		}); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("enrolled %s with %s", deviceID, server)
		return nil
	},
}

var unenrollCmd = &cobra.Command{
	Use:     "unenroll",
	Short:   "Remove stored server credentials",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := syncconfig.Clear(cfg.DataDir); err != nil {
			return err
		}
		output.Success("credentials removed")
		return nil
	},
}

func init() {
	enrollCmd.Flags().String("server", "", "server URL (default server.url)")
	enrollCmd.Flags().String("device-id", "", "device id")
	enrollCmd.Flags().String("device-key", "", "device key")
	enrollCmd.Flags().Bool("offline", false, "store without contacting the server")
	enrollCmd.MarkFlagRequired("device-id")
	enrollCmd.MarkFlagRequired("device-key")
	rootCmd.AddCommand(enrollCmd, unenrollCmd)
}
