package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/config"
	"github.com/marcus/fieldsync/internal/serverdb"
)

var dbPath string

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage enrolled devices",
}

var deviceRegisterCmd = &cobra.Command{
	Use:   "register [name]",
	Short: "Register a device and print its key once",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openDB()
		if err != nil {
			return err
		}
		defer store.Close()

		var name string
		if len(args) == 1 {
			name = args[0]
		}
		id, _ := cmd.Flags().GetString("id")
		key, dev, err := store.RegisterDevice(id, name)
		if err != nil {
			return err
		}
		fmt.Printf("device_id:  %s\n", dev.ID)
		fmt.Printf("device_key: %s\n", key)
		fmt.Fprintln(os.Stderr, "store the key now; it cannot be shown again")
		return nil
	},
}

var deviceRevokeCmd = &cobra.Command{
	Use:   "revoke <device-id>",
	Short: "Revoke a device so its tokens and key stop working",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openDB()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.RevokeDevice(args[0]); err != nil {
			return err
		}
		fmt.Printf("revoked %s\n", args[0])
		return nil
	},
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openDB()
		if err != nil {
			return err
		}
		defer store.Close()

		devices, err := store.ListDevices()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tKEY\tLAST SEEN\tSTATUS")
		for _, d := range devices {
			lastSeen := "never"
			if d.LastSeenAt != nil {
				lastSeen = d.LastSeenAt.Format(time.RFC3339)
			}
			status := "active"
			if d.RevokedAt != nil {
				status = "revoked"
			}
			fmt.Fprintf(w, "%s\t%s\t%s…\t%s\t%s\n", d.ID, d.Name, d.KeyPrefix, lastSeen, status)
		}
		return w.Flush()
	},
}

// openDB resolves the database path from --db, then FIELDSYNC_SERVER_DB_PATH,
// then the default. Admin commands do not need a token secret.
func openDB() (*serverdb.ServerDB, error) {
	path := dbPath
	if path == "" {
		path = os.Getenv("FIELDSYNC_SERVER_DB_PATH")
	}
	if path == "" {
		path = config.DefaultServer().DBPath
	}
	store, err := serverdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

func init() {
	deviceCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to server.db")
	deviceRegisterCmd.Flags().String("id", "", "device id (generated when empty)")
	deviceCmd.AddCommand(deviceRegisterCmd, deviceRevokeCmd, deviceListCmd)
}
