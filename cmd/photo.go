package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/capture"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/output"
)

var photoCmd = &cobra.Command{
	Use:     "photo",
	Short:   "Photo evidence",
	GroupID: "capture",
}

var photoAddCmd = &cobra.Command{
	Use:   "add <file>",
	Short: "Add a photo from a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		caption, _ := cmd.Flags().GetString("caption")
		data, err := os.ReadFile(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}

		ctx := cmd.Context()
		a, c, err := openCaptureApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := c.AddPhoto(ctx, capture.PhotoInput{Data: data, Caption: caption})
		if errors.Is(err, models.ErrPermissionDenied) || errors.Is(err, models.ErrPermissionNotDetermined) {
			if jsonOut {
				output.JSONError(output.ErrCodePermissionDenied, err.Error())
			} else {
				output.Error("%v (set device.camera_permission or answer the prompt)", err)
			}
			return err
		}
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if jsonOut {
			return output.JSON(created(models.EntityPhoto, p.SyncMeta, p))
		}
		output.Success("photo #%d added (%s, %d bytes)", p.LocalID, p.ContentType, p.SizeBytes)
		return nil
	},
}

func init() {
	photoAddCmd.Flags().String("caption", "", "caption")
	photoCmd.AddCommand(photoAddCmd)
	rootCmd.AddCommand(photoCmd)
}
