package cmd

import (
	"github.com/spf13/cobra"

	"github.com/wasmdock/wasmdock/internal/image"
	"github.com/wasmdock/wasmdock/pkg/logger"
)

var pullCmd = &cobra.Command{
	Use:   "pull IMAGE",
	Short: "Pull an image into the local cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := image.NewStore(cfg.ImageDir())
		if err != nil {
			return err
		}
		img, err := store.Pull(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		logger.Info("Successfully pulled image", "image", img.Ref())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pullCmd)
}
