package cmd

import (
	"github.com/spf13/cobra"

	"github.com/wasmdock/wasmdock/internal/network"
	"github.com/wasmdock/wasmdock/internal/runtime"
	"github.com/wasmdock/wasmdock/pkg/logger"
)

var stopCmd = &cobra.Command{
	Use:   "stop CONTAINER",
	Short: "Stop a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		netmgr, err := network.NewManager(cfg.Network.BridgeSubnet)
		if err != nil {
			return err
		}
		rt, err := runtime.New(cmd.Context(), netmgr)
		if err != nil {
			return err
		}
		defer rt.Close(cmd.Context())

		if err := rt.Stop(cmd.Context(), args[0]); err != nil {
			return err
		}
		logger.Info("Container stopped", "id", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
