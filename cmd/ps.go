package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wasmdock/wasmdock/internal/network"
	"github.com/wasmdock/wasmdock/internal/runtime"
)

var psAll bool

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List containers",
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

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "CONTAINER ID\tIMAGE\tSTATUS")
		for _, rec := range rt.List(psAll) {
			fmt.Fprintf(w, "%s\t%s\t%s\n", rec.ID, rec.Image, rec.Status)
		}
		return w.Flush()
	},
}

func init() {
	psCmd.Flags().BoolVarP(&psAll, "all", "a", false, "include stopped containers")
	rootCmd.AddCommand(psCmd)
}
