package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/wasmdock/wasmdock/internal/domain"
	"github.com/wasmdock/wasmdock/internal/image"
	"github.com/wasmdock/wasmdock/internal/network"
	"github.com/wasmdock/wasmdock/internal/runtime"
)

var runFlags struct {
	workdir string
	env     []string
	envFile string
	volumes []string
	ports   []string
	network string
}

var runCmd = &cobra.Command{
	Use:   "run IMAGE [COMMAND...]",
	Short: "Run a container from an image",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := image.NewStore(cfg.ImageDir())
		if err != nil {
			return err
		}
		img, err := store.GetOrPull(ctx, args[0])
		if err != nil {
			return err
		}

		var fileEnv map[string]string
		if runFlags.envFile != "" {
			fileEnv, err = godotenv.Read(runFlags.envFile)
			if err != nil {
				return fmt.Errorf("reading env file: %w", err)
			}
		}
		env := mergeEnv(fileEnv, runFlags.env)

		spec, err := domain.NewSpec(img.Info(), domain.Options{
			Command: args[1:],
			WorkDir: runFlags.workdir,
			Env:     env,
			Volumes: runFlags.volumes,
			Ports:   runFlags.ports,
			Network: runFlags.network,
		})
		if err != nil {
			return err
		}

		netmgr, err := network.NewManager(cfg.Network.BridgeSubnet)
		if err != nil {
			return err
		}
		for name, subnet := range cfg.Network.Networks {
			if err := netmgr.CreateNetwork(name, subnet); err != nil {
				return err
			}
		}

		rt, err := runtime.New(ctx, netmgr)
		if err != nil {
			return err
		}
		defer rt.Close(cmd.Context())

		wasmBinary, err := img.WasmBinary()
		if err != nil {
			return err
		}

		return rt.Run(ctx, spec, wasmBinary)
	},
}

// mergeEnv flattens env-file entries ahead of explicit --env flags, so an
// explicit flag wins when both set the same key.
func mergeEnv(fileEnv map[string]string, flags []string) []string {
	env := make([]string, 0, len(fileEnv)+len(flags))
	for key, value := range fileEnv {
		env = append(env, key+"="+value)
	}
	return append(env, flags...)
}

func init() {
	runCmd.Flags().StringVarP(&runFlags.workdir, "workdir", "w", "", "working directory inside the container")
	runCmd.Flags().StringArrayVarP(&runFlags.env, "env", "e", nil, "environment variables (KEY=VALUE)")
	runCmd.Flags().StringVar(&runFlags.envFile, "env-file", "", "read environment variables from a file")
	runCmd.Flags().StringArrayVarP(&runFlags.volumes, "volume", "v", nil, "volume mounts (host:container[:ro])")
	runCmd.Flags().StringArrayVarP(&runFlags.ports, "publish", "p", nil, "port mappings (host:container[/proto])")
	runCmd.Flags().StringVar(&runFlags.network, "network", "", "virtual network to join (default bridge)")
	rootCmd.AddCommand(runCmd)
}
