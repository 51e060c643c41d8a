// Package cmd wires the wasmdock command-line interface.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wasmdock/wasmdock/internal/config"
	"github.com/wasmdock/wasmdock/pkg/logger"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "wasmdock",
	Short: "wasmdock - run container images inside a WebAssembly sandbox",
	Long: `wasmdock executes Docker-style container images under a WebAssembly
sandbox instead of spawning OS processes: image, env, volumes, ports and
lifecycle semantics behind a capability boundary rather than kernel
namespaces.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		log := logger.GetLogger()
		log.SetLogLevel(cfg.LogLevel)
		log.ConfigureFromEnv()
		return nil
	},
}

// Execute runs the CLI.
func Execute(version, commit, date string) error {
	setVersion(version, commit, date)
	if err := rootCmd.Execute(); err != nil {
		logger.Error("Command failed", "error", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./wasmdock.yml)")
}
