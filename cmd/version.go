package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var buildVersion = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("wasmdock", buildVersion)
	},
}

func setVersion(version, commit, date string) {
	if version == "" {
		return
	}
	buildVersion = version
	if commit != "" {
		buildVersion += " (" + commit
		if date != "" {
			buildVersion += ", " + date
		}
		buildVersion += ")"
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
