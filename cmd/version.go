package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X github.com/meshroute/meshroute/cmd.version=x.y.z"
var version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Show the meshroute version",
	Annotations: map[string]string{skipConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "meshroute version %s\n", version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
