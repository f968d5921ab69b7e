package cmd

import (
	"fmt"
	"os"

	"github.com/meshroute/meshroute/lib/config"
	"github.com/meshroute/meshroute/lib/util/logger"
	"github.com/spf13/cobra"
)

// skipConfig marks commands that run without loading the config file.
const skipConfig = "skip-config"

var (
	cfgFile  string
	logLevel string

	// cfg is loaded in PersistentPreRunE.
	cfg config.ConfigDefaults

	log = logger.GetLogger()
)

var rootCmd = &cobra.Command{
	Use:   "meshroute",
	Short: "Multi-transport mesh messaging router",
	Long: `meshroute routes chat messages across several transports at once:
a local mesh, an MQTT relay and geohash location channels. Peers are
authenticated lazily with a Noise XX handshake and remembered by
fingerprint.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel != "" {
			if err := logger.SetLevel(logLevel); err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
		}
		if cmd.Annotations[skipConfig] != "" {
			cfg = config.Defaults()
			return nil
		}
		config.CfgFile = cfgFile
		if err := config.InitConfig(); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = config.CurrentConfig()
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// RootCmd returns the root cobra.Command for testing purposes.
func RootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.meshroute/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default from MESHROUTE_DEBUG)")
}
