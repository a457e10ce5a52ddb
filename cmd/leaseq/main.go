package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/aridsondez/leaseq/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "leaseq",
	Short: "leaseq - lease-based message queue with dead-letter redrive",
	Long: `leaseq serves a durable queue whose consumers lease messages for a
visibility timeout. Messages that are not deleted before their lease expires
are redelivered; messages received more than the redrive threshold move to a
dead-letter queue.`,
	SilenceUsage: true,
}

var (
	configFile string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (trace, debug, info, warn, error); overrides LOG_LEVEL")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(dlqCmd)
}

// loadConfig reads the config file and environment, then applies global flags.
func loadConfig() (*config.Config, hclog.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		if hclog.LevelFromString(logLevel) == hclog.NoLevel {
			return nil, nil, fmt.Errorf("invalid --log-level: %q", logLevel)
		}
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.NewLogger(os.Stderr), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
