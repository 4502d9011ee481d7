package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaharia-lab/flutterbridge/config"
	"github.com/shaharia-lab/flutterbridge/observability"
)

var (
	configPath string
	cfg        *config.Config
	logger     = observability.NewDefaultLogger()
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (json or yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "zerolog", "log format: zerolog, logrus, zap, slog, text")
	rootCmd.PersistentPreRunE = initConfig
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.WithErr(err).Error("command execution failed")
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flutterbridge",
	Short: "Bridge tool-calling clients to running Flutter applications",
	Long: `flutterbridge discovers Dart VM services of running Flutter applications
and exposes them as tools over a JSON-RPC 2.0 server on stdio or SSE.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func initConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return err
	}
	cfg = loaded

	l, err := initLog(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	logger = l
	return nil
}
