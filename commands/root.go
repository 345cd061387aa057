// Package commands implements the cai CLI using cobra.
package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tomasmach/cai/config"
	"github.com/tomasmach/cai/logstore"
)

// NewRootCmd builds the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cai",
		Short: "cai - Discord persona chat bot",
		Long: `cai is a Discord bot that chats in one channel as a configurable persona.

Examples:
  cai serve
  cai serve --config ./config.toml
  cai history show
  cai history rewind 2
  cai config check`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			setupLogger(cmd, nil)
		},
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newHistoryCmd(),
		newConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text or json")

	return rootCmd
}

// configPath resolves the config file: --config flag > CAI_CONFIG env > default.
func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Root().PersistentFlags().GetString("config"); p != "" {
		return p
	}
	return config.Resolve()
}

// setupLogger installs the default slog logger. When logs is non-nil every
// record is also persisted to the log store.
func setupLogger(cmd *cobra.Command, logs *logstore.Store) {
	level, _ := cmd.Root().PersistentFlags().GetString("log-level")
	format, _ := cmd.Root().PersistentFlags().GetString("log-format")

	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: l}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	if logs != nil {
		h = logstore.NewHandler(h, logs)
	}
	slog.SetDefault(slog.New(h))
}
