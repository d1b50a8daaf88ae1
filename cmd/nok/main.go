package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/nok/internal/config"
)

// app carries what every subcommand needs once the root has loaded config.
type app struct {
	cfg    config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var logLevel string

	root := &cobra.Command{
		Use:           "nok",
		Short:         "Chat client for the legacy and target backends, with a one-way migration path",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = setupLogging(cfg.LogLevel, cmd.ErrOrStderr())
			if cfg.File != "" {
				a.logger.Debug("config file loaded", "path", cfg.File)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override NOK_LOG_LEVEL (debug, info, warn, error)")

	root.AddCommand(
		newMigrateCmd(a),
		newMappingCmd(a),
		newChatCmd(a),
		newServeCmd(a),
	)
	return root
}

// setupLogging installs a JSON slog handler on w, which is stderr for the
// CLI so stdout stays clean for tables and JSON.
func setupLogging(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
