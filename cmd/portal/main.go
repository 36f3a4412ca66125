// Command portal runs the portal API server and its maintenance tasks.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("PORTAL_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand(logger).ExecuteContext(ctx); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func newRootCommand(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "portal",
		Short:         "Portal API server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var databaseURL string
	root.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Postgres URL (overrides DATABASE_URL)")

	root.AddCommand(
		newServeCommand(logger, &databaseURL),
		newMigrateCommand(logger, &databaseURL),
		newRetentionCommand(logger, &databaseURL),
		newGenkeyCommand(),
	)
	return root
}

// logLevel maps PORTAL_LOG_LEVEL to a slog level, defaulting to info.
func logLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
