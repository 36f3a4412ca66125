package main

import (
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/portal"
	"github.com/ashita-ai/portal/internal/secrets"
)

func baseOptions(logger *slog.Logger, databaseURL string) []portal.Option {
	opts := []portal.Option{portal.WithLogger(logger), portal.WithVersion(version)}
	if databaseURL != "" {
		opts = append(opts, portal.WithDatabaseURL(databaseURL))
	}
	return opts
}

func newServeCommand(logger *slog.Logger, databaseURL *string) *cobra.Command {
	var port int
	var noRetention bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the retention scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := baseOptions(logger, *databaseURL)
			if port != 0 {
				opts = append(opts, portal.WithPort(port))
			}
			if noRetention {
				opts = append(opts, portal.WithRetentionSchedule(""))
			}
			app, err := portal.New(opts...)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides PORTAL_PORT)")
	cmd.Flags().BoolVar(&noRetention, "no-retention", false, "do not schedule retention purges")
	return cmd
}

func newMigrateCommand(logger *slog.Logger, databaseURL *string) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			files, err := portal.Migrate(cmd.Context(), dryRun, baseOptions(logger, *databaseURL)...)
			if err != nil {
				return err
			}
			verb := "applied"
			if dryRun {
				verb = "pending"
			}
			if len(files) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no migrations %s\n", verb)
				return nil
			}
			for _, f := range files {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, f)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list pending migrations without applying them")
	return cmd
}

func newRetentionCommand(logger *slog.Logger, databaseURL *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Retention maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Purge expired data for every org once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runs, err := portal.RunRetention(cmd.Context(), baseOptions(logger, *databaseURL)...)
			for _, run := range runs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %v\n", run.OrgID, run.Deleted)
			}
			return err
		},
	})
	return cmd
}

func newGenkeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Print a new base64 PORTAL_SECRETS_KEY",
		Long: `Print a new 32-byte key for sealing integration credentials.

Keep the key stable: credentials sealed under one key cannot be opened with another.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := secrets.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
			return nil
		},
	}
}
