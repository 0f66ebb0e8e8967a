// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/rdf-harvester/internal/config"
	"github.com/JakeFAU/rdf-harvester/internal/harvest"
	"github.com/JakeFAU/rdf-harvester/internal/logging"
	"github.com/JakeFAU/rdf-harvester/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the subcommands need from the application. Tests inject a fake.
type App interface {
	Serve(ctx context.Context) error
	Recover(ctx context.Context) (harvest.RecoveryReport, error)
	Reap(ctx context.Context) (harvest.ReapReport, error)
	Register(ctx context.Context, src harvest.Source) (int64, error)
	Push(ctx context.Context, url, content string) error
	Close()
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return server.Open(ctx, cfg, logger)
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvests remote RDF documents into a relational triple store.",
		Long: `harvester keeps a registry of RDF sources, re-harvests each one on its
schedule or on demand, and atomically replaces the stored triples of a
source with every committed harvest.`,
		SilenceUsage: true,

		// Builds the application once the flags are parsed and injects it.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); HARVESTER_* variables override it")

	cmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newRecoverCmd(),
		newReapCmd(),
		newRegisterCmd(),
		newPushCmd(),
	)
	return cmd
}

// resolveApp fetches the App injected by PersistentPreRunE.
func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
