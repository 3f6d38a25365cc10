package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"corvus_analytics/pkg/app"
	"corvus_analytics/pkg/core/config"
	"corvus_analytics/pkg/core/logger"

	"github.com/spf13/cobra"
)

// opener builds the services a command runs against.
type opener func(ctx context.Context) (*app.App, error)

func main() {
	if err := newRootCmd(nil).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(open opener) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "corvusctl",
		Short:         "Administer concepts, the canonical hierarchy, mappings and stored filings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/corvus.yaml", "path to the YAML config file")

	if open == nil {
		open = func(ctx context.Context) (*app.App, error) {
			cfg, err := config.Load(configPath)
			if err != nil {
				return nil, err
			}
			if cfg.DatabaseURL == "" {
				return nil, errors.New("DATABASE_URL is required: corvusctl changes persistent data")
			}
			return app.New(ctx, cfg, logger.InitLogger(cfg.LogLevel))
		}
	}

	root.AddCommand(
		newMigrateCmd(&configPath),
		newImportConceptsCmd(open),
		newImportHierarchyCmd(open),
		newSetBasisCmd(open),
		newImportMappingsCmd(open),
		newExportMappingsCmd(open),
		newCoverageCmd(open),
		newReprocessCmd(open),
	)
	return root
}

// withApp opens the services, runs fn and closes them again.
func withApp(cmd *cobra.Command, open opener, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
