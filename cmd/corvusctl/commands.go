package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"corvus_analytics/pkg/app"
	"corvus_analytics/pkg/core/config"
	"corvus_analytics/pkg/core/hierarchy"
	"corvus_analytics/pkg/core/mapping"
	"corvus_analytics/pkg/core/store"
	"corvus_analytics/pkg/models"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := store.InitDB(cmd.Context(), cfg.DatabaseURL); err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context(), store.GetPool()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newImportConceptsCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "import-concepts FILE.json",
		Short: "Register the concepts of a taxonomy version from a JSON array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			var concepts []models.Concept
			if err := json.Unmarshal(data, &concepts); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				n, err := a.Registry.RegisterAll(ctx, concepts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "registered %d concepts (%d already present)\n", n, len(concepts)-n)
				return nil
			})
		},
	}
}

func newImportHierarchyCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "import-hierarchy FILE.csv",
		Short: "Import canonical lines (code,name,statement,parent_code,order)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			lines, err := hierarchy.ReadCSV(bytes.NewReader(data))
			if err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				if err := a.Hierarchy.Import(ctx, lines); err != nil {
					return rowErrors(cmd, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d lines\n", len(lines))
				return nil
			})
		},
	}
}

func newSetBasisCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "set-basis STATEMENT CODE",
		Short: "Designate the line vertical analysis divides by",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stmt := models.Statement(args[0])
			if !stmt.Valid() {
				return fmt.Errorf("unknown statement %q", args[0])
			}
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				if err := a.Hierarchy.SetTotalBasis(ctx, stmt, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s basis set to %s\n", stmt, args[1])
				return nil
			})
		},
	}
}

type importMappingsOptions struct {
	format string
	sheet  string
	actor  string
}

func newImportMappingsCmd(open opener) *cobra.Command {
	var opts importMappingsOptions

	cmd := &cobra.Command{
		Use:   "import-mappings FILE",
		Short: "Import concept mappings from CSV, JSON or an Excel workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			format := opts.format
			if format == "" {
				format = formatFromName(args[0])
			}

			var rows []mapping.ImportRow
			switch format {
			case "csv":
				rows, err = mapping.ReadCSV(bytes.NewReader(data))
			case "json":
				rows, err = mapping.ReadJSON(data)
			case "xlsx":
				rows, err = mapping.ReadXLSX(bytes.NewReader(data), opts.sheet)
			default:
				return fmt.Errorf("unsupported format %q", format)
			}
			if err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				res, err := a.Resolver.Import(ctx, rows, opts.actor)
				if err != nil {
					return rowErrors(cmd, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d, unchanged %d, skipped %d\n", res.Applied, res.Unchanged, res.Skipped)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.format, "format", "", "Input format: csv, json or xlsx (default: from the file extension)")
	cmd.Flags().StringVar(&opts.sheet, "sheet", "", "Worksheet to read (default: the first one)")
	cmd.Flags().StringVar(&opts.actor, "actor", "", "User recorded in the audit log (required)")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func newExportMappingsCmd(open opener) *cobra.Command {
	var version string

	cmd := &cobra.Command{
		Use:   "export-mappings",
		Short: "Write the active mappings as CSV to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				list, err := a.Resolver.Export(ctx, version)
				if err != nil {
					return err
				}
				return mapping.WriteCSV(cmd.OutOrStdout(), list)
			})
		},
	}
	cmd.Flags().StringVar(&version, "taxonomy-version", "", "Only this taxonomy version (default: all)")
	return cmd
}

func newCoverageCmd(open opener) *cobra.Command {
	var showUnmapped bool

	cmd := &cobra.Command{
		Use:   "coverage TAXONOMY_VERSION",
		Short: "Report how many registered concepts of a version are mapped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				c, err := a.Resolver.Coverage(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s: %d/%d mapped (%.1f%%)\n", c.TaxonomyVersion, c.Mapped, c.Total, c.Ratio*100)
				if showUnmapped {
					for _, q := range c.Unmapped {
						fmt.Fprintln(out, "  "+q)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&showUnmapped, "unmapped", false, "List the unmapped concepts")
	return cmd
}

type reprocessOptions struct {
	fileID  string
	version string
}

func newReprocessCmd(open opener) *cobra.Command {
	var opts reprocessOptions

	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Re-normalize archived filings with the current mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (opts.fileID == "") == (opts.version == "") {
				return errors.New("exactly one of --file or --taxonomy-version is required")
			}
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				out := cmd.OutOrStdout()
				if opts.fileID != "" {
					id, err := uuid.Parse(opts.fileID)
					if err != nil {
						return fmt.Errorf("invalid --file: %w", err)
					}
					s, err := a.Ingestor.Reprocess(ctx, id)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s: %d facts, %d unmapped\n", s.FileID, s.NormalizedCount, len(s.Unmapped))
					return nil
				}
				summaries, err := a.Ingestor.ReprocessVersion(ctx, opts.version)
				for _, s := range summaries {
					fmt.Fprintf(out, "%s: %d facts, %d unmapped\n", s.FileID, s.NormalizedCount, len(s.Unmapped))
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&opts.fileID, "file", "", "File id to reprocess")
	cmd.Flags().StringVar(&opts.version, "taxonomy-version", "", "Reprocess every file of this taxonomy version")
	return cmd
}

// readInput reads a named file, or stdin for "-".
func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(name)
}

func formatFromName(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".xlsx"):
		return "xlsx"
	case strings.HasSuffix(lower, ".json"):
		return "json"
	}
	return "csv"
}

// rowErrors prints per-row import failures before returning err.
func rowErrors(cmd *cobra.Command, err error) error {
	var (
		mapErr  *mapping.ImportError
		lineErr *hierarchy.ImportError
	)
	out := cmd.ErrOrStderr()
	switch {
	case errors.As(err, &mapErr):
		for _, r := range mapErr.Rows {
			fmt.Fprintf(out, "  line %d: %s\n", r.Line, r.Reason)
		}
	case errors.As(err, &lineErr):
		for _, r := range lineErr.Rows {
			fmt.Fprintf(out, "  row %d (%s): %v\n", r.Row, r.Code, r.Err)
		}
	}
	return err
}
