package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agrogringo/recsync/internal/config"
	"github.com/agrogringo/recsync/internal/export"
	"github.com/agrogringo/recsync/internal/migrate"
	"github.com/agrogringo/recsync/internal/record"
	"github.com/agrogringo/recsync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "data",
	Short:   "Export recommendation sheets to Excel or JSONL",
	Long: `Export the user's recommendation sheets.

The format follows the output extension: .xlsx writes one spreadsheet row per
sheet, .jsonl writes one JSON record per line for 'recsync import'. Without
--out an Excel file named after today's date is written.

Examples:
  recsync export --estado Finalizado --from 2025-01-01
  recsync export --out backup.jsonl`,
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now()
		filter, err := filterFromFlags(cmd, now)
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = export.FileName(export.DefaultPrefix, now)
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			filter.UserID = a.cfg.UserID

			if strings.EqualFold(filepath.Ext(out), ".jsonl") {
				n, err := migrate.Export(ctx, a.store, filter, out)
				if err != nil {
					return err
				}
				fmt.Printf("%s Exported %d recommendation(s) to %s\n", ui.RenderPass("✓"), n, out)
				return nil
			}

			recs, err := a.records(ctx, false).List(ctx, filter)
			if err != nil {
				return err
			}
			if err := writeXLSX(out, recs); err != nil {
				return err
			}
			fmt.Printf("%s Exported %d recommendation(s) to %s\n", ui.RenderPass("✓"), len(recs), out)
			return nil
		})
	},
}

func writeXLSX(path string, recs []*record.Recommendation) error {
	if len(recs) == 0 {
		return export.ErrNoRecords
	}
	// #nosec G304 - controlled path from CLI
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := export.WriteXLSX(file, recs); err != nil {
		file.Close()
		_ = os.Remove(path)
		return err
	}
	return file.Close()
}

var importCmd = &cobra.Command{
	Use:     "import <file.jsonl>",
	GroupID: "data",
	Short:   "Import recommendation sheets from JSONL",
	Long: `Import recommendation sheets from a JSON Lines file.

Records already present locally are skipped. Imported records are pushed by
the next sync unless --synced marks them as already present remotely.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		synced, _ := cmd.Flags().GetBool("synced")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := migrate.Import(ctx, a.store, migrate.ImportOptions{
				FromJSONL: args[0],
				UserID:    a.cfg.UserID,
				Synced:    synced,
				DryRun:    dryRun,
			})
			if err != nil {
				return err
			}

			verb := "Imported"
			if dryRun {
				verb = "Would import"
			}
			fmt.Printf("%s %s %d of %d recommendation(s)\n", ui.RenderPass("✓"), verb, res.Imported, res.Read)
			if res.Skipped > 0 {
				fmt.Printf("   Skipped: %d\n", res.Skipped)
			}
			for _, e := range res.Errors {
				fmt.Printf("   %s %s\n", ui.RenderFail("✗"), e)
			}
			if len(res.Errors) > 0 {
				return fmt.Errorf("%d record(s) failed to import", len(res.Errors))
			}
			return nil
		})
	},
}

var clientsCmd = &cobra.Command{
	Use:     "clients",
	GroupID: "data",
	Short:   "Look up saved farmer profiles",
}

var clientsSearchCmd = &cobra.Command{
	Use:   "search <dni or name>",
	Short: "Search farmer profiles by DNI prefix or name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			profiles, err := a.records(ctx, false).SearchClients(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if len(profiles) == 0 {
				fmt.Println(ui.RenderMuted("No clients found"))
				return nil
			}

			rows := make([][]string, 0, len(profiles))
			for _, p := range profiles {
				rows = append(rows, []string{
					p.DNI,
					p.Nombre,
					p.Celular,
					strings.Join(nonEmpty(p.Distrito, p.Provincia, p.Departamento), ", "),
				})
			}
			fmt.Println(ui.Table([]string{"DNI", "Nombre", "Celular", "Ubicación"}, rows))
			return nil
		})
	},
}

func nonEmpty(parts ...string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

var clientsRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild farmer profiles from stored sheets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			n, err := a.store.RebuildClientProfiles(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s Rebuilt %d client profile(s)\n", ui.RenderPass("✓"), n)
			return nil
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write recsync.toml with every setting at its default.

Any setting can also be given as an environment variable: user_id as
RECSYNC_USER_ID, remote.url as RECSYNC_REMOTE_URL, and so on.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if err := config.WriteDefault(configPath, force); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), configPath)
		return nil
	},
}

func init() {
	addFilterFlags(exportCmd)
	exportCmd.Flags().StringP("out", "o", "", "Output file (.xlsx or .jsonl)")

	importCmd.Flags().Bool("synced", false, "Mark imported records as already synced")
	importCmd.Flags().Bool("dry-run", false, "Report what would be imported")

	clientsSearchCmd.Flags().IntP("limit", "n", 10, "Maximum results")
	clientsCmd.AddCommand(clientsSearchCmd)
	clientsCmd.AddCommand(clientsRebuildCmd)

	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(clientsCmd)
	rootCmd.AddCommand(configCmd)
}
