package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agrogringo/recsync/internal/record"
	"github.com/agrogringo/recsync/internal/recommendations"
	"github.com/agrogringo/recsync/internal/store"
	"github.com/agrogringo/recsync/internal/ui"
)

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDate accepts 2006-01-02, 02/01/2006 or a phrase such as
// "last monday" or "3 days ago".
func parseDate(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{"2006-01-02", "02/01/2006"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	r, err := dateParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return r.Time, nil
}

// filterFromFlags builds a store filter from the shared list/export flags.
func filterFromFlags(cmd *cobra.Command, now time.Time) (store.Filter, error) {
	var f store.Filter

	estado, _ := cmd.Flags().GetString("estado")
	if estado != "" {
		f.Estado = record.Estado(estado)
		if !f.Estado.Valid() {
			return f, fmt.Errorf("invalid estado %q (want %q, %q or %q)", estado,
				record.EstadoPendiente, record.EstadoEnTratamiento, record.EstadoFinalizado)
		}
	}

	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	var err error
	if f.From, err = parseDate(from, now); err != nil {
		return f, err
	}
	if f.To, err = parseDate(to, now); err != nil {
		return f, err
	}
	if !f.To.IsZero() {
		// Include the whole end day.
		y, m, d := f.To.Date()
		f.To = time.Date(y, m, d, 23, 59, 59, 0, f.To.Location())
	}

	f.Text, _ = cmd.Flags().GetString("search")
	f.Limit, _ = cmd.Flags().GetInt("limit")

	if pending, _ := cmd.Flags().GetBool("unsynced"); pending {
		f.SyncStatuses = []record.SyncStatus{record.StatusPending, record.StatusModified}
	}
	return f, nil
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().String("estado", "", "Filter by estado (Pendiente, En tratamiento, Finalizado)")
	cmd.Flags().String("from", "", "Earliest fecha (2006-01-02, 02/01/2006 or e.g. \"last monday\")")
	cmd.Flags().String("to", "", "Latest fecha, inclusive")
	cmd.Flags().StringP("search", "s", "", "Match farmer name or DNI")
	cmd.Flags().Bool("unsynced", false, "Only records waiting for sync")
}

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "records",
	Short:   "List recommendation sheets",
	Long: `List the user's recommendation sheets, newest first.

Examples:
  recsync list --estado "En tratamiento"
  recsync list --from "last month" --search 4567
  recsync list --unsynced`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := filterFromFlags(cmd, time.Now())
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			recs, err := a.records(ctx, false).List(ctx, filter)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println(ui.RenderMuted("No recommendations found"))
				return nil
			}

			rows := make([][]string, 0, len(recs))
			for _, r := range recs {
				rows = append(rows, []string{
					r.NoHoja,
					r.Fecha.Local().Format("02/01/2006"),
					r.DatosAgricultor.Nombre,
					r.Cultivo,
					string(r.Estado),
					ui.RenderStatus(r.SyncStatus),
					r.ID,
				})
			}
			fmt.Println(ui.Table([]string{"No", "Fecha", "Agricultor", "Cultivo", "Estado", "Sync", "ID"}, rows))
			fmt.Printf("%d recommendation(s)\n", len(recs))
			return nil
		})
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "records",
	Short:   "Show a recommendation sheet as YAML",
	Long: `Print one recommendation sheet as YAML.

Records missing locally are fetched from the remote store when one is
configured, and cached.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			rec, err := a.records(ctx, true).Get(ctx, args[0])
			if err != nil {
				return err
			}
			out, err := toYAML(rec)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		})
	},
}

// toYAML renders rec with the same field names and order as its JSON form.
func toYAML(rec *record.Recommendation) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	blockStyle(&node)
	return yaml.Marshal(&node)
}

func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

// stageFile stores a local image as a pending blob.
func stageFile(ctx context.Context, svc *recommendations.Service, path string) (record.Asset, error) {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(path)
	if err != nil {
		return record.Asset{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return svc.StageBlob(ctx, http.DetectContentType(data), data)
}

var createCmd = &cobra.Command{
	Use:     "create",
	GroupID: "records",
	Short:   "Create a recommendation sheet from JSON",
	Long: `Create a recommendation sheet from a JSON file.

The ID, owner and sync status are assigned locally; a missing sheet number
gets the next one in sequence. Images are stored locally and uploaded by the
next sync.

Example:
  recsync create --file sheet.json --photo-before campo.jpg --image plaga.jpg`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return errors.New("--file is required")
		}
		rec, err := record.ReadFile(file)
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			svc := a.records(ctx, false)

			for flag, slot := range map[string]string{
				"image":            record.SlotImagen,
				"photo-before":     record.SlotFotoAntes,
				"firma-agricultor": record.SlotFirmaAgricultor,
				"firma-tecnico":    record.SlotFirmaTecnico,
			} {
				path, _ := cmd.Flags().GetString(flag)
				if path == "" {
					continue
				}
				asset, err := stageFile(ctx, svc, path)
				if err != nil {
					return err
				}
				field, _ := rec.Slot(slot)
				*field = asset
			}

			created, err := svc.Create(ctx, rec)
			if err != nil {
				return err
			}
			fmt.Printf("%s Created sheet %s (%s)\n", ui.RenderPass("✓"), created.NoHoja, created.ID)
			fmt.Printf("   %s until the next sync\n", ui.RenderStatus(created.SyncStatus))
			return nil
		})
	},
}

var followupCmd = &cobra.Command{
	Use:     "followup <id>",
	GroupID: "records",
	Short:   "Record a follow-up visit",
	Long: `Record a follow-up visit: the new estado, notes and an after-photo.

The treatment phase is kept only for "En tratamiento".

Example:
  recsync followup 3f2a... --estado "En tratamiento" --fase "Segunda aplicación" \
    --notes "Menos daño en hojas" --photo-after despues.jpg`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		estado, _ := cmd.Flags().GetString("estado")
		fase, _ := cmd.Flags().GetString("fase")
		notes, _ := cmd.Flags().GetString("notes")
		photo, _ := cmd.Flags().GetString("photo-after")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			svc := a.records(ctx, false)
			f := recommendations.FollowUp{
				Estado:          record.Estado(estado),
				FaseTratamiento: fase,
				Observaciones:   notes,
			}
			if photo != "" {
				asset, err := stageFile(ctx, svc, photo)
				if err != nil {
					return err
				}
				f.FotoDespues = &asset
			}

			rec, err := svc.FollowUp(ctx, args[0], f)
			if err != nil {
				return err
			}
			fmt.Printf("%s Follow-up saved for sheet %s: %s\n", ui.RenderPass("✓"), rec.NoHoja, rec.Estado)
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	GroupID: "records",
	Short:   "Delete a recommendation sheet",
	Long: `Mark a recommendation sheet for deletion.

It disappears locally at once; the next sync removes the remote document and
its images.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			svc := a.records(ctx, false)
			rec, err := svc.Get(ctx, args[0])
			if err != nil {
				return err
			}

			if !yes {
				confirmed := false
				err := huh.NewConfirm().
					Title(fmt.Sprintf("Delete sheet %s for %s?", rec.NoHoja, rec.DatosAgricultor.Nombre)).
					Description("The remote copy and its images are removed on the next sync.").
					Affirmative("Delete").
					Negative("Cancel").
					Value(&confirmed).
					Run()
				if err != nil {
					return err
				}
				if !confirmed {
					fmt.Println("Cancelled")
					return nil
				}
			}

			if err := svc.MarkDeleted(ctx, rec.ID); err != nil {
				return err
			}
			fmt.Printf("%s Sheet %s marked for deletion\n", ui.RenderPass("✓"), rec.NoHoja)
			return nil
		})
	},
}

func init() {
	addFilterFlags(listCmd)
	listCmd.Flags().IntP("limit", "n", 50, "Maximum results (0 = all)")

	createCmd.Flags().StringP("file", "f", "", "JSON file with the sheet")
	createCmd.Flags().String("image", "", "Pest or crop image")
	createCmd.Flags().String("photo-before", "", "Follow-up photo before treatment")
	createCmd.Flags().String("firma-agricultor", "", "Farmer signature image")
	createCmd.Flags().String("firma-tecnico", "", "Technician signature image")

	followupCmd.Flags().String("estado", string(record.EstadoEnTratamiento), "New estado")
	followupCmd.Flags().String("fase", "", "Treatment phase (En tratamiento only)")
	followupCmd.Flags().String("notes", "", "Observations")
	followupCmd.Flags().String("photo-after", "", "Follow-up photo after treatment")

	deleteCmd.Flags().BoolP("yes", "y", false, "Skip confirmation")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(followupCmd)
	rootCmd.AddCommand(deleteCmd)
}
