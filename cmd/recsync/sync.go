package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agrogringo/recsync/internal/daemon"
	"github.com/agrogringo/recsync/internal/dashboard"
	"github.com/agrogringo/recsync/internal/record"
	"github.com/agrogringo/recsync/internal/sync"
	"github.com/agrogringo/recsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one reconciliation pass",
	Long: `Push every pending, modified and deleted record to the remote store.

A pass:
  1. Uploads pending photos and signatures, recording each URL locally
  2. Writes the record document remotely and marks it synced
  3. Removes deleted records and their assets from both stores
  4. Retries queued asset deletions

Records that fail stay queued for the next pass. Nothing happens when the
device is offline or another pass is running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			mgr, _, err := a.syncManager(ctx, nil)
			if err != nil {
				return err
			}

			fmt.Printf("%s Syncing %s...\n", ui.RenderAccent("↻"), a.cfg.Local.Path)
			res, err := mgr.RunSync(ctx)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			printResult(res)
			return nil
		})
	},
}

func printResult(res *sync.Result) {
	if res.Skipped() {
		fmt.Printf("%s Sync skipped: %v\n", ui.RenderWarn("⚠"), res.Skip)
		return
	}

	mark := ui.RenderPass("✓")
	if res.Failed > 0 {
		mark = ui.RenderWarn("⚠")
	}
	fmt.Printf("%s Sync complete in %v\n", mark, res.Duration().Round(time.Millisecond))
	fmt.Printf("   Pushed: %d\n", res.Pushed)
	fmt.Printf("   Deleted: %d\n", res.Deleted)
	if res.Failed > 0 {
		fmt.Printf("   Failed: %s\n", ui.RenderFail(fmt.Sprint(res.Failed)))
	}
	if res.Superseded > 0 {
		fmt.Printf("   Edited during sync: %d\n", res.Superseded)
	}
	fmt.Printf("   Assets uploaded: %d, deleted: %d\n", res.AssetsUploaded, res.AssetsDeleted)
	if res.AssetDeleteFailures > 0 {
		fmt.Printf("   Asset deletions to retry: %d\n", res.AssetDeleteFailures)
	}
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local store status",
	Long: `Display the local store and how many records wait for the next sync.

Shows:
  - Store location and size
  - Records per sync status
  - Queued remote asset deletions
  - Last sheet number`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			info, err := os.Stat(a.store.Path())
			if err != nil {
				return fmt.Errorf("failed to stat store: %w", err)
			}
			counts, err := a.store.Counts(ctx, a.cfg.UserID)
			if err != nil {
				return err
			}
			queued, err := a.store.PendingAssetDeletions(ctx, 0)
			if err != nil {
				return err
			}
			last, err := a.store.LastSheetNumber(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("\n%s Local Store Status\n\n", ui.RenderAccent("▣"))
			fmt.Printf("Location: %s\n", a.store.Path())
			fmt.Printf("Size: %s\n", formatSize(info.Size()))
			if a.cfg.UserID != "" {
				fmt.Printf("User: %s\n", a.cfg.UserID)
			}
			fmt.Printf("Last sheet: %s\n\n", orDash(last))

			waiting := 0
			for _, s := range []record.SyncStatus{
				record.StatusSynced, record.StatusPending, record.StatusModified, record.StatusDeleted,
			} {
				fmt.Printf("  %s%s %d\n", ui.RenderStatus(s), strings.Repeat(" ", 9-len(s)), counts[s])
				if s != record.StatusSynced {
					waiting += counts[s]
				}
			}
			fmt.Println()

			if waiting == 0 {
				fmt.Printf("%s Everything is synced\n", ui.RenderPass("✓"))
			} else {
				fmt.Printf("%s %d record(s) waiting for sync\n", ui.RenderWarn("⚠"), waiting)
			}
			if len(queued) > 0 {
				fmt.Printf("%s %d remote asset deletion(s) queued\n", ui.RenderMuted("•"), len(queued))
			}
			fmt.Println()
			return nil
		})
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	}
	return fmt.Sprintf("%d bytes", size)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the sync daemon in the foreground until interrupted.

The daemon will:
  1. Run a sync pass at startup
  2. Run a pass shortly after every local database write
  3. Run a pass every sync.interval
  4. Follow remote changes for the user and merge them locally

With dashboard.port set, sync status is broadcast over WebSocket at
ws://localhost:<port>/ws.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if a.cfg.UserID == "" {
				return fmt.Errorf("user_id is required to follow remote changes")
			}

			var notifier sync.Notifier
			var server *dashboard.Server
			if port, _ := cmd.Flags().GetInt("port"); port > 0 {
				a.cfg.Dashboard.Port = port
			}
			if a.cfg.Dashboard.Port > 0 {
				server = dashboard.NewServer(&dashboard.Config{Port: a.cfg.Dashboard.Port, Logger: a.logger})
				if err := server.Start(); err != nil {
					return fmt.Errorf("failed to start dashboard: %w", err)
				}
				a.onClose(func() {
					if err := server.Stop(); err != nil {
						a.logger.Warnw("error stopping dashboard", "error", err)
					}
				})
				notifier = dashboard.NewNotifier(server, a.logger)
			}

			mgr, rs, err := a.syncManager(ctx, notifier)
			if err != nil {
				return err
			}

			d, err := daemon.NewWithConfig(mgr, a.store.Path(), a.cfg.UserID, rs, &daemon.Config{
				SyncInterval:     a.cfg.Sync.Interval,
				DebounceInterval: a.cfg.Sync.Debounce,
				ResubscribeDelay: a.cfg.Sync.ResubscribeDelay,
				Logger:           a.logger,
			})
			if err != nil {
				return fmt.Errorf("failed to create daemon: %w", err)
			}

			fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("▶"))
			fmt.Printf("   Store: %s\n", a.store.Path())
			fmt.Printf("   Remote: %s\n", a.cfg.Remote.URL)
			fmt.Printf("   User: %s\n", a.cfg.UserID)
			if server != nil {
				fmt.Printf("   Dashboard: ws://localhost:%d/ws\n", a.cfg.Dashboard.Port)
			}
			fmt.Printf("\nPress Ctrl+C to stop\n\n")

			if err := d.Start(ctx); err != nil {
				return fmt.Errorf("daemon stopped with error: %w", err)
			}
			fmt.Println("Daemon stopped")
			return nil
		})
	},
}

func init() {
	daemonCmd.Flags().IntP("port", "p", 0, "Dashboard port (overrides dashboard.port)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(daemonCmd)
}
