// Command recsync manages the local store of recommendation sheets and
// keeps it in sync with the remote document store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	_ "github.com/tursodatabase/go-libsql"
	"go.uber.org/zap"

	"github.com/agrogringo/recsync/internal/assets"
	"github.com/agrogringo/recsync/internal/config"
	"github.com/agrogringo/recsync/internal/connectivity"
	"github.com/agrogringo/recsync/internal/logging"
	"github.com/agrogringo/recsync/internal/recommendations"
	"github.com/agrogringo/recsync/internal/remote"
	"github.com/agrogringo/recsync/internal/store"
	"github.com/agrogringo/recsync/internal/sync"
)

var (
	configPath string
	userFlag   string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "recsync",
	Short: "Offline-first recommendation sheets",
	Long: `recsync keeps agronomic recommendation sheets in a local database and
reconciles them with the remote document store when the device is online.

Every write lands locally first and is pushed by 'recsync sync' or the
background 'recsync daemon'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFile, "Config file")
	rootCmd.PersistentFlags().StringVarP(&userFlag, "user", "u", "", "User ID (overrides user_id)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Recommendation sheets:"},
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "data", Title: "Data exchange:"},
	)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles what every command needs: settings, a logger and the open
// local store.
type app struct {
	cfg    *config.Config
	logger *zap.SugaredLogger
	store  *store.Store

	closers []func()
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if userFlag != "" {
		cfg.UserID = userFlag
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, closers: []func(){closeLog}}

	st, err := store.OpenContext(ctx, cfg.Local.Path)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	a.store = st
	a.onClose(func() {
		if err := st.Close(); err != nil {
			logger.Warnw("failed to close local store", "error", err)
		}
	})
	return a, nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// close runs cleanups in reverse order; the logger flushes last.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// openRemote connects to the remote document store. It returns nil without
// error when no remote is configured.
func (a *app) openRemote(ctx context.Context) (*remote.Store, error) {
	if a.cfg.Remote.URL == "" {
		return nil, nil
	}
	rs, err := remote.Open(ctx, a.cfg.Remote.Driver, a.cfg.Remote.URL, remote.Options{
		PollInterval: a.cfg.Remote.PollInterval,
		Logger:       a.logger,
	})
	if err != nil {
		return nil, err
	}
	a.onClose(func() {
		if err := rs.Close(); err != nil {
			a.logger.Warnw("failed to close remote store", "error", err)
		}
	})
	return rs, nil
}

func (a *app) openAssets(ctx context.Context) (*assets.GCS, error) {
	svc, err := assets.NewGCS(ctx, assets.GCSConfig{
		Bucket:          a.cfg.Assets.Bucket,
		PublicBaseURL:   a.cfg.Assets.PublicBaseURL,
		Folder:          a.cfg.Assets.Folder,
		CredentialsFile: a.cfg.Assets.CredentialsFile,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	a.onClose(func() {
		if err := svc.Close(); err != nil {
			a.logger.Warnw("failed to close asset service", "error", err)
		}
	})
	return svc, nil
}

var errNoRemote = errors.New("remote.url is not configured")

// syncManager wires the reconciliation engine to the configured remote
// collaborators. The remote store is returned for live updates.
func (a *app) syncManager(ctx context.Context, notifier sync.Notifier) (*sync.Manager, *remote.Store, error) {
	rs, err := a.openRemote(ctx)
	if err != nil {
		return nil, nil, err
	}
	if rs == nil {
		return nil, nil, errNoRemote
	}
	svc, err := a.openAssets(ctx)
	if err != nil {
		return nil, nil, err
	}

	probe := connectivity.NewProbe(a.cfg.Connectivity.ProbeAddr, a.cfg.Connectivity.Timeout, a.logger)
	mgr := sync.New(a.store, rs, svc, sync.Options{
		UserID:       a.cfg.UserID,
		Connectivity: probe,
		Notifier:     notifier,
		Logger:       a.logger,
	})
	return mgr, rs, nil
}

// records returns the record API. Get falls back to the remote
// store when one is configured and reachable.
func (a *app) records(ctx context.Context, withRemote bool) *recommendations.Service {
	opts := recommendations.Options{UserID: a.cfg.UserID, Logger: a.logger}
	if withRemote {
		rs, err := a.openRemote(ctx)
		switch {
		case err != nil:
			a.logger.Warnw("remote store unavailable, reading local only", "error", err)
		case rs != nil:
			opts.Remote = rs
		}
	}
	return recommendations.New(a.store, opts)
}

// withApp runs fn with an open app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}
