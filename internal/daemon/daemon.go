package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agrogringo/recsync/internal/remote"
	"github.com/agrogringo/recsync/internal/sync"
)

// Syncer is the part of sync.Manager the daemon drives.
type Syncer interface {
	RunSync(ctx context.Context) (*sync.Result, error)
	DrainAssetDeletions(ctx context.Context) (*sync.Result, error)
	Follow(ctx context.Context, userID string, sub sync.Subscriber, onError func(error)) remote.Subscription
}

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often a pass runs without any other trigger
	SyncInterval time.Duration

	// DebounceInterval is how long local writes must settle before a pass
	// This batches rapid updates together
	DebounceInterval time.Duration

	// ResubscribeDelay is the wait before reopening a failed live listener
	ResubscribeDelay time.Duration

	// Logger for daemon activity (nil = no-op)
	Logger *zap.SugaredLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     30 * time.Second,
		DebounceInterval: 500 * time.Millisecond,
		ResubscribeDelay: 5 * time.Second,
	}
}

// Daemon orchestrates change watching, periodic passes and live updates.
type Daemon struct {
	mgr    Syncer
	sub    sync.Subscriber
	userID string
	dbPath string
	config *Config
	logger *zap.SugaredLogger

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu gosync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       gosync.WaitGroup
	stopOnce gosync.Once
}

// New creates a new Daemon instance.
//
// The daemon requires:
//   - mgr: the sync manager passes are run on
//   - dbPath: path of the local database file; its directory is watched
//   - userID: owner whose remote documents are followed
//   - sub: live-update source (nil disables live updates)
//
// Use Start() to begin watching and syncing.
func New(mgr Syncer, dbPath, userID string, sub sync.Subscriber) (*Daemon, error) {
	return NewWithConfig(mgr, dbPath, userID, sub, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(mgr Syncer, dbPath, userID string, sub sync.Subscriber, config *Config) (*Daemon, error) {
	if mgr == nil {
		return nil, fmt.Errorf("sync manager cannot be nil")
	}
	if dbPath == "" {
		return nil, fmt.Errorf("dbPath cannot be empty")
	}
	if sub != nil && userID == "" {
		return nil, fmt.Errorf("userID is required for live updates")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.ResubscribeDelay <= 0 {
		config.ResubscribeDelay = defaults.ResubscribeDelay
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		mgr:         mgr,
		sub:         sub,
		userID:      userID,
		dbPath:      filepath.Clean(dbPath),
		config:      config,
		logger:      logger.With("component", "daemon"),
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Run an initial sync pass
// 2. Start watching the local database for writes
// 3. Run a pass periodically and after debounced writes
// 4. Follow remote documents when a Subscriber is configured
//
// This blocks until ctx is cancelled or Stop is called. When startup fails
// the daemon is stopped before Start returns.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Infow("starting daemon", "db", d.dbPath, "interval", d.config.SyncInterval)

	if _, err := d.mgr.RunSync(ctx); err != nil {
		d.Stop()
		return fmt.Errorf("initial sync failed: %w", err)
	}

	dir := filepath.Dir(d.dbPath)
	if err := d.watcher.Add(dir); err != nil {
		d.Stop()
		return fmt.Errorf("failed to watch database directory: %w", err)
	}
	d.logger.Debugw("watching", "dir", dir)

	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.periodicSync()
	if d.sub != nil {
		d.wg.Add(1)
		go d.followRemote()
	}

	select {
	case <-ctx.Done():
		d.logger.Infow("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.logger.Infow("stopping daemon")
		d.cancel()

		if err := d.watcher.Close(); err != nil {
			d.logger.Warnw("error closing watcher", "error", err)
		}

		d.wg.Wait()
		d.logger.Infow("daemon stopped")
	})
	return nil
}

// Trigger requests a pass after the debounce interval, for example when
// connectivity returns.
func (d *Daemon) Trigger() {
	d.queueChange("trigger")
}

// isDatabaseFile reports whether path is the database or one of its
// journal files (-wal, -shm, -journal).
func (d *Daemon) isDatabaseFile(path string) bool {
	base := filepath.Base(d.dbPath)
	name := filepath.Base(path)
	return name == base || strings.HasPrefix(name, base+"-")
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !d.isDatabaseFile(event.Name) {
				continue
			}

			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warnw("watcher error", "error", err)
		}
	}
}

// queueChange records a change for the debounced pass.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue runs a pass once queued changes have settled.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if d.takeSettledChanges() {
				d.runPass("change")
			}
		}
	}
}

// takeSettledChanges empties the queue when every entry is older than the
// debounce interval.
func (d *Daemon) takeSettledChanges() bool {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	if len(d.changeQueue) == 0 {
		return false
	}
	now := time.Now()
	for _, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			return false
		}
	}
	clear(d.changeQueue)
	return true
}

// periodicSync runs a pass and drains the asset deletion queue on a ticker.
func (d *Daemon) periodicSync() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.runPass("interval")
			if _, err := d.mgr.DrainAssetDeletions(d.ctx); err != nil {
				d.logger.Warnw("asset deletion drain failed", "error", err)
			}
		}
	}
}

func (d *Daemon) runPass(trigger string) {
	res, err := d.mgr.RunSync(d.ctx)
	if err != nil {
		if d.ctx.Err() == nil {
			d.logger.Errorw("sync pass failed", "trigger", trigger, "error", err)
		}
		return
	}
	if res.Skipped() {
		d.logger.Debugw("sync pass skipped", "trigger", trigger, "reason", res.Skip)
	}
}

// followRemote keeps a live subscription open, reopening it after
// ResubscribeDelay whenever the listener fails.
func (d *Daemon) followRemote() {
	defer d.wg.Done()

	for {
		failed := make(chan error, 1)
		sub := d.mgr.Follow(d.ctx, d.userID, d.sub, func(err error) {
			failed <- err
		})
		d.logger.Infow("following remote documents", "user_id", d.userID)

		select {
		case <-d.ctx.Done():
			sub.Unsubscribe()
			return
		case err := <-failed:
			sub.Unsubscribe()
			d.logger.Warnw("live updates interrupted, resubscribing",
				"error", err, "delay", d.config.ResubscribeDelay)
		}

		select {
		case <-d.ctx.Done():
			return
		case <-time.After(d.config.ResubscribeDelay):
		}
	}
}
