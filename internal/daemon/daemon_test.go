package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agrogringo/recsync/internal/remote"
	"github.com/agrogringo/recsync/internal/sync"
)

// fakeSyncer counts calls instead of talking to any store.
type fakeSyncer struct {
	runs       atomic.Int32
	drains     atomic.Int32
	subscribes atomic.Int32
	runErr     error

	// failFollow makes every subscription report an error right away
	failFollow bool
}

func (f *fakeSyncer) RunSync(context.Context) (*sync.Result, error) {
	f.runs.Add(1)
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &sync.Result{}, nil
}

func (f *fakeSyncer) DrainAssetDeletions(context.Context) (*sync.Result, error) {
	f.drains.Add(1)
	return &sync.Result{}, nil
}

func (f *fakeSyncer) Follow(_ context.Context, _ string, _ sync.Subscriber, onError func(error)) remote.Subscription {
	f.subscribes.Add(1)
	sub := &fakeSubscription{done: make(chan struct{})}
	if f.failFollow {
		go func() {
			onError(errors.New("listener broke"))
			sub.Unsubscribe()
		}()
	}
	return sub
}

type fakeSubscription struct {
	done chan struct{}
	once gosync.Once
}

func (s *fakeSubscription) Unsubscribe()          { s.once.Do(func() { close(s.done) }) }
func (s *fakeSubscription) Done() <-chan struct{} { return s.done }

// nopSubscriber satisfies sync.Subscriber; fakeSyncer.Follow never calls it.
type nopSubscriber struct{}

func (nopSubscriber) Subscribe(context.Context, string, func([]remote.Document), func(error)) remote.Subscription {
	return &fakeSubscription{done: make(chan struct{})}
}

// setupTestDB returns a database path inside a fresh directory.
func setupTestDB(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "recsync.db")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("Failed to create database file: %v", err)
	}
	return path
}

func testConfig() *Config {
	return &Config{
		SyncInterval:     time.Hour,
		DebounceInterval: 20 * time.Millisecond,
		ResubscribeDelay: 10 * time.Millisecond,
	}
}

// startDaemon runs d.Start in the background and stops it on cleanup.
func startDaemon(t *testing.T, d *Daemon) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Start() returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew(t *testing.T) {
	dbPath := setupTestDB(t)
	mgr := &fakeSyncer{}

	tests := []struct {
		name    string
		mgr     Syncer
		dbPath  string
		userID  string
		sub     sync.Subscriber
		wantErr bool
	}{
		{name: "valid configuration", mgr: mgr, dbPath: dbPath},
		{name: "with live updates", mgr: mgr, dbPath: dbPath, userID: "u1", sub: nopSubscriber{}},
		{name: "nil manager", mgr: nil, dbPath: dbPath, wantErr: true},
		{name: "empty db path", mgr: mgr, dbPath: "", wantErr: true},
		{name: "live updates without user", mgr: mgr, dbPath: dbPath, sub: nopSubscriber{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			daemon, err := New(tt.mgr, tt.dbPath, tt.userID, tt.sub)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if daemon != nil {
				defer daemon.Stop()
			}
		})
	}
}

func TestNewWithConfig_FillsDefaults(t *testing.T) {
	d, err := NewWithConfig(&fakeSyncer{}, setupTestDB(t), "", nil, &Config{})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	defer d.Stop()

	want := DefaultConfig()
	if d.config.SyncInterval != want.SyncInterval || d.config.DebounceInterval != want.DebounceInterval ||
		d.config.ResubscribeDelay != want.ResubscribeDelay {
		t.Errorf("config = %+v, want defaults", d.config)
	}
}

func TestDaemon_InitialPass(t *testing.T) {
	mgr := &fakeSyncer{}
	d, err := NewWithConfig(mgr, setupTestDB(t), "", nil, testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	startDaemon(t, d)

	waitFor(t, "initial pass", func() bool { return mgr.runs.Load() >= 1 })
}

func TestDaemon_InitialPassFailure(t *testing.T) {
	mgr := &fakeSyncer{runErr: errors.New("disk gone")}
	d, err := NewWithConfig(mgr, setupTestDB(t), "", nil, testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	defer d.Stop()

	if err := d.Start(context.Background()); err == nil {
		t.Fatal("Start() succeeded despite failing initial pass")
	}
	if d.ctx.Err() == nil {
		t.Error("daemon context still live after failed start")
	}
	if err := d.watcher.Add(filepath.Dir(d.dbPath)); err == nil {
		t.Error("watcher still open after failed start")
	}
}

func TestDaemon_WatchFailureStops(t *testing.T) {
	mgr := &fakeSyncer{}
	dbPath := setupTestDB(t)
	d, err := NewWithConfig(mgr, dbPath, "", nil, testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	defer d.Stop()

	if err := os.RemoveAll(filepath.Dir(dbPath)); err != nil {
		t.Fatalf("RemoveAll() failed: %v", err)
	}
	if err := d.Start(context.Background()); err == nil {
		t.Fatal("Start() succeeded without a database directory")
	}
	if d.ctx.Err() == nil {
		t.Error("daemon context still live after failed start")
	}
	if n := mgr.runs.Load(); n != 1 {
		t.Errorf("RunSync calls = %d, want 1", n)
	}
}

func TestDaemon_DatabaseWriteTriggersPass(t *testing.T) {
	dbPath := setupTestDB(t)
	mgr := &fakeSyncer{}
	d, err := NewWithConfig(mgr, dbPath, "", nil, testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	startDaemon(t, d)
	waitFor(t, "initial pass", func() bool { return mgr.runs.Load() >= 1 })

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(dbPath+"-wal", []byte("frame"), 0644); err != nil {
		t.Fatalf("Failed to write WAL file: %v", err)
	}

	waitFor(t, "debounced pass", func() bool { return mgr.runs.Load() >= 2 })
}

func TestDaemon_IgnoresUnrelatedFiles(t *testing.T) {
	dbPath := setupTestDB(t)
	mgr := &fakeSyncer{}
	d, err := NewWithConfig(mgr, dbPath, "", nil, testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	startDaemon(t, d)
	waitFor(t, "initial pass", func() bool { return mgr.runs.Load() >= 1 })

	time.Sleep(50 * time.Millisecond)
	other := filepath.Join(filepath.Dir(dbPath), "notes.txt")
	if err := os.WriteFile(other, []byte("hello"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := mgr.runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
}

func TestDaemon_Trigger(t *testing.T) {
	mgr := &fakeSyncer{}
	d, err := NewWithConfig(mgr, setupTestDB(t), "", nil, testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	startDaemon(t, d)
	waitFor(t, "initial pass", func() bool { return mgr.runs.Load() >= 1 })

	// Rapid triggers collapse into one pass.
	for i := 0; i < 5; i++ {
		d.Trigger()
	}
	waitFor(t, "triggered pass", func() bool { return mgr.runs.Load() >= 2 })

	time.Sleep(100 * time.Millisecond)
	if got := mgr.runs.Load(); got != 2 {
		t.Errorf("runs = %d, want 2", got)
	}
}

func TestDaemon_PeriodicPass(t *testing.T) {
	mgr := &fakeSyncer{}
	cfg := testConfig()
	cfg.SyncInterval = 20 * time.Millisecond
	d, err := NewWithConfig(mgr, setupTestDB(t), "", nil, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	startDaemon(t, d)

	waitFor(t, "periodic passes", func() bool { return mgr.runs.Load() >= 3 })
	waitFor(t, "asset deletion drain", func() bool { return mgr.drains.Load() >= 1 })
}

func TestDaemon_ResubscribesAfterListenerError(t *testing.T) {
	mgr := &fakeSyncer{failFollow: true}
	d, err := NewWithConfig(mgr, setupTestDB(t), "u1", nopSubscriber{}, testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	startDaemon(t, d)

	waitFor(t, "resubscription", func() bool { return mgr.subscribes.Load() >= 3 })
}

func TestDaemon_NoLiveUpdatesWithoutSubscriber(t *testing.T) {
	mgr := &fakeSyncer{}
	d, err := NewWithConfig(mgr, setupTestDB(t), "", nil, testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	startDaemon(t, d)
	waitFor(t, "initial pass", func() bool { return mgr.runs.Load() >= 1 })

	if got := mgr.subscribes.Load(); got != 0 {
		t.Errorf("subscribes = %d, want 0", got)
	}
}

func TestDaemon_StopIsIdempotent(t *testing.T) {
	d, err := NewWithConfig(&fakeSyncer{}, setupTestDB(t), "", nil, testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("second Stop() failed: %v", err)
	}
}

func TestIsDatabaseFile(t *testing.T) {
	d := &Daemon{dbPath: "/data/recsync.db"}

	tests := []struct {
		path string
		want bool
	}{
		{"/data/recsync.db", true},
		{"/data/recsync.db-wal", true},
		{"/data/recsync.db-shm", true},
		{"/data/recsync.db-journal", true},
		{"/data/recsync.dbx", false},
		{"/data/other.db", false},
	}
	for _, tt := range tests {
		if got := d.isDatabaseFile(tt.path); got != tt.want {
			t.Errorf("isDatabaseFile(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
