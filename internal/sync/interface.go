package sync

import (
	"context"
	"errors"
	"time"

	"github.com/agrogringo/recsync/internal/remote"
)

// ErrSyncInProgress marks a pass skipped because another one is running.
// It is reported through Result.Skip, never returned.
var ErrSyncInProgress = errors.New("sync already in progress")

// ErrOffline marks a pass skipped because the device is offline.
// It is reported through Result.Skip, never returned.
var ErrOffline = errors.New("device is offline")

// DocumentStore is the remote write surface RunSync needs.
type DocumentStore interface {
	CreateOrReplace(ctx context.Context, id string, doc remote.Document) error
	Delete(ctx context.Context, id string) error
}

// Subscriber opens live queries over the remote collection.
type Subscriber interface {
	Subscribe(ctx context.Context, userID string, onSnapshot func([]remote.Document), onError func(error)) remote.Subscription
}

// Connectivity reports whether the remote side is reachable.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// Notifier receives transient status updates. Only aggregate outcomes are
// reported; per-record failures are logged instead.
type Notifier interface {
	SyncStarted(pending int)
	SyncSkipped(reason error)
	SyncCompleted(res *Result)
	SyncFailed(err error)
	SnapshotApplied(res *MergeResult)
}

// Result summarizes one RunSync pass.
type Result struct {
	// Skip is ErrSyncInProgress or ErrOffline when the pass did not run
	Skip error

	Pushed  int // records written remotely and marked synced
	Deleted int // deleted records purged from both stores
	Failed  int // records left for the next pass after an error

	// Superseded counts records edited while being pushed; they stay
	// eligible and go out again on the next pass
	Superseded int

	AssetsUploaded      int
	AssetsDeleted       int
	AssetDeleteFailures int

	Started  time.Time
	Finished time.Time
}

// Skipped reports whether the pass did not run.
func (r *Result) Skipped() bool {
	return r.Skip != nil
}

// Duration returns how long the pass took.
func (r *Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// MergeResult summarizes one ApplySnapshot call.
type MergeResult struct {
	Received  int // documents in the snapshot
	Applied   int // inserted or overwritten locally
	Protected int // skipped because of local intent
	Removed   int // synced local records missing from the snapshot
	Invalid   int // documents that could not be decoded
}

type nopNotifier struct{}

func (nopNotifier) SyncStarted(int)              {}
func (nopNotifier) SyncSkipped(error)            {}
func (nopNotifier) SyncCompleted(*Result)        {}
func (nopNotifier) SyncFailed(error)             {}
func (nopNotifier) SnapshotApplied(*MergeResult) {}
