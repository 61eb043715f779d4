package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agrogringo/recsync/internal/assets"
	"github.com/agrogringo/recsync/internal/record"
	"github.com/agrogringo/recsync/internal/remote"
	"github.com/agrogringo/recsync/internal/store"
)

// Options configures a Manager.
type Options struct {
	// UserID restricts passes and merges to one owner (empty = all owners)
	UserID string
	// Connectivity gates every pass (nil = always online)
	Connectivity Connectivity
	// Notifier receives status updates (nil = discarded)
	Notifier Notifier
	// Logger receives per-record diagnostics (nil = no-op)
	Logger *zap.SugaredLogger
	// MaxAssetDeleteAttempts drops a queued asset deletion after this
	// many failures (default 5)
	MaxAssetDeleteAttempts int
	// Now is the clock used for Result timestamps (default time.Now)
	Now func() time.Time
}

// Manager owns the single-flight guard for sync passes.
type Manager struct {
	store  *store.Store
	docs   DocumentStore
	assets assets.Service
	opts   Options
	logger *zap.SugaredLogger

	running atomic.Bool
}

// errSuperseded aborts a push whose record changed while it was in flight.
var errSuperseded = errors.New("record changed during push")

// New creates a Manager.
//
// The store must be open; docs and svc are the remote collaborators.
func New(st *store.Store, docs DocumentStore, svc assets.Service, opts Options) *Manager {
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.MaxAssetDeleteAttempts <= 0 {
		opts.MaxAssetDeleteAttempts = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:  st,
		docs:   docs,
		assets: svc,
		opts:   opts,
		logger: opts.Logger.With("component", "sync"),
	}
}

// Running reports whether a pass is in flight.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// RunSync performs one reconciliation pass.
//
// It returns a skipped Result, with no store or network activity, when a
// pass is already running or the device is offline. Per-record failures are
// logged and counted in Result.Failed; the returned error is reserved for
// failures that stop the whole pass, such as the local store being
// unavailable.
func (m *Manager) RunSync(ctx context.Context) (*Result, error) {
	res, release := m.acquire(ctx)
	if res.Skipped() {
		return res, nil
	}
	defer release()

	err := m.runPass(ctx, res)
	res.Finished = m.opts.Now()
	if err != nil {
		m.logger.Errorw("sync pass failed", "error", err)
		m.opts.Notifier.SyncFailed(err)
		return res, err
	}

	m.logger.Infow("sync pass complete",
		"pushed", res.Pushed, "deleted", res.Deleted, "failed", res.Failed,
		"superseded", res.Superseded, "duration", res.Duration())
	m.opts.Notifier.SyncCompleted(res)
	return res, nil
}

// acquire applies the in-progress and offline guards and takes the
// single-flight flag. The offline check never takes the flag.
func (m *Manager) acquire(ctx context.Context) (*Result, func()) {
	res := &Result{Started: m.opts.Now()}

	skip := func(reason error) (*Result, func()) {
		res.Skip = reason
		res.Finished = res.Started
		m.logger.Infow("sync skipped", "reason", reason)
		m.opts.Notifier.SyncSkipped(reason)
		return res, func() {}
	}

	if m.running.Load() {
		return skip(ErrSyncInProgress)
	}
	if m.opts.Connectivity != nil && !m.opts.Connectivity.Online(ctx) {
		return skip(ErrOffline)
	}
	if !m.running.CompareAndSwap(false, true) {
		return skip(ErrSyncInProgress)
	}
	return res, func() { m.running.Store(false) }
}

func (m *Manager) runPass(ctx context.Context, res *Result) error {
	recs, err := m.store.ListUnsynced(ctx, m.opts.UserID)
	if err != nil {
		return fmt.Errorf("failed to list unsynced records: %w", err)
	}
	if len(recs) == 0 {
		m.logger.Debugw("nothing to sync")
		return nil
	}

	m.opts.Notifier.SyncStarted(len(recs))

	// Pushes first, then deletes, each in sequence.
	for _, rec := range recs {
		if !rec.SyncStatus.Pushable() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		err := m.push(ctx, rec, res)
		switch {
		case err == nil:
			res.Pushed++
		case errors.Is(err, errSuperseded):
			res.Superseded++
			m.logger.Infow("record changed during push, will retry", "record_id", rec.ID)
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res.Failed++
			m.logger.Warnw("failed to push record", "record_id", rec.ID, "status", rec.SyncStatus, "error", err)
		}
	}

	for _, rec := range recs {
		if rec.SyncStatus != record.StatusDeleted {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := m.purge(ctx, rec, res); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res.Failed++
			m.logger.Warnw("failed to delete record", "record_id", rec.ID, "error", err)
			continue
		}
		res.Deleted++
	}

	m.drainAssetDeletions(ctx, res)
	return nil
}

// push uploads pending assets, writes the document and marks the record
// synced.
func (m *Manager) push(ctx context.Context, rec *record.Recommendation, res *Result) error {
	for _, slot := range rec.PendingAssets() {
		if err := m.uploadSlot(ctx, rec, slot, res); err != nil {
			return err
		}
	}

	doc, err := remote.EncodeDocument(rec)
	if err != nil {
		return err
	}
	if err := m.docs.CreateOrReplace(ctx, rec.ID, doc); err != nil {
		return err
	}

	ok, err := m.store.MarkSynced(ctx, rec.ID, rec.SyncStatus, rec.TimestampUltimaModificacion)
	if err != nil {
		return err
	}
	if !ok {
		return errSuperseded
	}
	m.logger.Debugw("record pushed", "record_id", rec.ID)
	return nil
}

// uploadSlot uploads one pending asset and checkpoints its URL locally
// before anything else happens to the record.
func (m *Manager) uploadSlot(ctx context.Context, rec *record.Recommendation, slot record.AssetSlot, res *Result) error {
	handle := slot.Asset.Handle()

	blob, err := m.store.GetBlob(ctx, handle)
	if errors.Is(err, store.ErrNotFound) {
		// The blob is gone for good; sync the record without it.
		m.logger.Warnw("pending asset blob missing, clearing field",
			"record_id", rec.ID, "slot", slot.Name, "handle", handle)
		ok, err := m.store.ResolveAsset(ctx, rec.ID, slot.Name, handle, "")
		if err != nil {
			return err
		}
		if !ok {
			return errSuperseded
		}
		*slot.Asset = record.Asset{}
		return nil
	}
	if err != nil {
		return err
	}

	url, err := m.assets.Upload(ctx, assets.Blob{
		Name:        handle,
		ContentType: blob.ContentType,
		Data:        blob.Data,
	})
	if err != nil {
		return err
	}
	res.AssetsUploaded++

	ok, err := m.store.ResolveAsset(ctx, rec.ID, slot.Name, handle, url)
	if err != nil || !ok {
		// The upload is orphaned; reclaim it later.
		if qerr := m.store.QueueAssetDeletion(ctx, url); qerr != nil {
			m.logger.Warnw("failed to queue orphaned asset", "url", url, "error", qerr)
		}
		if err != nil {
			return err
		}
		return errSuperseded
	}

	*slot.Asset = record.RemoteAsset(url)
	m.logger.Debugw("asset checkpointed", "record_id", rec.ID, "slot", slot.Name, "url", url)
	return nil
}

// purge deletes a record's assets, its remote document and finally the
// local row. Asset failures do not block the rest.
func (m *Manager) purge(ctx context.Context, rec *record.Recommendation, res *Result) error {
	var failed []string
	for _, url := range rec.RemoteURLs() {
		if err := m.assets.Delete(ctx, url); err != nil {
			res.AssetDeleteFailures++
			m.logger.Warnw("failed to delete asset", "record_id", rec.ID, "url", url, "error", err)
			if !errors.Is(err, assets.ErrMalformedURL) {
				failed = append(failed, url)
			}
			continue
		}
		res.AssetsDeleted++
	}

	if err := m.docs.Delete(ctx, rec.ID); err != nil {
		return err
	}

	removed, err := m.store.PurgeDeleted(ctx, rec.ID)
	if err != nil {
		return err
	}
	if !removed {
		m.logger.Infow("deleted record already gone or restored", "record_id", rec.ID)
	}

	for _, url := range failed {
		if err := m.store.QueueAssetDeletion(ctx, url); err != nil {
			m.logger.Warnw("failed to queue asset deletion", "url", url, "error", err)
		}
	}
	return nil
}

// DrainAssetDeletions retries queued asset deletions. It shares the
// single-flight guard with RunSync and is skipped the same way.
func (m *Manager) DrainAssetDeletions(ctx context.Context) (*Result, error) {
	res, release := m.acquire(ctx)
	if res.Skipped() {
		return res, nil
	}
	defer release()

	m.drainAssetDeletions(ctx, res)
	res.Finished = m.opts.Now()
	return res, nil
}

func (m *Manager) drainAssetDeletions(ctx context.Context, res *Result) {
	queued, err := m.store.PendingAssetDeletions(ctx, 50)
	if err != nil {
		m.logger.Warnw("failed to read asset deletion queue", "error", err)
		return
	}

	for _, d := range queued {
		if ctx.Err() != nil {
			return
		}

		err := m.assets.Delete(ctx, d.URL)
		switch {
		case err == nil:
			res.AssetsDeleted++
		case errors.Is(err, assets.ErrMalformedURL):
			m.logger.Warnw("dropping malformed asset url", "url", d.URL)
		case d.Attempts+1 >= m.opts.MaxAssetDeleteAttempts:
			res.AssetDeleteFailures++
			m.logger.Warnw("giving up on asset deletion", "url", d.URL, "attempts", d.Attempts+1, "error", err)
		default:
			res.AssetDeleteFailures++
			if ferr := m.store.FailAssetDeletion(ctx, d.URL, err); ferr != nil {
				m.logger.Warnw("failed to record asset deletion failure", "url", d.URL, "error", ferr)
			}
			continue
		}

		if cerr := m.store.CompleteAssetDeletion(ctx, d.URL); cerr != nil {
			m.logger.Warnw("failed to dequeue asset deletion", "url", d.URL, "error", cerr)
		}
	}
}
