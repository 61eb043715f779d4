package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/agrogringo/recsync/internal/record"
	"github.com/agrogringo/recsync/internal/remote"
	"github.com/agrogringo/recsync/internal/store"
)

// ApplySnapshot merges a full remote result set for userID into the local
// store in a single transaction.
func (m *Manager) ApplySnapshot(ctx context.Context, userID string, docs []remote.Document) (*MergeResult, error) {
	res := &MergeResult{Received: len(docs)}

	// Every id present remotely survives the sweep, decodable or not.
	remoteIDs := make(map[string]bool, len(docs))
	recs := make([]*record.Recommendation, 0, len(docs))
	for _, doc := range docs {
		if id := doc.ID(); id != "" {
			remoteIDs[id] = true
		}

		rec, err := remote.DecodeDocument(doc)
		if err == nil {
			err = rec.Validate()
		}
		if err == nil && rec.UserID != userID {
			err = fmt.Errorf("document belongs to %q", rec.UserID)
		}
		if err != nil {
			res.Invalid++
			m.logger.Warnw("skipping remote document", "record_id", doc.ID(), "error", err)
			continue
		}
		recs = append(recs, rec)
	}

	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, rec := range recs {
			local, err := tx.Get(ctx, rec.ID)
			switch {
			case err == nil && local.SyncStatus.Protected():
				res.Protected++
				continue
			case err != nil && !errors.Is(err, store.ErrNotFound):
				return err
			}

			if err := tx.Put(ctx, rec); err != nil {
				return err
			}
			if p, ok := rec.ClientProfile(); ok {
				if err := tx.UpsertClientProfile(ctx, p); err != nil {
					return err
				}
			}
			res.Applied++
		}

		synced, err := tx.SyncedIDs(ctx, userID)
		if err != nil {
			return err
		}
		for _, id := range synced {
			if remoteIDs[id] {
				continue
			}
			if err := tx.Delete(ctx, id); err != nil {
				return err
			}
			res.Removed++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply snapshot: %w", err)
	}

	m.logger.Debugw("snapshot applied", "user_id", userID,
		"received", res.Received, "applied", res.Applied,
		"protected", res.Protected, "removed", res.Removed, "invalid", res.Invalid)
	m.opts.Notifier.SnapshotApplied(res)
	return res, nil
}

// Follow subscribes to userID's remote documents and merges every snapshot
// into the local store. The returned subscription belongs to the caller.
// onError is forwarded from the subscription; the listener has stopped by
// the time it runs.
func (m *Manager) Follow(ctx context.Context, userID string, sub Subscriber, onError func(error)) remote.Subscription {
	return sub.Subscribe(ctx, userID, func(docs []remote.Document) {
		if _, err := m.ApplySnapshot(ctx, userID, docs); err != nil {
			m.logger.Errorw("failed to merge remote snapshot", "user_id", userID, "error", err)
			m.opts.Notifier.SyncFailed(err)
		}
	}, onError)
}
