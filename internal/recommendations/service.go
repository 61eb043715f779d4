// Package recommendations is the local-first read/write API for
// recommendation sheets.
//
// Every write goes to the local store only and tags the record with the sync
// status the reconciliation engine acts on. Reads come from the local store;
// Get falls back to the remote store for records not yet cached.
package recommendations

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agrogringo/recsync/internal/record"
	"github.com/agrogringo/recsync/internal/remote"
	"github.com/agrogringo/recsync/internal/store"
)

// ErrNoUser is returned when a record is created without an owner.
var ErrNoUser = errors.New("no user configured")

// RemoteReader fetches single documents from the remote store.
type RemoteReader interface {
	Get(ctx context.Context, id string) (remote.Document, error)
}

// Options configures a Service.
type Options struct {
	// UserID owns created records and scopes List (required for Create)
	UserID string
	// Remote is consulted by Get on a local miss (nil = local only)
	Remote RemoteReader
	// Logger (nil = no-op)
	Logger *zap.SugaredLogger
	// Now is the clock stamped on local writes (default time.Now)
	Now func() time.Time
}

// Service implements create, edit, follow-up and delete over the local store.
type Service struct {
	store  *store.Store
	opts   Options
	logger *zap.SugaredLogger
	newID  func() string
}

// New creates a Service over an open store.
func New(st *store.Store, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:  st,
		opts:   opts,
		logger: opts.Logger.With("component", "recommendations"),
		newID:  uuid.NewString,
	}
}

// UserID returns the configured owner.
func (s *Service) UserID() string {
	return s.opts.UserID
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

// Create stores a new record as pending and returns it.
//
// The ID, owner, sync status and modification time are assigned here; any
// values set on rec are ignored. A blank sheet number gets the next one in
// sequence and a blank estado becomes Pendiente. rec is not modified.
func (s *Service) Create(ctx context.Context, rec *record.Recommendation) (*record.Recommendation, error) {
	if s.opts.UserID == "" {
		return nil, ErrNoUser
	}

	out := rec.Clone()
	out.ID = s.newID()
	out.UserID = s.opts.UserID
	out.SyncStatus = record.StatusPending
	out.TimestampUltimaModificacion = s.now()
	if out.Fecha.IsZero() {
		out.Fecha = out.TimestampUltimaModificacion
	}
	if out.Estado == "" {
		out.Estado = record.EstadoPendiente
	}
	if out.Estado != record.EstadoEnTratamiento {
		out.FaseTratamiento = ""
	}
	autoNumber := strings.TrimSpace(out.NoHoja) == ""

	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		if autoNumber {
			last, err := tx.LastSheetNumber(ctx)
			if err != nil {
				return err
			}
			out.NoHoja = sheetAfter(last)
		}
		if err := tx.Put(ctx, out); err != nil {
			return err
		}
		return upsertProfile(ctx, tx, out)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create recommendation: %w", err)
	}

	s.logger.Infow("recommendation created", "record_id", out.ID, "no_hoja", out.NoHoja)
	return out, nil
}

// Update applies patch to a record and marks it for the next push.
//
// A synced record becomes modified; pending and modified records keep their
// status. Records marked deleted cannot be edited. The sheet number is fixed
// at creation and a patch to it is ignored. Remote assets replaced by the
// patch are queued for deletion; replaced local blobs are dropped.
func (s *Service) Update(ctx context.Context, id string, patch record.Patch) (*record.Recommendation, error) {
	patch.NoHoja = nil
	patch.SyncStatus = nil
	patch.TimestampUltimaModificacion = nil

	var out *record.Recommendation
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		out, err = s.edit(ctx, tx, id, patch.Apply)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update recommendation %s: %w", id, err)
	}

	s.logger.Infow("recommendation updated", "record_id", id, "sync_status", out.SyncStatus)
	return out, nil
}

// FollowUp is a follow-up visit: a new treatment state, notes and an
// optional after-photo.
type FollowUp struct {
	Estado          record.Estado
	FaseTratamiento string
	Observaciones   string
	// FotoDespues replaces the after-photo when non-nil
	FotoDespues *record.Asset
}

// FollowUp records a follow-up visit on a record.
//
// The treatment phase is kept only while the record is En tratamiento. The
// before-photo is untouched. A replaced remote after-photo is deleted once
// the edit has been pushed.
func (s *Service) FollowUp(ctx context.Context, id string, f FollowUp) (*record.Recommendation, error) {
	if !f.Estado.Valid() {
		return nil, &record.ValidationError{
			Fields: []string{"estado"},
			Err:    fmt.Errorf("invalid estado %q", f.Estado),
		}
	}

	var out *record.Recommendation
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		out, err = s.edit(ctx, tx, id, func(r *record.Recommendation) {
			r.Estado = f.Estado
			r.FaseTratamiento = ""
			if f.Estado == record.EstadoEnTratamiento {
				r.FaseTratamiento = f.FaseTratamiento
			}
			r.Seguimiento.Observaciones = f.Observaciones
			if f.FotoDespues != nil {
				r.Seguimiento.FotoDespues = *f.FotoDespues
			}
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save follow-up for %s: %w", id, err)
	}

	s.logger.Infow("follow-up saved", "record_id", id, "estado", out.Estado)
	return out, nil
}

// edit runs one read-modify-write inside tx.
func (s *Service) edit(ctx context.Context, tx *store.Tx, id string, mutate func(*record.Recommendation)) (*record.Recommendation, error) {
	before, err := tx.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	status, err := before.SyncStatus.AfterEdit()
	if err != nil {
		return nil, err
	}

	after := before.Clone()
	mutate(after)
	after.SyncStatus = status
	after.TimestampUltimaModificacion = s.now()

	if err := tx.Put(ctx, after); err != nil {
		return nil, err
	}
	if err := releaseReplaced(ctx, tx, before, after); err != nil {
		return nil, err
	}
	if err := upsertProfile(ctx, tx, after); err != nil {
		return nil, err
	}
	return after, nil
}

// releaseReplaced cleans up assets that were replaced in a slot. Replaced
// remote URLs stay held until the edited record has been pushed.
func releaseReplaced(ctx context.Context, tx *store.Tx, before, after *record.Recommendation) error {
	for _, old := range before.AssetSlots() {
		cur, _ := after.Slot(old.Name)
		if *cur == *old.Asset {
			continue
		}
		switch {
		case old.Asset.IsRemote():
			if err := tx.HoldAssetDeletion(ctx, old.Asset.URL(), before.ID); err != nil {
				return err
			}
		case old.Asset.IsPending():
			if err := tx.DeleteBlob(ctx, old.Asset.Handle()); err != nil {
				return err
			}
		}
	}
	return nil
}

func upsertProfile(ctx context.Context, tx *store.Tx, rec *record.Recommendation) error {
	p, ok := rec.ClientProfile()
	if !ok {
		return nil
	}
	return tx.UpsertClientProfile(ctx, p)
}

// MarkDeleted flags a record for removal on the next sync pass. It
// disappears from List and Get immediately.
func (s *Service) MarkDeleted(ctx context.Context, id string) error {
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		rec, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if rec.SyncStatus, err = rec.SyncStatus.AfterDelete(); err != nil {
			return err
		}
		return tx.Put(ctx, rec)
	})
	if err != nil {
		return fmt.Errorf("failed to delete recommendation %s: %w", id, err)
	}

	s.logger.Infow("recommendation marked for deletion", "record_id", id)
	return nil
}

// Get returns a record by ID.
//
// A local miss is resolved against the remote store when one is configured;
// the fetched record is cached locally as synced. Records marked deleted are
// reported as store.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*record.Recommendation, error) {
	rec, err := s.store.Get(ctx, id)
	switch {
	case err == nil:
		if rec.SyncStatus == record.StatusDeleted {
			return nil, fmt.Errorf("recommendation %s: %w", id, store.ErrNotFound)
		}
		return rec, nil
	case !errors.Is(err, store.ErrNotFound) || s.opts.Remote == nil:
		return nil, err
	}

	s.logger.Debugw("local miss, fetching remote", "record_id", id)
	doc, err := s.opts.Remote.Get(ctx, id)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, fmt.Errorf("recommendation %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recommendation %s: %w", id, err)
	}
	fetched, err := remote.DecodeDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode recommendation %s: %w", id, err)
	}

	// A record created locally in the meantime wins over the fetched copy.
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		local, err := tx.Get(ctx, id)
		if err == nil {
			fetched = local
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return tx.Put(ctx, fetched)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cache recommendation %s: %w", id, err)
	}
	if fetched.SyncStatus == record.StatusDeleted {
		return nil, fmt.Errorf("recommendation %s: %w", id, store.ErrNotFound)
	}
	return fetched, nil
}

// List returns the configured user's records, newest first. Records marked
// deleted are excluded. An empty filter.UserID defaults to the configured
// user.
func (s *Service) List(ctx context.Context, filter store.Filter) ([]*record.Recommendation, error) {
	if filter.UserID == "" {
		filter.UserID = s.opts.UserID
	}
	filter.IncludeDeleted = false
	if len(filter.SyncStatuses) > 0 {
		kept := filter.SyncStatuses[:0:0]
		for _, st := range filter.SyncStatuses {
			if st != record.StatusDeleted {
				kept = append(kept, st)
			}
		}
		if len(kept) == 0 {
			return nil, nil
		}
		filter.SyncStatuses = kept
	}
	return s.store.List(ctx, filter)
}

// NextSheetNumber returns the sheet number following the highest one in the
// store, zero-padded to three digits. It starts at "001".
func (s *Service) NextSheetNumber(ctx context.Context) (string, error) {
	last, err := s.store.LastSheetNumber(ctx)
	if err != nil {
		return "", err
	}
	return sheetAfter(last), nil
}

func sheetAfter(last string) string {
	next := 1
	if n, err := strconv.Atoi(strings.TrimSpace(last)); err == nil && n >= 0 {
		next = n + 1
	}
	return fmt.Sprintf("%03d", next)
}

// StageBlob stores binary data locally and returns an asset referring to it.
// The blob is uploaded by the next sync pass that pushes a record using it.
func (s *Service) StageBlob(ctx context.Context, contentType string, data []byte) (record.Asset, error) {
	handle, err := s.store.PutBlob(ctx, store.Blob{ContentType: contentType, Data: data})
	if err != nil {
		return record.Asset{}, err
	}
	return record.PendingAsset(handle), nil
}

// SearchClients returns client profiles matching a DNI prefix or name
// fragment.
func (s *Service) SearchClients(ctx context.Context, text string, limit int) ([]*record.ClientProfile, error) {
	return s.store.SearchClientProfiles(ctx, text, limit)
}
