package record

import (
	"errors"
	"fmt"
)

// SyncStatus tracks whether a record's local state has reached the remote store.
type SyncStatus string

const (
	// StatusPending is a record created locally and never pushed.
	StatusPending SyncStatus = "pending"
	// StatusModified is a synced record edited locally since the last push.
	StatusModified SyncStatus = "modified"
	// StatusSynced is a record whose local state matches the remote document.
	StatusSynced SyncStatus = "synced"
	// StatusDeleted is a record marked for removal on the next sync pass.
	StatusDeleted SyncStatus = "deleted"
)

// ErrRecordDeleted is returned when editing a record already marked deleted.
var ErrRecordDeleted = errors.New("record is marked for deletion")

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusPending, StatusModified, StatusSynced, StatusDeleted:
		return true
	}
	return false
}

// Pushable reports whether the record must be written to the remote store.
func (s SyncStatus) Pushable() bool {
	return s == StatusPending || s == StatusModified
}

// Protected reports whether the record carries local intent that an
// incoming remote snapshot must not overwrite.
func (s SyncStatus) Protected() bool {
	return s == StatusPending || s == StatusModified || s == StatusDeleted
}

// AfterEdit returns the status following a local edit.
// A pending record stays pending: it has never reached the remote store.
func (s SyncStatus) AfterEdit() (SyncStatus, error) {
	switch s {
	case StatusSynced:
		return StatusModified, nil
	case StatusPending, StatusModified:
		return s, nil
	case StatusDeleted:
		return s, ErrRecordDeleted
	default:
		return s, fmt.Errorf("unknown sync status %q", s)
	}
}

// AfterDelete returns the status following a local delete.
func (s SyncStatus) AfterDelete() (SyncStatus, error) {
	if !s.Valid() {
		return s, fmt.Errorf("unknown sync status %q", s)
	}
	return StatusDeleted, nil
}

// AfterPush returns the status following a successful remote write.
func (s SyncStatus) AfterPush() (SyncStatus, error) {
	if !s.Pushable() {
		return s, fmt.Errorf("cannot push record in status %q", s)
	}
	return StatusSynced, nil
}
