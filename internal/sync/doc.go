// Package sync reconciles the local store with the remote document store.
//
// # Push
//
// Manager.RunSync drains local intent to the remote side. Each record's
// sync status decides what happens to it:
//
//	pending  --push-->   synced
//	synced   --edit-->   modified   (recommendations package)
//	synced   --delete--> deleted    (recommendations package)
//	modified --push-->   synced
//	deleted  --purge-->  (gone, locally and remotely)
//
// A push first uploads every asset still held as a local blob and
// checkpoints the returned URL into the local store before the document is
// written, so a retry after a crash never uploads the same blob twice. The
// document write is create-or-replace, and the status flip to synced is the
// last local effect. Failures leave the status untouched; the next pass
// retries.
//
// Only one pass runs at a time. A second call while a pass is in flight,
// or any call while offline, returns a skipped Result without touching the
// stores.
//
// # Live updates
//
// Manager.ApplySnapshot merges a full remote result set into the local store
// in one transaction. Remote wins only where the local record is absent or
// synced; pending, modified and deleted records keep their local state.
// Synced local records missing from the snapshot are removed (tombstone
// sweep). Manager.Follow wires a remote subscription to ApplySnapshot.
//
// Example:
//
//	mgr := sync.New(st, docs, svc, sync.Options{UserID: "tecnico-1"})
//	res, err := mgr.RunSync(ctx)
//	if err != nil {
//	    return err
//	}
//	fmt.Printf("pushed=%d deleted=%d failed=%d\n", res.Pushed, res.Deleted, res.Failed)
package sync
