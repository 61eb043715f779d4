// Package daemon schedules sync passes for a long-running process.
//
// The daemon runs one pass on start and then triggers further passes from
// three sources:
//
//   - Local writes: the directory holding the local database is watched with
//     fsnotify and changes to the database files are debounced into a pass.
//   - A periodic ticker, which also retries queued asset deletions.
//   - Trigger, for callers that learn about connectivity changes.
//
// Passes never overlap; the sync manager's single-flight guard rejects a
// pass requested while another is running. A pass that finds nothing to
// push writes nothing, so passes triggered by the daemon's own writes settle
// after one round.
//
// When a Subscriber is configured, the daemon also follows the user's
// remote documents and merges every snapshot into the local store. A broken
// listener is resubscribed after Config.ResubscribeDelay.
//
//	d, err := daemon.New(mgr, st.Path(), "tecnico-1", remoteStore)
//	if err != nil {
//	    return err
//	}
//	return d.Start(ctx) // blocks until ctx is cancelled
package daemon
