package dashboard

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/agrogringo/recsync/internal/sync"
)

// Sync states reported in StatusData.State.
const (
	StateIdle    = "idle"
	StateSyncing = "syncing"
	StateOffline = "offline"
	StateFailed  = "failed"
)

// StatusData is the last known sync state.
type StatusData struct {
	State      string            `json:"state"`
	Pending    int               `json:"pending"`
	LastSync   *time.Time        `json:"last_sync,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	LastResult *SyncCompleteData `json:"last_result,omitempty"`
}

// SyncStartedData contains the number of records a pass will process
type SyncStartedData struct {
	Pending int `json:"pending"`
}

// SyncSkippedData contains why a pass did not run
type SyncSkippedData struct {
	Reason string `json:"reason"`
}

// SyncCompleteData contains the outcome of a pass
type SyncCompleteData struct {
	Pushed         int   `json:"pushed"`
	Deleted        int   `json:"deleted"`
	Failed         int   `json:"failed"`
	Superseded     int   `json:"superseded"`
	AssetsUploaded int   `json:"assets_uploaded"`
	AssetsDeleted  int   `json:"assets_deleted"`
	DurationMS     int64 `json:"duration_ms"`
}

// SyncFailedData contains the error that stopped a pass or merge
type SyncFailedData struct {
	Error string `json:"error"`
}

// SnapshotData contains the outcome of a live-update merge
type SnapshotData struct {
	Received  int `json:"received"`
	Applied   int `json:"applied"`
	Protected int `json:"protected"`
	Removed   int `json:"removed"`
	Invalid   int `json:"invalid"`
}

// Notifier turns sync manager events into dashboard messages and keeps the
// server's status current. It implements sync.Notifier.
type Notifier struct {
	server *Server
	logger *zap.SugaredLogger
	now    func() time.Time
}

var _ sync.Notifier = (*Notifier)(nil)

// NewNotifier creates a notifier connected to a dashboard server
func NewNotifier(server *Server, logger *zap.SugaredLogger) *Notifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Notifier{
		server: server,
		logger: logger.With("component", "dashboard"),
		now:    time.Now,
	}
}

// SyncStarted handles the start of a pass with pending work
func (n *Notifier) SyncStarted(pending int) {
	n.server.updateStatus(func(s *StatusData) {
		s.State = StateSyncing
		s.Pending = pending
	})
	n.send(MessageTypeSyncStarted, SyncStartedData{Pending: pending})
}

// SyncSkipped handles a pass that did not run
func (n *Notifier) SyncSkipped(reason error) {
	if errors.Is(reason, sync.ErrOffline) {
		n.server.updateStatus(func(s *StatusData) { s.State = StateOffline })
	}
	n.send(MessageTypeSyncSkipped, SyncSkippedData{Reason: reason.Error()})
}

// SyncCompleted handles a finished pass
func (n *Notifier) SyncCompleted(res *sync.Result) {
	data := SyncCompleteData{
		Pushed:         res.Pushed,
		Deleted:        res.Deleted,
		Failed:         res.Failed,
		Superseded:     res.Superseded,
		AssetsUploaded: res.AssetsUploaded,
		AssetsDeleted:  res.AssetsDeleted,
		DurationMS:     res.Duration().Milliseconds(),
	}
	finished := res.Finished
	if finished.IsZero() {
		finished = n.now()
	}

	n.server.updateStatus(func(s *StatusData) {
		s.State = StateIdle
		s.Pending = res.Failed + res.Superseded
		s.LastSync = &finished
		s.LastError = ""
		s.LastResult = &data
	})
	n.send(MessageTypeSyncComplete, data)
}

// SyncFailed handles a pass or merge that failed as a whole
func (n *Notifier) SyncFailed(err error) {
	n.server.updateStatus(func(s *StatusData) {
		s.State = StateFailed
		s.LastError = err.Error()
	})
	n.send(MessageTypeSyncFailed, SyncFailedData{Error: err.Error()})
}

// SnapshotApplied handles a merged remote snapshot
func (n *Notifier) SnapshotApplied(res *sync.MergeResult) {
	n.send(MessageTypeSnapshotApplied, SnapshotData{
		Received:  res.Received,
		Applied:   res.Applied,
		Protected: res.Protected,
		Removed:   res.Removed,
		Invalid:   res.Invalid,
	})
}

func (n *Notifier) send(typ MessageType, data any) {
	msg, err := newMessage(typ, data)
	if err != nil {
		n.logger.Warnw("failed to marshal message", "type", typ, "error", err)
		return
	}
	n.server.Broadcast(msg)
}
