package remote

import (
	"context"
	"encoding/hex"
	"hash"
	"hash/fnv"
	"strconv"
	gosync "sync"
	"time"
)

// Subscription is a live query. Unsubscribe stops it and waits for the
// listener to exit; it is safe to call more than once, but not from
// inside the subscription's own callbacks.
type Subscription interface {
	Unsubscribe()
	// Done is closed once the listener has stopped, whether through
	// Unsubscribe or a listener fault.
	Done() <-chan struct{}
}

// Subscribe starts a live query over the documents owned by userID.
//
// onSnapshot receives the full result set, ordered by fecha descending,
// on the first poll and again whenever the set changes. onError is called
// at most once, when a query fails; the listener stops afterwards and the
// caller decides whether to resubscribe.
func (s *Store) Subscribe(ctx context.Context, userID string, onSnapshot func([]Document), onError func(error)) Subscription {
	ctx, cancel := context.WithCancel(ctx)
	p := &poller{
		store:      s,
		userID:     userID,
		onSnapshot: onSnapshot,
		onError:    onError,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

type poller struct {
	store      *Store
	userID     string
	onSnapshot func([]Document)
	onError    func(error)

	cancel context.CancelFunc
	done   chan struct{}
	once   gosync.Once
}

func (p *poller) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.store.opts.PollInterval)
	defer ticker.Stop()

	last := ""
	first := true
	for {
		docs, fp, err := p.store.query(ctx, p.userID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.store.opts.Logger.Warnw("subscription query failed", "user_id", p.userID, "error", err)
			if p.onError != nil {
				p.onError(err)
			}
			return
		}

		if first || fp != last {
			first = false
			last = fp
			if p.onSnapshot != nil {
				p.onSnapshot(docs)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *poller) Unsubscribe() {
	p.once.Do(p.cancel)
	<-p.done
}

func (p *poller) Done() <-chan struct{} {
	return p.done
}

// fingerprint summarizes a result set by ids and write versions.
type fingerprint struct {
	h hash.Hash64
}

func newFingerprint() *fingerprint {
	return &fingerprint{h: fnv.New64a()}
}

func (f *fingerprint) add(id string, version int64) {
	f.h.Write([]byte(id))
	f.h.Write([]byte{0})
	f.h.Write([]byte(strconv.FormatInt(version, 10)))
	f.h.Write([]byte{0})
}

func (f *fingerprint) sum() string {
	return hex.EncodeToString(f.h.Sum(nil))
}
