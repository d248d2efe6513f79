package taskdeck

import (
	"sync"
	"sync/atomic"
)

// Status is the lifecycle phase of a manager's snapshot. It moves
// idle -> loading -> ready or error; ready and error re-enter loading on
// explicit refresh, and idle is re-entered only when the actor is
// cleared.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// SyncState is the part of a snapshot every manager shares. Syncing is
// independent of Status: a background refresh keeps Status at ready so a
// populated screen never flickers back to a loading state.
type SyncState struct {
	Status  Status `json:"status"`
	Syncing bool   `json:"syncing"`
	Err     string `json:"error,omitempty"`
}

// notifier owns a manager's published snapshot and its subscribers.
// Publication is serialized and sequence-guarded: a subscriber never
// observes an older snapshot after a newer one, even when the mutation
// path and the realtime path race.
type notifier[S any] struct {
	// cbMu serializes callback batches so publication order is total.
	cbMu sync.Mutex

	mu        sync.Mutex
	snap      S
	seq       uint64
	published uint64
	subs      []*subscriber[S]
	disposed  bool
}

type subscriber[S any] struct {
	fn     func(S)
	active atomic.Bool
}

// init seeds the initial snapshot before the manager is shared.
func (n *notifier[S]) init(snap S) {
	n.snap = snap
}

// Snapshot returns the most recently published snapshot.
func (n *notifier[S]) Snapshot() S {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.snap
}

// Subscribe registers fn and immediately invokes it once with the
// current snapshot, so late subscribers never start from nothing. The
// initial delivery holds the callback lock, so a racing publish cannot
// hand fn a newer snapshot before its initial one; subscribing from
// inside a snapshot callback is not supported. The returned func
// unregisters; calling it during a publish neither panics nor skips
// other subscribers.
func (n *notifier[S]) Subscribe(fn func(S)) func() {
	sub := &subscriber[S]{fn: fn}
	sub.active.Store(true)

	n.cbMu.Lock()
	n.mu.Lock()
	if n.disposed {
		n.mu.Unlock()
		n.cbMu.Unlock()
		return func() {}
	}
	n.subs = append(n.subs, sub)
	snap := n.snap
	n.mu.Unlock()

	fn(snap)
	n.cbMu.Unlock()

	return func() {
		sub.active.Store(false)
		n.mu.Lock()
		for i, s := range n.subs {
			if s == sub {
				n.subs = append(n.subs[:i], n.subs[i+1:]...)
				break
			}
		}
		n.mu.Unlock()
	}
}

// reserve hands out the next publication sequence number. Callers take
// it while holding the manager lock so sequence order matches state
// order.
func (n *notifier[S]) reserve() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	return n.seq
}

// publish delivers snap to every subscriber in registration order. A
// publication whose sequence is older than one already delivered is
// dropped: its state change is already contained in the newer snapshot.
func (n *notifier[S]) publish(seq uint64, snap S) {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()

	n.mu.Lock()
	if n.disposed || seq <= n.published {
		n.mu.Unlock()
		return
	}
	n.published = seq
	n.snap = snap
	subs := make([]*subscriber[S], len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()

	for _, s := range subs {
		if s.active.Load() {
			s.fn(snap)
		}
	}
}

// dispose drops all subscribers; the notifier never publishes again.
func (n *notifier[S]) dispose() {
	n.mu.Lock()
	n.disposed = true
	n.subs = nil
	n.mu.Unlock()
}
