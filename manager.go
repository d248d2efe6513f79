package taskdeck

import (
	"context"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/taskdeck/taskdeck.go/pkg/bridge"
	"github.com/taskdeck/taskdeck.go/pkg/gateway"
	"github.com/taskdeck/taskdeck.go/pkg/layout"
	"github.com/taskdeck/taskdeck.go/pkg/logger"
)

const refreshKey = "refresh"

// Option configures a manager.
type Option func(*options)

type options struct {
	log     logger.Logger
	catalog []layout.CatalogEntry
}

// WithLogger replaces the default stderr logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithCatalog replaces the dashboard widget catalog. Only the
// DashboardManager reads it.
func WithCatalog(c []layout.CatalogEntry) Option {
	return func(o *options) { o.catalog = c }
}

func buildOptions(opts []Option) options {
	o := options{
		log:     logger.New(os.Stderr),
		catalog: layout.DefaultCatalog,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// family is what a concrete manager supplies to the shared plumbing:
// cache clearing, snapshot assembly, the full reload, and realtime
// route attachment. All *Locked methods are called with the manager
// mutex held.
type family[S any] interface {
	clearLocked()
	snapshotLocked() S
	fetch(ctx context.Context, actor string, gen uint64) error
	attach(ctx context.Context, r *bridge.Router, actor string, gen uint64) error
}

// manager is the plumbing shared by every resource family: one actor
// binding, the status/syncing/error triple, refresh coalescing, realtime
// route lifecycle, and snapshot publication.
type manager[S any] struct {
	g   gateway.Gateway
	log logger.Logger
	fam family[S]

	mu         sync.Mutex
	actor      string
	gen        uint64
	bindCtx    context.Context
	bindCancel context.CancelFunc
	status     Status
	syncing    bool
	errMsg     string
	router     *bridge.Router
	disposed   bool

	flight singleflight.Group
	n      notifier[S]
}

// init wires the concrete manager in. Called from constructors before
// the manager is shared, so the unlocked snapshotLocked call is safe.
func (m *manager[S]) init(g gateway.Gateway, log logger.Logger, fam family[S]) {
	m.g = g
	m.log = log
	m.fam = fam
	m.status = StatusIdle
	m.n.init(fam.snapshotLocked())
}

// Subscribe registers a snapshot listener; see notifier.Subscribe.
func (m *manager[S]) Subscribe(fn func(S)) func() {
	return m.n.Subscribe(fn)
}

// Snapshot returns the current published snapshot.
func (m *manager[S]) Snapshot() S {
	return m.n.Snapshot()
}

// stateLocked assembles the shared snapshot fields.
func (m *manager[S]) stateLocked() SyncState {
	return SyncState{Status: m.status, Syncing: m.syncing, Err: m.errMsg}
}

// stageLocked reserves a publication slot and builds the snapshot while
// the state it reflects is still locked. The caller unlocks, then
// publishes.
func (m *manager[S]) stageLocked() (uint64, S) {
	return m.n.reserve(), m.fam.snapshotLocked()
}

// begin is the common mutation-entry guard: signed in, not disposed.
func (m *manager[S]) begin() (actor string, gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return "", 0, ErrDisposed
	}
	if m.actor == "" {
		return "", 0, ErrNotSignedIn
	}
	return m.actor, m.gen, nil
}

// stillLocked reports whether a result computed for (actor, gen) may
// still be applied. A slow response that started under a previous actor
// must not overwrite the current actor's snapshot.
func (m *manager[S]) stillLocked(actor string, gen uint64) bool {
	return !m.disposed && m.actor == actor && m.gen == gen
}

// SetUser binds the manager to an actor. Passing the already-bound id
// is a no-op. Otherwise any realtime routes are released and all caches
// cleared; an empty id resets to the idle snapshot, a new id publishes
// loading, runs a forced refresh, and re-establishes the realtime
// routes. Outstanding requests from the previous actor are not aborted,
// only their results are discarded.
func (m *manager[S]) SetUser(ctx context.Context, actor string) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrDisposed
	}
	if m.actor == actor {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	m.actor = actor
	router := m.router
	m.router = nil
	cancel := m.bindCancel
	m.bindCtx, m.bindCancel = nil, nil
	m.fam.clearLocked()
	m.errMsg = ""

	if actor == "" {
		m.status = StatusIdle
		m.syncing = false
		seq, snap := m.stageLocked()
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if router != nil {
			router.Close()
		}
		m.n.publish(seq, snap)
		return nil
	}

	// The bind context outlives ctx: realtime events arriving long after
	// sign-in trigger refreshes on it, and it is cancelled only on actor
	// switch or Dispose.
	m.bindCtx, m.bindCancel = context.WithCancel(context.Background())
	m.status = StatusLoading
	m.syncing = true
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if router != nil {
		router.Close()
	}
	m.n.publish(seq, snap)

	refreshErr := m.runFlight(ctx, actor, gen, true)

	// Realtime routes are established even when the initial load failed;
	// the next successful refresh will catch the cache up.
	r := bridge.NewRouter(m.g, m.log)
	if err := m.fam.attach(ctx, r, actor, gen); err != nil {
		m.log.Warn("realtime attach failed", "actor", actor, "error", err)
	}
	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		r.Close()
		return refreshErr
	}
	m.router = r
	m.mu.Unlock()
	return refreshErr
}

// Refresh reconciles the cache with the backend. Concurrent non-forced
// calls share one in-flight fetch; force starts a fresh fetch without
// waiting for a prior one, and the most recent fetch wins by being the
// last to publish.
func (m *manager[S]) Refresh(ctx context.Context, force bool) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrDisposed
	}
	if m.actor == "" {
		m.mu.Unlock()
		return ErrNotSignedIn
	}
	actor, gen := m.actor, m.gen
	announce := !m.syncing
	m.syncing = true
	var seq uint64
	var snap S
	if announce {
		seq, snap = m.stageLocked()
	}
	m.mu.Unlock()
	if announce {
		m.n.publish(seq, snap)
	}

	return m.runFlight(ctx, actor, gen, force)
}

// resync reruns a full reload from the realtime path. Events outlive
// whatever context SetUser was called with, so the refresh runs on the
// bind context instead.
func (m *manager[S]) resync(actor string, gen uint64) {
	m.mu.Lock()
	ctx := m.bindCtx
	ok := m.stillLocked(actor, gen)
	m.mu.Unlock()
	if !ok || ctx == nil {
		return
	}
	if err := m.Refresh(ctx, true); err != nil {
		m.log.Warn("event-driven resync failed", "actor", actor, "error", err)
	}
}

func (m *manager[S]) runFlight(ctx context.Context, actor string, gen uint64, force bool) error {
	if force {
		m.flight.Forget(refreshKey)
	}
	_, err, _ := m.flight.Do(refreshKey, func() (any, error) {
		return nil, m.fam.fetch(ctx, actor, gen)
	})
	if err != nil {
		m.failRefresh(actor, gen, err)
		return err
	}
	return nil
}

// failRefresh folds a fetch failure into the snapshot. Cached data is
// preserved, and a manager that already reached ready stays ready: a
// transient failure must not blank a screen that has data.
func (m *manager[S]) failRefresh(actor string, gen uint64, err error) {
	m.mu.Lock()
	if !m.stillLocked(actor, gen) || !m.syncing {
		m.mu.Unlock()
		return
	}
	m.syncing = false
	m.errMsg = err.Error()
	if m.status != StatusReady {
		m.status = StatusError
	}
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
	m.log.Warn("refresh failed", "actor", actor, "error", err)
}

// completeRefresh marks a successful reload. The concrete fetch calls it
// with the manager lock held after replacing its collections; it returns
// the publication to perform after unlocking.
func (m *manager[S]) completeRefreshLocked() (uint64, S) {
	m.status = StatusReady
	m.syncing = false
	m.errMsg = ""
	return m.stageLocked()
}

// Dispose releases realtime routes and subscribers. The manager never
// publishes again.
func (m *manager[S]) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	router := m.router
	m.router = nil
	m.actor = ""
	cancel := m.bindCancel
	m.bindCtx, m.bindCancel = nil, nil
	m.fam.clearLocked()
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if router != nil {
		router.Close()
	}
	m.n.dispose()
}
