// Package bridge routes realtime change notifications from gateway
// subscriptions to the manager that owns the affected collection. A
// Router is an explicit resource: every route it acquires is released by
// Detach or Close, on every exit path, so a stale channel handle is
// never reused after teardown.
package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/taskdeck/taskdeck.go/pkg/gateway"
	"github.com/taskdeck/taskdeck.go/pkg/logger"
)

// ErrRouterClosed is returned by Attach after Close.
var ErrRouterClosed = errors.New("bridge: router closed")

// Router owns the realtime subscriptions of one manager instance.
type Router struct {
	g   gateway.Gateway
	log logger.Logger

	mu     sync.Mutex
	routes map[string]*route
	closed bool
}

// route is a single subscription being pumped into an apply callback.
type route struct {
	id       string
	resource string
	sub      *gateway.Subscription
	stopCh   chan struct{}
	stopped  chan struct{}
}

// NewRouter creates a Router delivering events through g.
func NewRouter(g gateway.Gateway, log logger.Logger) *Router {
	if log == nil {
		log = logger.Nop()
	}
	return &Router{
		g:      g,
		log:    log,
		routes: make(map[string]*route),
	}
}

// Attach subscribes to a resource's change feed scoped to the given
// actor and pumps every event into apply. It returns a handle usable
// with Detach. apply is called from a single goroutine per route.
func (r *Router) Attach(ctx context.Context, resource, actor string, apply func(gateway.Event)) (string, error) {
	sub, err := r.g.Subscribe(ctx, resource, actor)
	if err != nil {
		return "", err
	}

	rt := &route{
		id:       uuid.NewString(),
		resource: resource,
		sub:      sub,
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.Unsubscribe()
		return "", ErrRouterClosed
	}
	r.routes[rt.id] = rt
	r.mu.Unlock()

	go r.pump(rt, apply)

	r.log.Debug("route attached", "resource", resource, "route_id", rt.id)
	return rt.id, nil
}

// pump forwards events until the subscription closes or the route is
// stopped. A channel that closes on its own is deregistered here; the
// failure is logged, never surfaced to snapshot consumers.
func (r *Router) pump(rt *route, apply func(gateway.Event)) {
	defer close(rt.stopped)

	for {
		select {
		case ev, ok := <-rt.sub.Events():
			if !ok {
				if err := rt.sub.Err(); err != nil {
					r.log.Warn("realtime channel closed",
						"resource", rt.resource, "route_id", rt.id, "error", err)
				} else {
					r.log.Debug("realtime channel closed",
						"resource", rt.resource, "route_id", rt.id)
				}
				r.forget(rt.id)
				return
			}
			apply(ev)
		case <-rt.stopCh:
			return
		}
	}
}

// forget drops a route entry after its channel died on its own.
func (r *Router) forget(id string) {
	r.mu.Lock()
	delete(r.routes, id)
	r.mu.Unlock()
}

// Detach releases one route. Unknown handles are ignored.
func (r *Router) Detach(id string) {
	r.mu.Lock()
	rt, ok := r.routes[id]
	if ok {
		delete(r.routes, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	rt.release()
	r.log.Debug("route detached", "resource", rt.resource, "route_id", id)
}

// Close releases every route. The Router must not be reused afterwards.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	routes := make([]*route, 0, len(r.routes))
	for _, rt := range r.routes {
		routes = append(routes, rt)
	}
	r.routes = make(map[string]*route)
	r.mu.Unlock()

	for _, rt := range routes {
		rt.release()
	}
}

// release stops the pump goroutine and the underlying subscription.
func (rt *route) release() {
	close(rt.stopCh)
	rt.sub.Unsubscribe()
	<-rt.stopped
}
