// Package gateway defines the backend surface the synchronization core
// is written against: query, mutate, invoke, a realtime change feed, and
// session lookup. The wire transport behind it is deliberately opaque;
// pkg/gateway/wsrpc provides a websocket implementation and
// internal/gatewaytest a scripted one for tests.
package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/taskdeck/taskdeck.go/pkg/codec"
)

// Op is a mutation kind.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Action classifies a realtime change event.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Filter restricts a query. Match is an equality filter on record fields.
type Filter struct {
	Match     map[string]any
	OrderBy   string
	Ascending bool
}

// Session identifies the authenticated actor, if any.
type Session struct {
	ActorID string `json:"actor_id"`
	Token   string `json:"token,omitempty"`
}

// Gateway is the opaque backend the core reconciles against. Query and
// Mutate decode the backend's authoritative responses into dest, which
// must be a pointer; Mutate accepts a nil dest when the echo is not
// needed (deletes). Invoke runs a named server-side procedure whose
// authorization cannot be replicated on the client.
type Gateway interface {
	Query(ctx context.Context, resource string, f Filter, dest any) error
	Mutate(ctx context.Context, resource string, op Op, payload, dest any) error
	Invoke(ctx context.Context, proc string, args, dest any) error
	Subscribe(ctx context.Context, resource, actor string) (*Subscription, error)
	Session(ctx context.Context) (*Session, error)
}

// Raw is a record payload still in wire form, bound to the codec that
// produced it. Managers decode events into their own record types at the
// point of application.
type Raw struct {
	data []byte
	dec  codec.Unmarshaler
}

// NewRaw binds payload bytes to their codec.
func NewRaw(data []byte, dec codec.Unmarshaler) Raw {
	return Raw{data: data, dec: dec}
}

// IsZero reports whether the payload is absent.
func (r Raw) IsZero() bool {
	return len(r.data) == 0
}

// ErrNoPayload is returned when decoding an absent payload.
var ErrNoPayload = errors.New("gateway: no payload")

// Decode unmarshals the payload into dest.
func (r Raw) Decode(dest any) error {
	if r.IsZero() {
		return ErrNoPayload
	}
	return r.dec.Unmarshal(r.data, dest)
}

// Event is one change notification from the realtime feed. New carries
// the record after the change, Old the record before it; either may be
// absent depending on the action.
type Event struct {
	Action Action
	New    Raw
	Old    Raw
}

// Subscription is one realtime channel. The Events channel is closed
// when the channel dies or Unsubscribe is called; Err reports why a
// channel closed on its own.
type Subscription struct {
	events chan Event

	mu     sync.Mutex
	closed bool
	err    error

	unsub func()
	once  sync.Once
}

// NewSubscription is used by Gateway implementations. unsub tells the
// transport to release the remote channel; it may be nil.
func NewSubscription(buffer int, unsub func()) *Subscription {
	return &Subscription{
		events: make(chan Event, buffer),
		unsub:  unsub,
	}
}

// Events returns the channel change notifications arrive on.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Publish delivers an event to the consumer. It never blocks; false
// means the event was dropped because the subscription is closed or the
// buffer is full.
func (s *Subscription) Publish(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Fail closes the subscription recording the reason. Safe to call more
// than once; the first reason wins.
func (s *Subscription) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
}

// Err reports why the subscription closed, or nil.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe releases the remote channel and closes the event stream.
// Idempotent.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.unsub != nil {
			s.unsub()
		}
		s.Fail(nil)
	})
}
