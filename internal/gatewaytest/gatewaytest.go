// Package gatewaytest provides a scripted in-memory Gateway for tests:
// canned query results, failure injection, call counting, a gate for
// holding queries in flight, and event injection into subscriptions.
// Payloads round-trip through JSON, the same shape the real transports
// produce.
package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/taskdeck/taskdeck.go/pkg/codec"
	"github.com/taskdeck/taskdeck.go/pkg/gateway"
)

type Gateway struct {
	mu sync.Mutex

	session *gateway.Session

	queryResults map[string]any
	queryErrs    map[string]error
	queryGate    chan struct{}

	mutateErrs map[string]error
	mutateHook func(resource string, op gateway.Op, payload any) (any, error)

	invokeResults map[string]any
	invokeErrs    map[string]error

	subs  map[string]*gateway.Subscription
	calls map[string]int
}

func New() *Gateway {
	return &Gateway{
		queryResults:  make(map[string]any),
		queryErrs:     make(map[string]error),
		mutateErrs:    make(map[string]error),
		invokeResults: make(map[string]any),
		invokeErrs:    make(map[string]error),
		subs:          make(map[string]*gateway.Subscription),
		calls:         make(map[string]int),
	}
}

// SetSession scripts the Session result. nil means signed out.
func (g *Gateway) SetSession(s *gateway.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.session = s
}

// SetQueryResult scripts the records returned for a resource.
func (g *Gateway) SetQueryResult(resource string, v any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryResults[resource] = v
}

// SetQueryErr makes queries against a resource fail.
func (g *Gateway) SetQueryErr(resource string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryErrs[resource] = err
}

// SetMutateErr makes mutations against a resource fail.
func (g *Gateway) SetMutateErr(resource string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mutateErrs[resource] = err
}

// SetMutateHook overrides the default echo. Returning a value simulates
// server-side normalization of the written record.
func (g *Gateway) SetMutateHook(hook func(resource string, op gateway.Op, payload any) (any, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mutateHook = hook
}

// SetInvokeResult scripts a remote procedure's result.
func (g *Gateway) SetInvokeResult(proc string, v any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invokeResults[proc] = v
}

// SetInvokeErr makes a remote procedure fail.
func (g *Gateway) SetInvokeErr(proc string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invokeErrs[proc] = err
}

// HoldQueries blocks every Query call until the returned release func
// runs. Used to keep a refresh in flight.
func (g *Gateway) HoldQueries() (release func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gate := make(chan struct{})
	g.queryGate = gate
	return func() {
		g.mu.Lock()
		if g.queryGate == gate {
			g.queryGate = nil
		}
		g.mu.Unlock()
		close(gate)
	}
}

// Calls returns how many times a call key was hit. Keys are
// "query:<resource>", "mutate:<resource>", "invoke:<proc>",
// "subscribe:<resource>".
func (g *Gateway) Calls(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[key]
}

// Push injects a realtime event into the subscription for a resource.
func (g *Gateway) Push(resource string, ev gateway.Event) {
	g.mu.Lock()
	sub := g.subs[resource]
	g.mu.Unlock()
	if sub != nil {
		sub.Publish(ev)
	}
}

// FailSubscription closes the subscription for a resource with an error.
func (g *Gateway) FailSubscription(resource string, err error) {
	g.mu.Lock()
	sub := g.subs[resource]
	g.mu.Unlock()
	if sub != nil {
		sub.Fail(err)
	}
}

// Event builds a change event with JSON-coded payloads. newV and oldV
// may be nil.
func Event(action gateway.Action, newV, oldV any) gateway.Event {
	return gateway.Event{
		Action: action,
		New:    raw(newV),
		Old:    raw(oldV),
	}
}

func raw(v any) gateway.Raw {
	if v == nil {
		return gateway.Raw{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("gatewaytest: marshal event payload: %v", err))
	}
	return gateway.NewRaw(data, codec.JSON{})
}

func (g *Gateway) Query(ctx context.Context, resource string, f gateway.Filter, dest any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	g.calls["query:"+resource]++
	gate := g.queryGate
	err := g.queryErrs[resource]
	result, ok := g.queryResults[resource]
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	if !ok {
		result = []any{}
	}
	return roundTrip(applyMatch(result, f.Match), dest)
}

// applyMatch narrows a scripted result the way the backend would: a
// record passes when every Match field it actually carries has the
// expected value. Fields the record does not carry (server-side pseudo
// filters like visible_to) pass everything.
func applyMatch(result any, match map[string]any) any {
	if len(match) == 0 {
		return result
	}
	var records []map[string]any
	if err := roundTrip(result, &records); err != nil {
		return result
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		keep := true
		for k, want := range match {
			got, present := rec[k]
			if present && fmt.Sprint(got) != fmt.Sprint(want) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, rec)
		}
	}
	return out
}

func (g *Gateway) Mutate(ctx context.Context, resource string, op gateway.Op, payload, dest any) error {
	g.mu.Lock()
	g.calls["mutate:"+resource]++
	err := g.mutateErrs[resource]
	hook := g.mutateHook
	g.mu.Unlock()

	if err != nil {
		return err
	}

	echo := payload
	if hook != nil {
		var hookErr error
		echo, hookErr = hook(resource, op, payload)
		if hookErr != nil {
			return hookErr
		}
	}
	if dest == nil || echo == nil {
		return nil
	}
	return roundTrip(echo, dest)
}

func (g *Gateway) Invoke(ctx context.Context, proc string, args, dest any) error {
	g.mu.Lock()
	g.calls["invoke:"+proc]++
	err := g.invokeErrs[proc]
	result, ok := g.invokeResults[proc]
	g.mu.Unlock()

	if err != nil {
		return err
	}
	if dest == nil || !ok {
		return nil
	}
	return roundTrip(result, dest)
}

func (g *Gateway) Subscribe(ctx context.Context, resource, actor string) (*gateway.Subscription, error) {
	sub := gateway.NewSubscription(16, nil)
	g.mu.Lock()
	g.calls["subscribe:"+resource]++
	g.subs[resource] = sub
	g.mu.Unlock()
	return sub, nil
}

func (g *Gateway) Session(ctx context.Context) (*gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session, nil
}

// roundTrip copies src into dest through JSON, the way a wire transport
// would.
func roundTrip(src, dest any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}
