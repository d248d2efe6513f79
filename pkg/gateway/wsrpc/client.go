// Package wsrpc implements gateway.Gateway over a websocket RPC
// connection. Requests and responses are correlated by id; frames
// without an id carry realtime change notices which are fanned out to
// the subscription they name.
package wsrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"

	"github.com/taskdeck/taskdeck.go/pkg/gateway"
	"github.com/taskdeck/taskdeck.go/pkg/logger"
)

const (
	// DefaultTimeout bounds how long a request waits for its response
	// after a successful write.
	DefaultTimeout = 30 * time.Second

	// subscriptionBuffer is how many notices a slow consumer may lag
	// before events are dropped.
	subscriptionBuffer = 64

	closeMessageCode = 1000
)

var (
	// ErrTimeout is returned when a response does not arrive in time.
	ErrTimeout = errors.New("wsrpc: request timed out")

	// ErrClosed is returned when the connection is gone.
	ErrClosed = errors.New("wsrpc: connection closed")
)

// DefaultDialer is the gorilla dialer used unless WithDialer overrides
// it.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
}

// Option configures a Client.
type Option func(c *Client)

// WithLogger sets the connection logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithTimeout sets the per-request response timeout. Zero disables it;
// callers then bound requests with their own context deadlines.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithJSON switches the wire encoding from CBOR to JSON.
func WithJSON() Option {
	return func(c *Client) { c.fc = jsonFrames{} }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *gorilla.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// Client is a websocket-backed gateway.Gateway. All methods are safe
// for concurrent use once Connect has returned.
type Client struct {
	url     string
	fc      frameCodec
	log     logger.Logger
	timeout time.Duration
	dialer  *gorilla.Dialer

	conn    *gorilla.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan envelope
	subs     map[string]*gateway.Subscription
	closed   bool
	closeErr error

	closeCh chan struct{}
}

var _ gateway.Gateway = (*Client)(nil)

// New creates a Client for the given websocket URL. The connection is
// not established until Connect.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:     url,
		fc:      cborFrames{},
		log:     logger.Nop(),
		timeout: DefaultTimeout,
		dialer:  DefaultDialer,
		pending: make(map[string]chan envelope),
		subs:    make(map[string]*gateway.Subscription),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the backend and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	conn, res, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("wsrpc: dial %s: %w", c.url, err)
	}
	defer res.Body.Close()

	c.conn = conn
	go c.readLoop()
	return nil
}

// Close sends a close frame and tears the connection down. Pending
// requests and live subscriptions fail with ErrClosed. The context
// bounds the close handshake only; local teardown always happens.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeErr = ErrClosed
	c.mu.Unlock()
	close(c.closeCh)

	writeErr := make(chan error, 1)
	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		writeErr <- c.conn.WriteMessage(gorilla.CloseMessage,
			gorilla.FormatCloseMessage(closeMessageCode, ""))
	}()
	select {
	case err := <-writeErr:
		if err != nil {
			c.log.Warn("close frame write failed", "error", err)
		}
	case <-ctx.Done():
	}

	err := c.conn.Close()
	c.failAll(ErrClosed)
	return err
}

// Query implements gateway.Gateway.
func (c *Client) Query(ctx context.Context, resource string, f gateway.Filter, dest any) error {
	return c.call(ctx, "query", queryParams{
		Resource:  resource,
		Match:     f.Match,
		OrderBy:   f.OrderBy,
		Ascending: f.Ascending,
	}, dest)
}

// Mutate implements gateway.Gateway.
func (c *Client) Mutate(ctx context.Context, resource string, op gateway.Op, payload, dest any) error {
	return c.call(ctx, "mutate", mutateParams{
		Resource: resource,
		Op:       string(op),
		Record:   payload,
	}, dest)
}

// Invoke implements gateway.Gateway.
func (c *Client) Invoke(ctx context.Context, proc string, args, dest any) error {
	return c.call(ctx, "invoke", invokeParams{Proc: proc, Args: args}, dest)
}

// Session implements gateway.Gateway. A nil session with a nil error
// means nobody is signed in.
func (c *Client) Session(ctx context.Context) (*gateway.Session, error) {
	var s *gateway.Session
	if err := c.call(ctx, "session", nil, &s); err != nil {
		return nil, err
	}
	return s, nil
}

// Subscribe implements gateway.Gateway. The returned subscription is
// keyed by the id the backend assigns to the feed.
func (c *Client) Subscribe(ctx context.Context, resource, actor string) (*gateway.Subscription, error) {
	var subID string
	if err := c.call(ctx, "subscribe", subscribeParams{Resource: resource, Actor: actor}, &subID); err != nil {
		return nil, err
	}
	if subID == "" {
		return nil, errors.New("wsrpc: backend returned empty subscription id")
	}

	sub := gateway.NewSubscription(subscriptionBuffer, func() {
		c.unsubscribe(subID)
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Fail(ErrClosed)
		return nil, ErrClosed
	}
	c.subs[subID] = sub
	c.mu.Unlock()
	return sub, nil
}

// unsubscribe releases a remote feed. Failures are logged only; the
// local subscription is already closed by the time this runs.
func (c *Client) unsubscribe(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout())
	defer cancel()
	if err := c.call(ctx, "unsubscribe", unsubscribeParams{ID: id}, nil); err != nil {
		c.log.Warn("unsubscribe failed", "subscription", id, "error", err)
	}
}

func (c *Client) requestTimeout() time.Duration {
	if c.timeout > 0 {
		return c.timeout
	}
	return DefaultTimeout
}

// call sends one request and decodes its response into dest. A nil
// dest discards the result. An empty result leaves dest untouched.
func (c *Client) call(ctx context.Context, method string, params, dest any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := uuid.NewString()
	ch, err := c.addPending(id)
	if err != nil {
		return err
	}
	defer c.removePending(id)

	if err := c.write(request{ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("wsrpc: write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	case <-c.closeCh:
		return c.closeReason()
	case env, open := <-ch:
		if !open {
			return c.closeReason()
		}
		if env.Err != nil {
			return env.Err
		}
		if dest == nil || len(env.Result) == 0 {
			return nil
		}
		if err := c.fc.Unmarshal(env.Result, dest); err != nil {
			return fmt.Errorf("wsrpc: decode %s result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) addPending(id string) (chan envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.closeErr
	}
	if _, ok := c.pending[id]; ok {
		return nil, fmt.Errorf("wsrpc: request id already in use: %s", id)
	}
	ch := make(chan envelope, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Client) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrClosed
}

func (c *Client) write(v any) error {
	data, err := c.fc.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(c.fc.messageType(), data)
}

func (c *Client) readLoop() {
	for {
		select {
		case <-c.closeCh:
			return
		default:
		}

		// Read errors on a websocket are permanent; the first one ends
		// the connection.
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) handleReadError(err error) {
	c.mu.Lock()
	if c.closed {
		// Deliberate Close; failAll already ran there.
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = fmt.Errorf("%w: %v", ErrClosed, err)
	c.mu.Unlock()
	close(c.closeCh)
	c.log.Warn("connection lost", "error", err)
	c.failAll(c.closeReason())
}

func (c *Client) dispatch(data []byte) {
	env, err := c.fc.decodeEnvelope(data)
	if err != nil {
		c.log.Error("undecodable frame", "error", err)
		return
	}

	if env.ID != "" {
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		c.mu.Unlock()
		if !ok {
			c.log.Warn("response for unknown request", "id", env.ID)
			return
		}
		ch <- env
		return
	}

	n, err := c.fc.decodeNotice(env.Result)
	if err != nil {
		c.log.Error("undecodable notice", "error", err)
		return
	}

	c.mu.Lock()
	sub, ok := c.subs[n.Subscription]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("notice for unknown subscription", "subscription", n.Subscription)
		return
	}

	ev := gateway.Event{
		Action: gateway.Action(n.Action),
		New:    gateway.NewRaw(n.Record, c.fc),
		Old:    gateway.NewRaw(n.Before, c.fc),
	}
	if !sub.Publish(ev) {
		c.log.Warn("notice dropped, consumer lagging", "subscription", n.Subscription, "action", n.Action)
	}
}

// failAll resolves every pending request and live subscription with
// err.
func (c *Client) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	subs := c.subs
	c.pending = make(map[string]chan envelope)
	c.subs = make(map[string]*gateway.Subscription)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, sub := range subs {
		sub.Fail(err)
	}
}
