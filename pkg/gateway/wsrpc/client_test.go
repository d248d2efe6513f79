package wsrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/taskdeck.go/pkg/gateway"
	"github.com/taskdeck/taskdeck.go/pkg/logger"
)

// testServer speaks the wire protocol over JSON for one client
// connection at a time.
type testServer struct {
	t      *testing.T
	srv    *httptest.Server
	handle func(method string, params json.RawMessage) (any, *Error)

	mu   sync.Mutex
	conn *gorilla.Conn
}

func newTestServer(t *testing.T, handle func(method string, params json.RawMessage) (any, *Error)) *testServer {
	t.Helper()
	ts := &testServer{t: t, handle: handle}
	upgrader := gorilla.Upgrader{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conn = conn
		ts.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				ID     string          `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			result, rpcErr := handle(req.Method, req.Params)
			ts.write(map[string]any{"id": req.ID, "result": result, "error": rpcErr})
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) write(frame any) {
	data, err := json.Marshal(frame)
	require.NoError(ts.t, err)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.NoError(ts.t, ts.conn.WriteMessage(gorilla.TextMessage, data))
}

// push sends an unsolicited notice frame.
func (ts *testServer) push(subID, action string, record any) {
	ts.write(map[string]any{"result": map[string]any{
		"subscription": subID,
		"action":       action,
		"record":       record,
	}})
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func dial(t *testing.T, ts *testServer) *Client {
	t.Helper()
	c := New(ts.url(), WithJSON(), WithLogger(logger.Nop()), WithTimeout(2*time.Second))
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestClientQuery(t *testing.T) {
	ts := newTestServer(t, func(method string, params json.RawMessage) (any, *Error) {
		require.Equal(t, "query", method)
		var p queryParams
		require.NoError(t, json.Unmarshal(params, &p))
		assert.Equal(t, "tasks", p.Resource)
		assert.Equal(t, "alice", p.Match["user_id"])
		return []map[string]any{{"id": "t1", "title": "hello"}}, nil
	})
	c := dial(t, ts)

	var got []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	f := gateway.Filter{Match: map[string]any{"user_id": "alice"}}
	require.NoError(t, c.Query(context.Background(), "tasks", f, &got))
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].ID)
}

func TestClientMutateRejected(t *testing.T) {
	ts := newTestServer(t, func(method string, params json.RawMessage) (any, *Error) {
		return nil, &Error{Code: CodeForbidden, Message: "not yours"}
	})
	c := dial(t, ts)

	err := c.Mutate(context.Background(), "tasks", gateway.OpUpdate, map[string]any{"id": "t1"}, nil)
	require.Error(t, err)
	var rejection *Error
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, CodeForbidden, rejection.Code)
	assert.Contains(t, rejection.Message, "not yours")
}

func TestClientSession(t *testing.T) {
	t.Run("signed in", func(t *testing.T) {
		ts := newTestServer(t, func(method string, params json.RawMessage) (any, *Error) {
			require.Equal(t, "session", method)
			return map[string]any{"actor_id": "alice"}, nil
		})
		c := dial(t, ts)

		s, err := c.Session(context.Background())
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, "alice", s.ActorID)
	})

	t.Run("signed out returns nil", func(t *testing.T) {
		ts := newTestServer(t, func(method string, params json.RawMessage) (any, *Error) {
			return nil, nil
		})
		c := dial(t, ts)

		s, err := c.Session(context.Background())
		require.NoError(t, err)
		assert.Nil(t, s)
	})
}

func TestClientSubscribe(t *testing.T) {
	var mu sync.Mutex
	unsubscribed := ""
	ts := newTestServer(t, func(method string, params json.RawMessage) (any, *Error) {
		switch method {
		case "subscribe":
			return "sub-1", nil
		case "unsubscribe":
			var p unsubscribeParams
			_ = json.Unmarshal(params, &p)
			mu.Lock()
			unsubscribed = p.ID
			mu.Unlock()
			return nil, nil
		default:
			return nil, &Error{Code: CodeBadRequest, Message: "unexpected " + method}
		}
	})
	c := dial(t, ts)

	sub, err := c.Subscribe(context.Background(), "tasks", "alice")
	require.NoError(t, err)

	ts.push("sub-1", "CREATE", map[string]any{"id": "t1", "title": "hello"})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, gateway.ActionCreate, ev.Action)
		var rec struct {
			ID string `json:"id"`
		}
		require.NoError(t, ev.New.Decode(&rec))
		assert.Equal(t, "t1", rec.ID)
		assert.True(t, ev.Old.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	// Notices for unknown subscriptions are dropped without closing
	// anything.
	ts.push("sub-unknown", "CREATE", map[string]any{"id": "t2"})

	sub.Unsubscribe()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return unsubscribed == "sub-1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientConnectionLoss(t *testing.T) {
	ts := newTestServer(t, func(method string, params json.RawMessage) (any, *Error) {
		return "sub-1", nil
	})
	c := dial(t, ts)

	sub, err := c.Subscribe(context.Background(), "tasks", "alice")
	require.NoError(t, err)

	// httptest's CloseClientConnections skips hijacked connections, so
	// sever the websocket directly.
	ts.mu.Lock()
	require.NoError(t, ts.conn.Close())
	ts.mu.Unlock()

	select {
	case _, open := <-sub.Events():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not failed")
	}
	require.Eventually(t, func() bool {
		return sub.Err() != nil
	}, time.Second, 10*time.Millisecond)

	err = c.Query(context.Background(), "tasks", gateway.Filter{}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClientClose(t *testing.T) {
	ts := newTestServer(t, func(method string, params json.RawMessage) (any, *Error) {
		return nil, nil
	})
	c := dial(t, ts)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background())) // idempotent

	err := c.Query(context.Background(), "tasks", gateway.Filter{}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}
