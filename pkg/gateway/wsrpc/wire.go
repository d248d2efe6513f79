package wsrpc

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	gorilla "github.com/gorilla/websocket"

	"github.com/taskdeck/taskdeck.go/pkg/codec"
)

// Error is a request rejection reported by the backend.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Well-known rejection codes.
const (
	CodeBadRequest      = 400
	CodeUnauthenticated = 401
	CodeForbidden       = 403
	CodeNotFound        = 404
	CodeConflict        = 409
	CodeInternal        = 500
)

func (e *Error) Error() string {
	return fmt.Sprintf("wsrpc: backend rejected request (code %d): %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	if target == nil {
		return e == nil
	}
	_, ok := target.(*Error)
	return ok
}

// request is one outgoing RPC frame.
type request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// envelope is one incoming frame, normalized across codecs. A frame
// with an ID answers a pending request; one without carries a
// subscription notice in Result.
type envelope struct {
	ID     string
	Err    *Error
	Result []byte
}

// notice is one realtime change pushed by the backend.
type notice struct {
	Subscription string
	Action       string
	Record       []byte
	Before       []byte
}

// frameCodec binds a wire codec to the raw-message plumbing each
// encoding needs for deferred decoding.
type frameCodec interface {
	codec.Codec
	messageType() int
	decodeEnvelope(data []byte) (envelope, error)
	decodeNotice(result []byte) (notice, error)
}

type jsonFrames struct{ codec.JSON }

func (jsonFrames) messageType() int { return gorilla.TextMessage }

func (jsonFrames) decodeEnvelope(data []byte) (envelope, error) {
	var f struct {
		ID     string          `json:"id,omitempty"`
		Error  *Error          `json:"error,omitempty"`
		Result json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return envelope{}, err
	}
	return envelope{ID: f.ID, Err: f.Error, Result: f.Result}, nil
}

func (jsonFrames) decodeNotice(result []byte) (notice, error) {
	var n struct {
		Subscription string          `json:"subscription"`
		Action       string          `json:"action"`
		Record       json.RawMessage `json:"record,omitempty"`
		Before       json.RawMessage `json:"before,omitempty"`
	}
	if err := json.Unmarshal(result, &n); err != nil {
		return notice{}, err
	}
	return notice{Subscription: n.Subscription, Action: n.Action, Record: n.Record, Before: n.Before}, nil
}

type cborFrames struct{ codec.CBOR }

func (cborFrames) messageType() int { return gorilla.BinaryMessage }

func (cborFrames) decodeEnvelope(data []byte) (envelope, error) {
	var f struct {
		ID     string          `json:"id,omitempty"`
		Error  *Error          `json:"error,omitempty"`
		Result cbor.RawMessage `json:"result,omitempty"`
	}
	if err := cbor.Unmarshal(data, &f); err != nil {
		return envelope{}, err
	}
	return envelope{ID: f.ID, Err: f.Error, Result: f.Result}, nil
}

func (cborFrames) decodeNotice(result []byte) (notice, error) {
	var n struct {
		Subscription string          `json:"subscription"`
		Action       string          `json:"action"`
		Record       cbor.RawMessage `json:"record,omitempty"`
		Before       cbor.RawMessage `json:"before,omitempty"`
	}
	if err := cbor.Unmarshal(result, &n); err != nil {
		return notice{}, err
	}
	return notice{Subscription: n.Subscription, Action: n.Action, Record: n.Record, Before: n.Before}, nil
}

// wire parameter shapes.

type queryParams struct {
	Resource  string         `json:"resource"`
	Match     map[string]any `json:"match,omitempty"`
	OrderBy   string         `json:"order_by,omitempty"`
	Ascending bool           `json:"ascending,omitempty"`
}

type mutateParams struct {
	Resource string `json:"resource"`
	Op       string `json:"op"`
	Record   any    `json:"record,omitempty"`
}

type invokeParams struct {
	Proc string `json:"proc"`
	Args any    `json:"args,omitempty"`
}

type subscribeParams struct {
	Resource string `json:"resource"`
	Actor    string `json:"actor"`
}

type unsubscribeParams struct {
	ID string `json:"id"`
}
