// Package codec defines the wire codec used to encode gateway payloads.
//
// The synchronization core never assumes a concrete wire format: record
// payloads travel as raw bytes bound to the Unmarshaler that produced them,
// and are decoded into typed records at the edge. Two codecs are provided,
// CBOR (the default transport wire) and JSON (human-readable, used by tests
// and debugging tools).
package codec

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

// Marshaler encodes a value into wire bytes.
type Marshaler interface {
	Marshal(v any) ([]byte, error)
}

// Unmarshaler decodes wire bytes into a value.
type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
}

// Codec is a symmetric Marshaler/Unmarshaler pair.
type Codec interface {
	Marshaler
	Unmarshaler
}

// JSON is a Codec backed by encoding/json.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSON) Unmarshal(data []byte, dst any) error { return json.Unmarshal(data, dst) }

// CBOR is a Codec backed by fxamacker/cbor.
type CBOR struct{}

func (CBOR) Marshal(v any) ([]byte, error) { return cbor.Marshal(v) }

func (CBOR) Unmarshal(data []byte, dst any) error { return cbor.Unmarshal(data, dst) }
