// Package codec implements the pluggable payload serialization contract:
// serialize/deserialize typed payloads to/from byte buffers, parameterized
// per call site by a caller codec and a responder codec.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/protobuf/proto"
)

// Codec serializes and deserializes payloads of a single wire
// representation. Implementations must be safe for concurrent use; a
// Codec's methods may be called from concurrent goroutines.
type Codec interface {
	// Name identifies the codec on the wire (content-subtype); lowercase,
	// static across calls.
	Name() string
	// Marshal returns the wire bytes for v.
	Marshal(v interface{}) ([]byte, error)
	// Unmarshal parses bytes into v. v must be a pointer.
	Unmarshal(data []byte, v interface{}) error
}

// ErrDecodeFailed wraps a codec's Unmarshal failure, mapped to
// codes.Internal at the call boundary.
type ErrDecodeFailed struct {
	Codec string
	Cause error
}

func (e *ErrDecodeFailed) Error() string {
	return fmt.Sprintf("codec %s: decode failed: %v", e.Codec, e.Cause)
}

func (e *ErrDecodeFailed) Unwrap() error { return e.Cause }

// JSON is the default self-describing codec: records/lists/maps/primitives
// via encoding/json, needing no schema registration ahead of time.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &ErrDecodeFailed{Codec: "json", Cause: err}
	}
	return nil
}

// Proto is a schema-defined binary codec for proto.Message payloads; any
// call site may substitute it for JSON via CallOptions/MethodRegistration.
var Proto Codec = protoCodec{}

type protoCodec struct{}

func (protoCodec) Name() string { return "proto" }

func (protoCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("codec proto: %T does not implement proto.Message", v)
	}
	return proto.Marshal(m)
}

func (protoCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(proto.Message)
	if !ok {
		return &ErrDecodeFailed{Codec: "proto", Cause: fmt.Errorf("%T does not implement proto.Message", v)}
	}
	if err := proto.Unmarshal(data, m); err != nil {
		return &ErrDecodeFailed{Codec: "proto", Cause: err}
	}
	return nil
}

// registry holds the named codecs, keyed by lowercase content-subtype.
var (
	mu       sync.RWMutex
	registry = map[string]Codec{
		JSON.Name():  JSON,
		Proto.Name(): Proto,
	}
)

// Register adds c to the package-level registry, keyed by its lowercased
// Name(). Intended for init()-time use.
func Register(c Codec) {
	if c == nil {
		panic("codec: cannot register a nil Codec")
	}
	name := strings.ToLower(c.Name())
	if name == "" {
		panic("codec: cannot register a Codec with an empty Name()")
	}
	mu.Lock()
	registry[name] = c
	mu.Unlock()
}

// Lookup returns the registered Codec for name (case-insensitive), or nil.
func Lookup(name string) Codec {
	mu.RLock()
	defer mu.RUnlock()
	return registry[strings.ToLower(name)]
}
