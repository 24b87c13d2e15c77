// Package transport implements the byte-level multiplexed channel
// abstraction and its in-process reference implementation: per-stream
// metadata/payload send, an incoming-message stream, a flow-control window,
// and close semantics.
package transport

import (
	"context"

	"github.com/nimbusrpc/nimbus/metadata"
)

// Kind distinguishes the two message shapes a Transport carries.
type Kind int

const (
	// KindMetadata carries a header or trailer.
	KindMetadata Kind = iota
	// KindPayload carries a framed application payload.
	KindPayload
)

// Message is the tagged record a Transport carries: exactly one of
// Bytes/MD is meaningful, selected by Kind.
type Message struct {
	StreamID    uint32
	Kind        Kind
	Bytes       []byte
	MD          metadata.MD
	EndOfStream bool
	// MethodPath is only meaningful on the first outbound metadata of a
	// stream.
	MethodPath string
}

// Transport is the contract external wire implementations must satisfy.
// The in-process reference implementation lives in this package;
// HTTP/2, WebSocket, and cross-process implementations are external
// collaborators.
type Transport interface {
	// CreateStream allocates a new stream ID for an outbound call.
	CreateStream() (uint32, error)
	// SendMetadata sends a header or trailer for streamID.
	SendMetadata(streamID uint32, md metadata.MD, endOfStream bool) error
	// SendMessage sends a framed payload for streamID.
	SendMessage(streamID uint32, payload []byte, endOfStream bool) error
	// FinishSending half-closes the local send side of streamID.
	FinishSending(streamID uint32) error
	// Incoming returns the transport-wide inbound message channel.
	Incoming() <-chan Message
	// MessagesFor returns the inbound message channel scoped to one stream.
	// The dispatcher uses this once it has routed a stream to its call
	// record; it is not a replacement for Incoming, which the dispatcher
	// itself consumes to discover new streams.
	MessagesFor(streamID uint32) <-chan Message
	// ReleaseStreamID is called once both directions of streamID are
	// terminal.
	ReleaseStreamID(streamID uint32)
	// Close terminates the transport, waking all waiters with
	// codes.Unavailable.
	Close() error
	// Context is cancelled when the transport closes.
	Context() context.Context
}
