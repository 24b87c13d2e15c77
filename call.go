// Package nimbus implements the caller/responder call state machines for
// the four call shapes, and the endpoint/dispatcher that owns a transport:
// call plumbing at the top level, with focused leaf packages for
// cross-cutting concerns (codec, frame, metadata, status, transport).
package nimbus

import (
	"context"
	"sync"
	"time"

	"github.com/nimbusrpc/nimbus/codec"
	"github.com/nimbusrpc/nimbus/codes"
	"github.com/nimbusrpc/nimbus/log"
	"github.com/nimbusrpc/nimbus/metadata"
	"github.com/nimbusrpc/nimbus/status"
	"github.com/nimbusrpc/nimbus/transport"
)

// Kind identifies one of the four call shapes.
type Kind int

const (
	Unary Kind = iota
	ServerStream
	ClientStream
	Bidi
)

func (k Kind) String() string {
	switch k {
	case Unary:
		return "unary"
	case ServerStream:
		return "server_stream"
	case ClientStream:
		return "client_stream"
	case Bidi:
		return "bidi"
	default:
		return "unknown"
	}
}

// State is a call's lifecycle position.
type State int

const (
	StateCreated State = iota
	StateInitiated
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

// CodecPair binds the request and response codecs a call site uses; the
// caller and responder may use independently substituted codecs.
type CodecPair struct {
	Request  codec.Codec
	Response codec.Codec
}

func (p CodecPair) withDefaults() CodecPair {
	if p.Request == nil {
		p.Request = codec.JSON
	}
	if p.Response == nil {
		p.Response = codec.JSON
	}
	return p
}

// DefaultUnaryTimeout applies to unary calls that set no deadline of their
// own, overridable per call (CallOptions.Deadline). A registered method's
// Timeout bounds the responder's handler separately and does not change
// this caller-side default.
const DefaultUnaryTimeout = 30 * time.Second

// DefaultInboundQueueDepth is the per-call inbound queue depth (64). The
// call state machines do not read it: the bound is applied by the
// transport, which for the in-process pair is
// transport.Options.InboundQueueDepth (default transport.DefaultInboundQueueDepth,
// the same value).
const DefaultInboundQueueDepth = 64

// CallOptions customizes one outbound call.
type CallOptions struct {
	// Deadline bounds this call; only CallUnary reads it (streaming calls
	// take their deadline from ctx). Zero means DefaultUnaryTimeout. The
	// deadline travels to the responder as grpc-timeout, where a method's
	// registered Timeout also applies; whichever expires first wins.
	Deadline  time.Time
	Codecs    CodecPair
	Authority string
	// NewResponse, if set, is used by a streaming caller (CallServerStream,
	// CallBidiStream) to allocate a concrete decode target for each
	// received item. Left nil, received items decode into a generic
	// interface{} via the response codec.
	NewResponse func() interface{}
}

// call is the shared bookkeeping every shape's caller/responder side embeds:
// one stream ID, one state, one cancellation path. It is not exported;
// each shape builds its protocol on top of it.
type call struct {
	streamID uint32
	service  string
	method   string
	kind     Kind
	tr       transport.Transport
	codecs   CodecPair
	log      *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
}

func newCall(streamID uint32, service, method string, kind Kind, tr transport.Transport, codecs CodecPair, parent context.Context, logger *log.Logger) *call {
	ctx, cancel := context.WithCancel(parent)
	if logger == nil {
		logger = log.Nop()
	}
	return &call{
		streamID: streamID,
		service:  service,
		method:   method,
		kind:     kind,
		tr:       tr,
		codecs:   codecs.withDefaults(),
		log: logger.With(
			log.Uint32("stream_id", streamID),
			log.String("service", service),
			log.String("method", method),
			log.String("kind", kind.String()),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *call) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *call) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// abort transitions the call to Closed and, unless already half-closed
// locally, sends a best-effort terminal trailer carrying code. A failed
// flush is logged, not returned: the terminal trailer is best-effort and a
// dead transport is allowed to swallow it.
func (c *call) abort(code codes.Code, message string) {
	// Closed must be visible before cancel wakes watchDeadline, or the
	// generic cancellation trailer races the one being sent here.
	c.mu.Lock()
	prev := c.state
	c.state = StateClosed
	c.mu.Unlock()
	c.cancel()
	if prev == StateHalfClosedLocal || prev == StateClosed {
		return
	}
	if err := c.tr.SendMetadata(c.streamID, metadata.ForTrailer(uint32(code), message), true); err != nil {
		c.log.Debug("trailer flush on abort failed", log.Err(err))
	}
}

// watchDeadline spawns the goroutine that turns context expiry into a
// cancellation carrying DEADLINE_EXCEEDED. It returns a stop function to
// call once the call finishes normally.
func (c *call) watchDeadline() (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-c.ctx.Done():
			if c.getState() != StateClosed {
				if c.ctx.Err() == context.DeadlineExceeded {
					c.abort(codes.DeadlineExceeded, "deadline exceeded")
				} else {
					c.abort(codes.Cancelled, "call cancelled")
				}
			}
		case <-done:
		}
	}()
	return func() { close(done) }
}

// requestMetadata builds a call's initial request headers, carrying the
// caller's deadline (if any) as grpc-timeout so the responder can cancel
// its handler task when the caller's clock runs out — a half-closed caller
// has no other way to signal it.
func requestMetadata(ctx context.Context, service, method, authority string) metadata.MD {
	md := metadata.ForClientRequest(service, method, authority)
	if deadline, ok := ctx.Deadline(); ok {
		md.Append(metadata.KeyTimeout, metadata.EncodeTimeout(time.Until(deadline)))
	}
	return md
}

// watchPeerCancel drains inbound while a responder handler runs with no
// reader of its own (unary, server-stream). A trailer arriving there means
// the caller gave up — its deadline fired or it cancelled — so the call's
// context is cancelled and the handler observes it at its next check.
// Returns a stop function to call once the handler has returned.
func (c *call) watchPeerCancel(inbound <-chan transport.Message) (stop func()) {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case msg, ok := <-inbound:
				if !ok {
					c.cancel()
					return
				}
				if msg.Kind != transport.KindMetadata {
					continue
				}
				if _, _, isTrailer := metadata.TrailerStatus(msg.MD); isTrailer {
					c.cancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// abortFromInboundTrailer terminates a responder call whose request stream
// ended in a trailer before any payload arrived — the caller gave up, or
// the transport terminated the stream (e.g. frame reassembly failure). The
// trailer's own status is echoed back so the peer sees why.
func abortFromInboundTrailer(c *call, md metadata.MD) {
	code, message, ok := metadata.TrailerStatus(md)
	if !ok || codes.Code(code) == codes.OK {
		code, message = uint32(codes.Internal), "request stream ended before a payload"
	}
	c.abort(codes.Code(code), message)
}

// statusFromTrailer converts a received trailer's grpc-status/grpc-message
// into an error, nil for OK.
func statusFromTrailer(md metadata.MD) error {
	code, message, ok := metadata.TrailerStatus(md)
	if !ok {
		return status.Error(codes.Unknown, "trailer missing grpc-status")
	}
	if codes.Code(code) == codes.OK {
		return nil
	}
	return status.Error(codes.Code(code), message)
}

func withCallDeadline(parent context.Context, deadline time.Time, fallback time.Duration) (context.Context, context.CancelFunc) {
	if !deadline.IsZero() {
		return context.WithDeadline(parent, deadline)
	}
	if fallback > 0 {
		return context.WithTimeout(parent, fallback)
	}
	return context.WithCancel(parent)
}
