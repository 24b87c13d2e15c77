package nimbus

import (
	"context"
	"io"
	"sync"

	"github.com/nimbusrpc/nimbus/codes"
	"github.com/nimbusrpc/nimbus/log"
	"github.com/nimbusrpc/nimbus/metadata"
	"github.com/nimbusrpc/nimbus/status"
	"github.com/nimbusrpc/nimbus/transport"
)

// BidiStream is the symmetric handle both sides of a Kind Bidi call use:
// either side may Send, Recv, and CloseSend independently of the other.
type BidiStream interface {
	Send(item interface{}) error
	// Recv returns io.EOF once the peer has finished sending: an OK
	// trailer, or the peer's half-close (CloseSend). A non-OK trailer is
	// returned as its status error.
	Recv() (interface{}, error)
	// CloseSend half-closes this side's outbound direction. Idempotent.
	CloseSend() error
	Context() context.Context
}

// bidiStream is shared by both the caller and responder side of a Kind Bidi
// call. Which side it's playing determines which half of the call's
// CodecPair applies in each direction: a caller sends with Request and
// receives with Response, a responder does the reverse (mirroring
// handleUnary/CallUnary's convention elsewhere in this package). Only the
// responder side has a registered method, so only it can decode inbound
// items into a concrete type via newItem; the caller side decodes into a
// generic interface{} unless CallOptions.NewResponse supplied a factory.
type bidiStream struct {
	c           *call
	inbound     <-chan transport.Message
	isResponder bool
	newItem     func() interface{}

	sendMu     sync.Mutex
	sendClosed bool

	eofSeen  bool
	finalErr error
}

func (s *bidiStream) Context() context.Context { return s.c.ctx }

func (s *bidiStream) Send(item interface{}) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return status.Error(codes.FailedPrecondition, "bidi stream: already finished sending")
	}
	sendCodec := s.c.codecs.Request
	if s.isResponder {
		sendCodec = s.c.codecs.Response
	}
	payload, err := sendCodec.Marshal(item)
	if err != nil {
		return status.Error(codes.Internal, "request codec: "+err.Error())
	}
	if err := s.c.tr.SendMessage(s.c.streamID, payload, false); err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	return nil
}

func (s *bidiStream) CloseSend() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return nil
	}
	s.sendClosed = true
	if err := s.c.tr.FinishSending(s.c.streamID); err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	s.c.setState(StateHalfClosedLocal)
	return nil
}

// Recv applies the termination rule: the stream ends for this side once
// the peer's trailer or its half-close (an empty end-of-stream payload) is
// observed, regardless of how many items were already delivered. A payload
// that arrives bundled with the peer's own end_of_stream is still handed to
// the caller before the next Recv reports io.EOF.
func (s *bidiStream) Recv() (interface{}, error) {
	if s.eofSeen {
		return nil, s.finalErr
	}
	for {
		select {
		case <-s.c.ctx.Done():
			if s.c.ctx.Err() == context.DeadlineExceeded {
				return nil, status.Error(codes.DeadlineExceeded, "deadline exceeded")
			}
			return nil, status.Error(codes.Cancelled, "call cancelled")
		case msg, ok := <-s.inbound:
			if !ok {
				return nil, status.Error(codes.Unavailable, "transport closed mid-stream")
			}
			if msg.Kind == transport.KindMetadata {
				if msg.EndOfStream {
					s.c.setState(StateClosed)
					s.eofSeen = true
					if err := statusFromTrailer(msg.MD); err != nil {
						s.finalErr = err
						return nil, err
					}
					s.finalErr = io.EOF
					return nil, io.EOF
				}
				continue
			}
			if msg.EndOfStream && len(msg.Bytes) == 0 {
				// The peer half-closed (FinishSending); there is no item to decode.
				s.eofSeen = true
				s.finalErr = io.EOF
				return nil, io.EOF
			}
			recvCodec := s.c.codecs.Response
			if s.isResponder {
				recvCodec = s.c.codecs.Request
			}
			var item interface{}
			if s.newItem != nil {
				item = s.newItem()
				if err := recvCodec.Unmarshal(msg.Bytes, item); err != nil {
					return nil, status.Error(codes.Internal, "response codec: "+err.Error())
				}
			} else if err := recvCodec.Unmarshal(msg.Bytes, &item); err != nil {
				return nil, status.Error(codes.Internal, "response codec: "+err.Error())
			}
			if msg.EndOfStream {
				s.eofSeen = true
				s.finalErr = io.EOF
			}
			return item, nil
		}
	}
}

// CallBidiStream opens a bidi call: send initial metadata and hand back
// the same BidiStream handle the responder side uses, so both ends drive
// the same Send/Recv/CloseSend protocol.
func CallBidiStream(ctx context.Context, tr transport.Transport, service, method string, opts CallOptions, logger *log.Logger) (BidiStream, error) {
	streamID, err := tr.CreateStream()
	if err != nil {
		return nil, err
	}
	c := newCall(streamID, service, method, Bidi, tr, opts.Codecs, ctx, logger)
	if err := tr.SendMetadata(streamID, requestMetadata(ctx, service, method, opts.Authority), false); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	c.setState(StateInitiated)
	return &bidiStream{c: c, inbound: tr.MessagesFor(streamID), newItem: opts.NewResponse}, nil
}

// handleBidiStream is the responder half of a bidi call. Once the handler
// returns we send the trailer immediately
// even if the caller's inbound direction is still open; any further
// messages the caller sends for this stream stay unread in the transport's
// per-stream channel and are discarded when the caller's own end_of_stream
// lets the transport release the ID. The caller sees no error for them.
func handleBidiStream(c *call, m *method) {
	stream := &bidiStream{c: c, inbound: c.tr.MessagesFor(c.streamID), isResponder: true, newItem: m.newRequest}
	if err := c.tr.SendMetadata(c.streamID, metadata.ForServerInitial(), false); err != nil {
		return
	}

	if err := m.bidi(c.ctx, stream); err != nil {
		s := status.Convert(err)
		c.abort(s.Code(), s.Message())
		return
	}

	if err := c.tr.SendMetadata(c.streamID, metadata.ForTrailer(uint32(codes.OK), ""), true); err != nil {
		c.log.Debug("trailer flush failed", log.Err(err))
		return
	}
	c.setState(StateClosed)
}
