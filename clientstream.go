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

// ClientStreamReceiver is the lazy inbound sequence a client-stream
// responder handler reads. Recv returns io.EOF once the caller has
// finish_sending.
type ClientStreamReceiver interface {
	Recv() (interface{}, error)
	Context() context.Context
}

type clientStreamReceiver struct {
	c       *call
	m       *method
	inbound <-chan transport.Message
	eofSeen bool
}

func (r *clientStreamReceiver) Context() context.Context { return r.c.ctx }

func (r *clientStreamReceiver) Recv() (interface{}, error) {
	if r.eofSeen {
		return nil, io.EOF
	}
	for {
		select {
		case <-r.c.ctx.Done():
			if r.c.ctx.Err() == context.DeadlineExceeded {
				return nil, status.Error(codes.DeadlineExceeded, "deadline exceeded")
			}
			return nil, status.Error(codes.Cancelled, "call cancelled")
		case msg, ok := <-r.inbound:
			if !ok {
				return nil, status.Error(codes.Unavailable, "transport closed mid-stream")
			}
			if msg.Kind == transport.KindMetadata {
				if msg.EndOfStream {
					// A trailer on the request direction means the stream was
					// terminated out from under the caller (it half-closes
					// with an empty end-of-stream payload, not a trailer).
					r.eofSeen = true
					if err := statusFromTrailer(msg.MD); err != nil {
						return nil, err
					}
					return nil, io.EOF
				}
				continue
			}
			if msg.EndOfStream && len(msg.Bytes) == 0 {
				r.eofSeen = true
				return nil, io.EOF
			}
			req := r.m.newRequest()
			if err := r.m.codecs.Request.Unmarshal(msg.Bytes, req); err != nil {
				return nil, status.Error(codes.Internal, "request codec: "+err.Error())
			}
			if msg.EndOfStream {
				r.eofSeen = true
			}
			return req, nil
		}
	}
}

// ClientStreamCaller is the caller-side handle returned by
// CallClientStream: arbitrarily many Send calls, then FinishSending, then
// Await for the single response.
type ClientStreamCaller struct {
	c *call

	mu       sync.Mutex
	finished bool
}

// CallClientStream opens a client-stream call up to (not including) the
// response: send initial metadata and return a handle for
// Send/FinishSending/Await.
func CallClientStream(ctx context.Context, tr transport.Transport, service, method string, opts CallOptions, logger *log.Logger) (*ClientStreamCaller, error) {
	streamID, err := tr.CreateStream()
	if err != nil {
		return nil, err
	}
	c := newCall(streamID, service, method, ClientStream, tr, opts.Codecs, ctx, logger)
	if err := tr.SendMetadata(streamID, requestMetadata(ctx, service, method, opts.Authority), false); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	c.setState(StateInitiated)
	return &ClientStreamCaller{c: c}, nil
}

// Send marshals and sends req as the next request item. Calling Send after
// FinishSending fails with codes.FailedPrecondition.
func (cs *ClientStreamCaller) Send(req interface{}) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.finished {
		return status.Error(codes.FailedPrecondition, "client stream: already finished sending")
	}
	payload, err := cs.c.codecs.Request.Marshal(req)
	if err != nil {
		return status.Error(codes.Internal, "request codec: "+err.Error())
	}
	if err := cs.c.tr.SendMessage(cs.c.streamID, payload, false); err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	return nil
}

// FinishSending half-closes the caller's outbound direction. It is
// idempotent: a second call is a no-op.
func (cs *ClientStreamCaller) FinishSending() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.finished {
		return nil
	}
	cs.finished = true
	if err := cs.c.tr.FinishSending(cs.c.streamID); err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	cs.c.setState(StateHalfClosedLocal)
	return nil
}

// Await blocks for the single response payload and trailer, decoding the
// response into resp.
func (cs *ClientStreamCaller) Await(resp interface{}) error {
	c := cs.c
	inbound := c.tr.MessagesFor(c.streamID)
	var responseBytes []byte
	haveResponse := false
	for {
		select {
		case <-c.ctx.Done():
			if c.ctx.Err() == context.DeadlineExceeded {
				return status.Error(codes.DeadlineExceeded, "deadline exceeded")
			}
			return status.Error(codes.Cancelled, "call cancelled")
		case msg, ok := <-inbound:
			if !ok {
				return status.Error(codes.Unavailable, "transport closed before trailer")
			}
			if msg.Kind == transport.KindMetadata {
				if msg.EndOfStream {
					c.setState(StateClosed)
					if err := statusFromTrailer(msg.MD); err != nil {
						return err
					}
					if !haveResponse {
						return status.Error(codes.Internal, "client stream completed without a response payload")
					}
					return c.codecs.Response.Unmarshal(responseBytes, resp)
				}
				continue
			}
			responseBytes = msg.Bytes
			haveResponse = true
		}
	}
}

// handleClientStream is the responder half: hand the handler a lazy Recv
// sequence; once it returns, marshal and send the single response, then a
// trailer reflecting success or failure.
func handleClientStream(c *call, m *method) {
	receiver := &clientStreamReceiver{c: c, m: m, inbound: c.tr.MessagesFor(c.streamID)}
	if err := c.tr.SendMetadata(c.streamID, metadata.ForServerInitial(), false); err != nil {
		return
	}

	resp, err := m.clientStream(c.ctx, receiver)
	if err != nil {
		s := status.Convert(err)
		c.abort(s.Code(), s.Message())
		return
	}

	respBytes, err := m.codecs.Response.Marshal(resp)
	if err != nil {
		c.abort(codes.Internal, "response codec: "+err.Error())
		return
	}
	if err := c.tr.SendMessage(c.streamID, respBytes, false); err != nil {
		return
	}
	if err := c.tr.SendMetadata(c.streamID, metadata.ForTrailer(uint32(codes.OK), ""), true); err != nil {
		c.log.Debug("trailer flush failed", log.Err(err))
		return
	}
	c.setState(StateClosed)
}
