package nimbus

import (
	"context"

	"github.com/nimbusrpc/nimbus/codes"
	"github.com/nimbusrpc/nimbus/log"
	"github.com/nimbusrpc/nimbus/metadata"
	"github.com/nimbusrpc/nimbus/status"
	"github.com/nimbusrpc/nimbus/transport"
)

// ServerStreamSender is the outbound sink a server-stream handler drains
// into; items reach the caller in the order they are sent. Send is safe to
// call only from the handler's own goroutine.
type ServerStreamSender interface {
	Send(item interface{}) error
	// Context is cancelled when the caller goes away or the deadline
	// expires; handlers should check it between items.
	Context() context.Context
}

type serverStreamSink struct {
	c *call
}

func (s *serverStreamSink) Context() context.Context { return s.c.ctx }

func (s *serverStreamSink) Send(item interface{}) error {
	payload, err := s.c.codecs.Response.Marshal(item)
	if err != nil {
		return status.Error(codes.Internal, "response codec: "+err.Error())
	}
	if err := s.c.tr.SendMessage(s.c.streamID, payload, false); err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	return nil
}

// ServerStreamClientReceiver is what a server-stream caller iterates: each
// call yields a decoded item or a terminal error (nil error on clean OK
// termination after the final item).
type ServerStreamClientReceiver interface {
	Recv() (interface{}, error)
}

type serverStreamClient struct {
	c       *call
	inbound <-chan transport.Message
	newItem func() interface{}
}

// Recv returns the next item, or (nil, nil) once the stream has cleanly
// ended, or (nil, err) on an error trailer/cancellation/timeout. Items
// decode via newItem when the caller supplied one (CallOptions.NewResponse)
// and as a generic interface{} otherwise.
func (r *serverStreamClient) Recv() (interface{}, error) {
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
					r.c.setState(StateClosed)
					return nil, statusFromTrailer(msg.MD)
				}
				continue
			}
			if r.newItem != nil {
				item := r.newItem()
				if err := r.c.codecs.Response.Unmarshal(msg.Bytes, item); err != nil {
					return nil, status.Error(codes.Internal, "response codec: "+err.Error())
				}
				return item, nil
			}
			var item interface{}
			if err := r.c.codecs.Response.Unmarshal(msg.Bytes, &item); err != nil {
				return nil, status.Error(codes.Internal, "response codec: "+err.Error())
			}
			return item, nil
		}
	}
}

// CallServerStream opens a server-stream call: one framed request with
// end_of_stream, then a sequence of response items ending in a trailer.
func CallServerStream(ctx context.Context, tr transport.Transport, service, method string, req interface{}, opts CallOptions, logger *log.Logger) (ServerStreamClientReceiver, error) {
	streamID, err := tr.CreateStream()
	if err != nil {
		return nil, err
	}
	c := newCall(streamID, service, method, ServerStream, tr, opts.Codecs, ctx, logger)

	reqBytes, err := c.codecs.Request.Marshal(req)
	if err != nil {
		c.abort(codes.Internal, "request codec: "+err.Error())
		return nil, status.Error(codes.Internal, "request codec: "+err.Error())
	}
	if err := tr.SendMetadata(streamID, requestMetadata(ctx, service, method, opts.Authority), false); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	if err := tr.SendMessage(streamID, reqBytes, true); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	c.setState(StateHalfClosedLocal)

	return &serverStreamClient{c: c, inbound: tr.MessagesFor(streamID), newItem: opts.NewResponse}, nil
}

// handleServerStream is the responder half: pull one decoded request,
// invoke the handler with an outbound sink, then send a terminal trailer
// reflecting how the handler finished.
func handleServerStream(c *call, m *method) {
	inbound := c.tr.MessagesFor(c.streamID)
	var reqBytes []byte
	gotPayload := false

readLoop:
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			if msg.Kind == transport.KindMetadata {
				if msg.EndOfStream {
					abortFromInboundTrailer(c, msg.MD)
					return
				}
				continue
			}
			if gotPayload {
				c.abort(codes.InvalidArgument, "server-stream call received a second request payload")
				return
			}
			reqBytes = msg.Bytes
			gotPayload = true
			if msg.EndOfStream {
				break readLoop
			}
		}
	}

	req := m.newRequest()
	if err := m.codecs.Request.Unmarshal(reqBytes, req); err != nil {
		c.abort(codes.Internal, "request codec: "+err.Error())
		return
	}

	if err := c.tr.SendMetadata(c.streamID, metadata.ForServerInitial(), false); err != nil {
		return
	}

	sink := &serverStreamSink{c: c}
	stopWatch := c.watchPeerCancel(inbound)
	err := m.serverStream(c.ctx, req, sink)
	stopWatch()
	if err != nil {
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
