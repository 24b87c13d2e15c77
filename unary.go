package nimbus

import (
	"context"

	"github.com/nimbusrpc/nimbus/codes"
	"github.com/nimbusrpc/nimbus/log"
	"github.com/nimbusrpc/nimbus/metadata"
	"github.com/nimbusrpc/nimbus/status"
	"github.com/nimbusrpc/nimbus/transport"
)

// CallUnary performs a unary call: create a stream, send request metadata
// and exactly one framed request payload with end_of_stream, then await
// exactly one response payload and a trailer, decoding it into resp.
func CallUnary(ctx context.Context, tr transport.Transport, service, method string, req, resp interface{}, opts CallOptions, logger *log.Logger) error {
	ctx, cancel := withCallDeadline(ctx, opts.Deadline, DefaultUnaryTimeout)
	defer cancel()

	streamID, err := tr.CreateStream()
	if err != nil {
		return err
	}
	c := newCall(streamID, service, method, Unary, tr, opts.Codecs, ctx, logger)
	stop := c.watchDeadline()
	defer stop()

	reqBytes, err := c.codecs.Request.Marshal(req)
	if err != nil {
		c.abort(codes.Internal, "request codec: "+err.Error())
		return status.Error(codes.Internal, "request codec: "+err.Error())
	}
	if err := tr.SendMetadata(streamID, requestMetadata(ctx, service, method, opts.Authority), false); err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	if err := tr.SendMessage(streamID, reqBytes, true); err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	c.setState(StateHalfClosedLocal)

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
						return status.Error(codes.Internal, "unary call completed without a response payload")
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

// handleUnary is the responder half of a unary call. The request's initial
// metadata was already consumed by the dispatcher from Incoming();
// handleUnary reads the remainder via tr.MessagesFor.
func handleUnary(c *call, m *method) {
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
				c.abort(codes.InvalidArgument, "unary call received a second request payload")
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

	stopWatch := c.watchPeerCancel(inbound)
	resp, err := m.unary(c.ctx, req)
	stopWatch()
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
	if err := c.tr.SendMetadata(c.streamID, metadata.ForServerInitial(), false); err != nil {
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
