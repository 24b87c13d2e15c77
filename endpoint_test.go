package nimbus_test

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/nimbusrpc/nimbus"
	"github.com/nimbusrpc/nimbus/codes"
	"github.com/nimbusrpc/nimbus/examples"
	"github.com/nimbusrpc/nimbus/metadata"
	"github.com/nimbusrpc/nimbus/status"
	"github.com/nimbusrpc/nimbus/transport"
)

// newTestEndpoints wires the standard demonstration contracts over an
// in-process pair and returns both ends, dispatching until the test ends.
func newTestEndpoints(t *testing.T) (*nimbus.CallerEndpoint, transport.Transport) {
	t.Helper()
	callerTr, responderTr := transport.NewInProcessPair(transport.Options{}, nil)

	registry := nimbus.NewRegistry()
	for _, c := range []nimbus.Contract{
		examples.CalcContract(),
		examples.CounterContract(),
		examples.WordsContract(),
		examples.ChatContract(),
	} {
		require.NoError(t, registry.RegisterContract(c))
	}

	responder := nimbus.NewResponderEndpoint(responderTr, registry, nil, nil)
	go responder.Serve(responderTr.Context())
	t.Cleanup(func() {
		require.NoError(t, responder.Close(time.Second))
		_ = callerTr.Close()
	})

	return nimbus.NewCallerEndpoint(callerTr, nil), callerTr
}

func TestUnarySuccess(t *testing.T) {
	caller, _ := newTestEndpoints(t)

	start := time.Now()
	var sum int32
	err := caller.CallUnary(context.Background(), "Calc", "Add",
		&examples.AddRequest{A: 5, B: 3}, &sum, nimbus.CallOptions{})
	require.NoError(t, err)
	require.Equal(t, int32(8), sum)
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestUnaryDeadlineExceeded(t *testing.T) {
	caller, _ := newTestEndpoints(t)

	start := time.Now()
	var out int32
	err := caller.CallUnary(context.Background(), "Calc", "Slow",
		&examples.SlowRequest{Millis: 200}, &out,
		nimbus.CallOptions{Deadline: time.Now().Add(50 * time.Millisecond)})
	require.Error(t, err)
	require.Equal(t, codes.DeadlineExceeded, status.Convert(err).Code())
	require.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestUnaryUnknownMethodIsUnimplemented(t *testing.T) {
	caller, _ := newTestEndpoints(t)

	var out int32
	err := caller.CallUnary(context.Background(), "Calc", "Subtract",
		&examples.AddRequest{A: 5, B: 3}, &out, nimbus.CallOptions{})
	require.Error(t, err)
	require.Equal(t, codes.Unimplemented, status.Convert(err).Code())
}

func TestServerStreamDeliversInOrder(t *testing.T) {
	caller, _ := newTestEndpoints(t)

	recv, err := caller.CallServerStream(context.Background(), "Counter", "From",
		&examples.FromRequest{Start: 10, N: 5},
		nimbus.CallOptions{NewResponse: func() interface{} { return new(int32) }})
	require.NoError(t, err)

	var got []int32
	for {
		item, err := recv.Recv()
		require.NoError(t, err)
		if item == nil {
			break
		}
		got = append(got, *item.(*int32))
	}
	if diff := cmp.Diff([]int32{10, 11, 12, 13, 14}, got); diff != "" {
		t.Fatalf("stream items mismatch (-want +got):\n%s", diff)
	}
}

func TestClientStreamAggregates(t *testing.T) {
	caller, _ := newTestEndpoints(t)

	call, err := caller.CallClientStream(context.Background(), "Words", "Count", nimbus.CallOptions{})
	require.NoError(t, err)

	require.NoError(t, call.Send("hello world"))
	require.NoError(t, call.Send("foo bar baz"))
	require.NoError(t, call.FinishSending())

	err = call.Send("too late")
	require.Error(t, err)
	require.Equal(t, codes.FailedPrecondition, status.Convert(err).Code())

	// FinishSending is idempotent.
	require.NoError(t, call.FinishSending())

	var count int32
	require.NoError(t, call.Await(&count))
	require.Equal(t, int32(5), count)
}

func TestBidiInterleaveAndResponderHangup(t *testing.T) {
	caller, _ := newTestEndpoints(t)

	stream, err := caller.CallBidiStream(context.Background(), "Chat", "Connect",
		nimbus.CallOptions{NewResponse: func() interface{} { return new(string) }})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, stream.Send("ping"))
		item, err := stream.Recv()
		require.NoError(t, err)
		require.Equal(t, "pong", *item.(*string))
	}

	require.NoError(t, stream.Send("bye"))
	_, err = stream.Recv()
	require.Equal(t, io.EOF, err)

	// The responder has already hung up; a late send is tolerated, not an
	// error — the message is dropped on the responder side.
	require.NoError(t, stream.Send("ping"))
	require.NoError(t, stream.CloseSend())
}

func TestUnarySecondPayloadRejectedInvalidArgument(t *testing.T) {
	_, callerTr := newTestEndpoints(t)

	id, err := callerTr.CreateStream()
	require.NoError(t, err)
	require.NoError(t, callerTr.SendMetadata(id, metadata.ForClientRequest("Calc", "Add", ""), false))

	payload, err := json.Marshal(&examples.AddRequest{A: 1, B: 2})
	require.NoError(t, err)
	require.NoError(t, callerTr.SendMessage(id, payload, false))
	require.NoError(t, callerTr.SendMessage(id, payload, true))

	inbound := callerTr.MessagesFor(id)
	deadline := time.After(time.Second)
	for {
		select {
		case msg, ok := <-inbound:
			require.True(t, ok, "stream closed before trailer")
			if msg.Kind != transport.KindMetadata || !msg.EndOfStream {
				continue
			}
			code, _, present := metadata.TrailerStatus(msg.MD)
			require.True(t, present)
			require.Equal(t, uint32(codes.InvalidArgument), code)
			return
		case <-deadline:
			t.Fatal("timed out waiting for trailer")
		}
	}
}

func TestCallsOnDistinctStreamsDoNotInterfere(t *testing.T) {
	caller, _ := newTestEndpoints(t)

	done := make(chan error, 3)
	for i := int32(0); i < 3; i++ {
		i := i
		go func() {
			var sum int32
			err := caller.CallUnary(context.Background(), "Calc", "Add",
				&examples.AddRequest{A: i, B: i}, &sum, nimbus.CallOptions{})
			if err == nil && sum != i*2 {
				err = status.Errorf(codes.Internal, "got %d, want %d", sum, i*2)
			}
			done <- err
		}()
	}
	for i := 0; i < 3; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for concurrent calls")
		}
	}
}

func TestOversizeRequestTerminatesStreamWithInternal(t *testing.T) {
	callerTr, responderTr := transport.NewInProcessPair(transport.Options{MaxMessageSize: 1024}, nil)
	t.Cleanup(func() { _ = callerTr.Close() })

	registry := nimbus.NewRegistry()
	require.NoError(t, registry.RegisterContract(examples.CalcContract()))
	responder := nimbus.NewResponderEndpoint(responderTr, registry, nil, nil)
	go responder.Serve(responderTr.Context())
	t.Cleanup(func() { require.NoError(t, responder.Close(time.Second)) })

	caller := nimbus.NewCallerEndpoint(callerTr, nil)
	var out int32
	err := caller.CallUnary(context.Background(), "Calc", "Add",
		strings.Repeat("x", 4096), &out,
		nimbus.CallOptions{Deadline: time.Now().Add(2 * time.Second)})
	require.Error(t, err)
	require.Equal(t, codes.Internal, status.Convert(err).Code())
	require.Contains(t, err.Error(), "message too large")

	// The dispatcher survives: a well-sized call on the same pair still works.
	var sum int32
	require.NoError(t, caller.CallUnary(context.Background(), "Calc", "Add",
		&examples.AddRequest{A: 2, B: 2}, &sum, nimbus.CallOptions{}))
	require.Equal(t, int32(4), sum)
}

func TestCloseAbortsInFlightCallsWithUnavailable(t *testing.T) {
	callerTr, responderTr := transport.NewInProcessPair(transport.Options{}, nil)
	t.Cleanup(func() { _ = callerTr.Close() })

	registry := nimbus.NewRegistry()
	require.NoError(t, registry.RegisterContract(examples.CalcContract()))
	responder := nimbus.NewResponderEndpoint(responderTr, registry, nil, nil)
	go responder.Serve(responderTr.Context())

	caller := nimbus.NewCallerEndpoint(callerTr, nil)
	errCh := make(chan error, 1)
	go func() {
		var out int32
		errCh <- caller.CallUnary(context.Background(), "Calc", "Slow",
			&examples.SlowRequest{Millis: 500}, &out, nimbus.CallOptions{})
	}()

	// Let the call reach the handler before closing out from under it.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, responder.Close(50*time.Millisecond))

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.Equal(t, codes.Unavailable, status.Convert(err).Code())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the aborted call")
	}
}

func TestCloseRejectsNewStreams(t *testing.T) {
	callerTr, responderTr := transport.NewInProcessPair(transport.Options{}, nil)
	t.Cleanup(func() { _ = callerTr.Close() })

	registry := nimbus.NewRegistry()
	require.NoError(t, registry.RegisterContract(examples.CalcContract()))
	responder := nimbus.NewResponderEndpoint(responderTr, registry, nil, nil)
	go responder.Serve(responderTr.Context())

	require.NoError(t, responder.Close(100*time.Millisecond))

	caller := nimbus.NewCallerEndpoint(callerTr, nil)
	var sum int32
	err := caller.CallUnary(context.Background(), "Calc", "Add",
		&examples.AddRequest{A: 1, B: 1}, &sum,
		nimbus.CallOptions{Deadline: time.Now().Add(200 * time.Millisecond)})
	require.Error(t, err)
}
