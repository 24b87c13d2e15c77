package nimbus

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimbusrpc/nimbus/codes"
	"github.com/nimbusrpc/nimbus/log"
	"github.com/nimbusrpc/nimbus/metadata"
	"github.com/nimbusrpc/nimbus/transport"
)

// endpointMetrics counts the dispatcher-level events that are countable
// rather than loggable: unknown-method rejections and messages dropped for
// a stream the dispatcher no longer recognizes. A nil Registerer yields
// unregistered, still-usable instruments, matching the distributor's
// convention.
type endpointMetrics struct {
	unimplementedCounter prometheus.Counter
	protocolErrorCounter prometheus.Counter
}

func newEndpointMetrics(reg prometheus.Registerer) *endpointMetrics {
	m := &endpointMetrics{
		unimplementedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_dispatcher_unimplemented_total",
			Help: "Inbound streams rejected for an unregistered (service, method).",
		}),
		protocolErrorCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_dispatcher_dropped_messages_total",
			Help: "Inbound messages dropped for a stream ID the dispatcher no longer tracks.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.unimplementedCounter, m.protocolErrorCounter)
	}
	return m
}

// DefaultCloseGracePeriod is how long ResponderEndpoint.Close waits for
// in-flight calls to finish on their own before their contexts are
// cancelled.
const DefaultCloseGracePeriod = 10 * time.Second

// CallerEndpoint is a thin convenience wrapper binding a transport and a
// logger to the four CallXxx free functions, so call sites don't thread
// those through by hand. Codecs come from each call's CallOptions.
type CallerEndpoint struct {
	tr     transport.Transport
	logger *log.Logger
}

// NewCallerEndpoint wraps tr for outbound calls.
func NewCallerEndpoint(tr transport.Transport, logger *log.Logger) *CallerEndpoint {
	return &CallerEndpoint{tr: tr, logger: logger}
}

func (e *CallerEndpoint) CallUnary(ctx context.Context, service, method string, req, resp interface{}, opts CallOptions) error {
	return CallUnary(ctx, e.tr, service, method, req, resp, opts, e.logger)
}

func (e *CallerEndpoint) CallServerStream(ctx context.Context, service, method string, req interface{}, opts CallOptions) (ServerStreamClientReceiver, error) {
	return CallServerStream(ctx, e.tr, service, method, req, opts, e.logger)
}

func (e *CallerEndpoint) CallClientStream(ctx context.Context, service, method string, opts CallOptions) (*ClientStreamCaller, error) {
	return CallClientStream(ctx, e.tr, service, method, opts, e.logger)
}

func (e *CallerEndpoint) CallBidiStream(ctx context.Context, service, method string, opts CallOptions) (BidiStream, error) {
	return CallBidiStream(ctx, e.tr, service, method, opts, e.logger)
}

// ResponderEndpoint owns a transport's inbound side: it dispatches each new
// stream to its registered handler and tracks in-flight calls for a graceful
// Close.
type ResponderEndpoint struct {
	tr       transport.Transport
	registry *Registry
	logger   *log.Logger
	metrics  *endpointMetrics

	mu      sync.Mutex
	calls   map[uint32]*call
	closing bool
	wg      sync.WaitGroup
}

// NewResponderEndpoint binds tr to registry. The registry is frozen
// immediately: no further RegisterContract calls are allowed once a
// responder starts dispatching. reg may be nil; a nil Registerer still
// yields usable, just unregistered, metric instruments.
func NewResponderEndpoint(tr transport.Transport, registry *Registry, logger *log.Logger, reg prometheus.Registerer) *ResponderEndpoint {
	registry.Freeze()
	if logger == nil {
		logger = log.Nop()
	}
	return &ResponderEndpoint{
		tr:       tr,
		registry: registry,
		logger:   logger,
		metrics:  newEndpointMetrics(reg),
		calls:    make(map[uint32]*call),
	}
}

// Serve runs the dispatch loop until the transport's Incoming channel
// closes or ctx is cancelled. It is meant to be run in its own goroutine.
func (e *ResponderEndpoint) Serve(ctx context.Context) {
	incoming := e.tr.Incoming()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-incoming:
			if !ok {
				return
			}
			e.route(msg)
		}
	}
}

// route applies the dispatch rule: the first message for an unseen stream
// ID must be initial request metadata; anything else for an unknown ID, or
// a method the registry doesn't recognize, is rejected or dropped without
// disturbing other streams.
func (e *ResponderEndpoint) route(msg transport.Message) {
	e.mu.Lock()
	if _, known := e.calls[msg.StreamID]; known {
		e.mu.Unlock()
		// Already dispatched; its own handler goroutine reads this
		// message via tr.MessagesFor. Nothing to do here.
		return
	}
	if e.closing {
		e.mu.Unlock()
		e.metrics.protocolErrorCounter.Inc()
		e.logger.Debug("dropping new stream while closing", log.Uint32("stream_id", msg.StreamID))
		return
	}
	e.mu.Unlock()

	if msg.Kind != transport.KindMetadata {
		e.metrics.protocolErrorCounter.Inc()
		e.logger.Debug("dropping non-metadata first message for unknown stream", log.Uint32("stream_id", msg.StreamID))
		return
	}

	service, methodName := msg.MD.ServiceName(), msg.MD.MethodName()
	m, ok := e.registry.lookup(service, methodName)
	if !ok {
		e.rejectUnimplemented(msg.StreamID, service, methodName)
		return
	}

	c := newCall(msg.StreamID, service, methodName, m.desc.Kind, e.tr, m.codecs, e.tr.Context(), e.logger)
	if m.desc.Timeout > 0 {
		applyTimeout(c, m.desc.Timeout)
	}
	// The caller's own deadline travels as grpc-timeout; honoring it here is
	// what cancels the handler task when the caller's clock runs out.
	if raw, ok := msg.MD.Get(metadata.KeyTimeout); ok {
		if d, valid := metadata.DecodeTimeout(raw); valid {
			applyTimeout(c, d)
		}
	}

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		c.cancel()
		e.rejectUnimplemented(msg.StreamID, service, methodName)
		return
	}
	e.calls[msg.StreamID] = c
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		stop := c.watchDeadline()
		defer stop()
		e.dispatch(c, m)
		e.mu.Lock()
		delete(e.calls, msg.StreamID)
		e.mu.Unlock()
		// The transport releases the stream ID itself once both directions
		// have seen end_of_stream; releasing here would be premature when
		// the handler finishes while the caller is still open (bidi
		// tie-break), and a late send would then masquerade as a new stream.
	}()
}

func applyTimeout(c *call, d time.Duration) {
	ctx, cancel := context.WithTimeout(c.ctx, d)
	c.ctx = ctx
	prevCancel := c.cancel
	c.cancel = func() { cancel(); prevCancel() }
}

func (e *ResponderEndpoint) dispatch(c *call, m *method) {
	switch m.desc.Kind {
	case Unary:
		handleUnary(c, m)
	case ServerStream:
		handleServerStream(c, m)
	case ClientStream:
		handleClientStream(c, m)
	case Bidi:
		handleBidiStream(c, m)
	}
}

func (e *ResponderEndpoint) rejectUnimplemented(streamID uint32, service, methodName string) {
	e.metrics.unimplementedCounter.Inc()
	e.logger.Debug("unimplemented method", log.String("service", service), log.String("method", methodName))
	// Release is the transport's job: its own bookkeeping frees the ID once
	// the caller's end_of_stream has arrived alongside this trailer.
	_ = e.tr.SendMetadata(streamID, metadata.ForTrailer(uint32(codes.Unimplemented), "unimplemented: "+service+"/"+methodName), true)
}

// Close stops accepting new streams and waits up to gracePeriod for
// in-flight calls to finish before cancelling them. A zero gracePeriod
// uses DefaultCloseGracePeriod.
func (e *ResponderEndpoint) Close(gracePeriod time.Duration) error {
	if gracePeriod <= 0 {
		gracePeriod = DefaultCloseGracePeriod
	}
	e.mu.Lock()
	e.closing = true
	inFlight := make([]*call, 0, len(e.calls))
	for _, c := range e.calls {
		inFlight = append(inFlight, c)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(gracePeriod):
		// Calls that outlive the grace period are aborted with UNAVAILABLE:
		// the responder is going away, which is not the caller's doing.
		for _, c := range inFlight {
			c.abort(codes.Unavailable, "responder closing")
		}
		<-done
	}
	return nil
}
