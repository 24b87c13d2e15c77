package transport

import (
	"context"
	"sync"

	"github.com/nimbusrpc/nimbus/codes"
	"github.com/nimbusrpc/nimbus/frame"
	"github.com/nimbusrpc/nimbus/log"
	"github.com/nimbusrpc/nimbus/metadata"
	"github.com/nimbusrpc/nimbus/status"
	"github.com/nimbusrpc/nimbus/streamid"
)

// NewInProcessPair builds two Transports that talk to each other directly
// through Go channels: one goroutine per direction drains a raw queue and
// fans messages out by stream ID, rather than a real socket. a is given
// the Caller stream-ID role, b the Responder role, matching how a call
// always originates on a.
func NewInProcessPair(opts Options, logger *log.Logger) (a, b Transport) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = log.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	aToB := newDirection(opts)
	bToA := newDirection(opts)

	la := &local{
		role:   streamid.Caller,
		ids:    streamid.New(streamid.Caller),
		send:   aToB,
		recv:   bToA,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		log:    logger.With(log.String("side", "a")),
	}
	lb := &local{
		role:   streamid.Responder,
		ids:    streamid.New(streamid.Responder),
		send:   bToA,
		recv:   aToB,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		log:    logger.With(log.String("side", "b")),
	}
	la.peer = lb
	lb.peer = la
	la.init()
	lb.init()

	return la, lb
}

// direction is the one-way queue plus flow-control window shared by the two
// locals on either end of it: the sender reserves window before enqueuing,
// the receiver's demux goroutine releases it once a message is dequeued.
type direction struct {
	ch     chan Message
	window *window
}

func newDirection(opts Options) *direction {
	return &direction{
		ch:     make(chan Message, opts.IncomingQueueDepth),
		window: newWindow(opts.InitialWindow, opts.MaxWindow),
	}
}

// streamState tracks end-of-stream discipline for one stream ID on one
// local: a stream's resources are released once both directions have
// observed end_of_stream.
type streamState struct {
	sendDone bool
	recvDone bool
}

// local is one side of an in-process Pair.
type local struct {
	role streamid.Role
	ids  *streamid.Manager
	send *direction // this side's outbound queue, read by peer.demuxLoop
	recv *direction // this side's inbound queue, written to by peer's sends
	peer *local

	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	log    *log.Logger

	mu          sync.Mutex
	streamChans map[uint32]chan Message
	parsers     map[uint32]*frame.Parser
	states      map[uint32]*streamState
	closed      bool

	incoming chan Message
}

func (l *local) init() {
	l.streamChans = make(map[uint32]chan Message)
	l.parsers = make(map[uint32]*frame.Parser)
	l.states = make(map[uint32]*streamState)
	l.incoming = make(chan Message, DefaultIncomingQueueDepth)
	go l.demuxLoop()
}

// demuxLoop drains this local's inbound queue, reassembling framed payloads
// and fanning each message out to either the per-stream channel (known
// stream) or Incoming (first sighting of a new stream).
func (l *local) demuxLoop() {
	for {
		select {
		case <-l.ctx.Done():
			return
		case msg, ok := <-l.recv.ch:
			if !ok {
				return
			}
			l.recv.window.release(uint64(len(msg.Bytes)))
			l.deliver(msg)
		}
	}
}

func (l *local) deliver(msg Message) {
	if msg.Kind == KindPayload && len(msg.Bytes) > 0 {
		l.mu.Lock()
		p, ok := l.parsers[msg.StreamID]
		if !ok {
			p = frame.NewParser(l.opts.MaxMessageSize)
			l.parsers[msg.StreamID] = p
		}
		l.mu.Unlock()

		frames, err := p.Feed(msg.Bytes)
		if err != nil {
			// The parser is poisoned once it errors; drop it and terminate
			// the stream with a synthetic INTERNAL trailer so a waiting
			// reader observes the failure instead of hanging.
			l.log.Warn("terminating stream: frame reassembly failed",
				log.Uint32("stream_id", msg.StreamID), log.Err(err))
			l.mu.Lock()
			delete(l.parsers, msg.StreamID)
			l.mu.Unlock()
			l.route(Message{
				StreamID:    msg.StreamID,
				Kind:        KindMetadata,
				MD:          metadata.ForTrailer(uint32(codes.Internal), err.Error()),
				EndOfStream: true,
			})
			return
		}
		for i, payload := range frames {
			l.route(Message{
				StreamID:    msg.StreamID,
				Kind:        KindPayload,
				Bytes:       payload,
				EndOfStream: msg.EndOfStream && i == len(frames)-1,
			})
		}
		if msg.EndOfStream && len(frames) == 0 {
			l.route(Message{StreamID: msg.StreamID, Kind: KindPayload, EndOfStream: true})
		}
		return
	}
	l.route(msg)
}

// route is the discovery/fan-out step the dispatcher relies on: a message
// for an unseen stream ID is delivered only
// to Incoming, so the dispatcher handles exactly one routing decision per
// stream; every later message for that ID goes straight to its registered
// channel.
func (l *local) route(msg Message) {
	l.mu.Lock()
	ch, exists := l.streamChans[msg.StreamID]
	isNew := !exists
	if isNew {
		ch = make(chan Message, l.inboundDepth())
		l.streamChans[msg.StreamID] = ch
	}
	l.mu.Unlock()

	if isNew {
		l.incoming <- msg
	} else {
		ch <- msg
	}

	if msg.EndOfStream {
		l.markRecvDone(msg.StreamID)
	}
}

func (l *local) inboundDepth() int {
	if l.opts.InboundQueueDepth == 0 {
		return DefaultInboundQueueDepth
	}
	return l.opts.InboundQueueDepth
}

func (l *local) markRecvDone(id uint32) {
	l.mu.Lock()
	st := l.stateLocked(id)
	st.recvDone = true
	done := st.sendDone && st.recvDone
	l.mu.Unlock()
	if done {
		l.ReleaseStreamID(id)
	}
}

func (l *local) markSendDone(id uint32) {
	l.mu.Lock()
	st := l.stateLocked(id)
	st.sendDone = true
	done := st.sendDone && st.recvDone
	l.mu.Unlock()
	if done {
		l.ReleaseStreamID(id)
	}
}

// stateLocked returns id's streamState, creating it if absent. Caller must
// hold l.mu.
func (l *local) stateLocked(id uint32) *streamState {
	st, ok := l.states[id]
	if !ok {
		st = &streamState{}
		l.states[id] = st
	}
	return st
}

func (l *local) CreateStream() (uint32, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return 0, status.Error(codes.Unavailable, "transport: closed")
	}
	id, err := l.ids.Generate()
	if err != nil {
		return 0, err
	}
	// Pre-register this local's own inbound channel so the response can
	// never race the dispatcher: no dispatcher is involved for a stream
	// this side itself initiated.
	l.mu.Lock()
	if _, ok := l.streamChans[id]; !ok {
		l.streamChans[id] = make(chan Message, l.inboundDepth())
	}
	l.states[id] = &streamState{}
	l.mu.Unlock()
	return id, nil
}

func (l *local) SendMetadata(streamID uint32, md metadata.MD, endOfStream bool) error {
	if err := l.checkSendable(streamID); err != nil {
		return err
	}
	msg := Message{StreamID: streamID, Kind: KindMetadata, MD: md, EndOfStream: endOfStream}
	if path, ok := md.Get(metadata.KeyPath); ok {
		msg.MethodPath = path
	}
	if err := l.enqueue(msg); err != nil {
		return err
	}
	if endOfStream {
		l.markSendDone(streamID)
	}
	return nil
}

func (l *local) SendMessage(streamID uint32, payload []byte, endOfStream bool) error {
	if err := l.checkSendable(streamID); err != nil {
		return err
	}
	wire := frame.Encode(payload)
	if err := l.send.window.reserve(uint64(len(wire))); err != nil {
		return err
	}
	if err := l.enqueue(Message{StreamID: streamID, Kind: KindPayload, Bytes: wire, EndOfStream: endOfStream}); err != nil {
		l.send.window.release(uint64(len(wire)))
		return err
	}
	if endOfStream {
		l.markSendDone(streamID)
	}
	return nil
}

func (l *local) FinishSending(streamID uint32) error {
	if err := l.checkSendable(streamID); err != nil {
		return err
	}
	if err := l.enqueue(Message{StreamID: streamID, Kind: KindPayload, EndOfStream: true}); err != nil {
		return err
	}
	l.markSendDone(streamID)
	return nil
}

func (l *local) checkSendable(streamID uint32) error {
	l.mu.Lock()
	closed := l.closed
	var alreadyDone bool
	if st, ok := l.states[streamID]; ok {
		alreadyDone = st.sendDone
	}
	l.mu.Unlock()
	if closed {
		return status.Error(codes.Unavailable, "transport: closed")
	}
	if alreadyDone {
		return status.Errorf(codes.Internal, "transport: stream %d already half-closed for sending", streamID)
	}
	return nil
}

func (l *local) enqueue(msg Message) error {
	select {
	case l.send.ch <- msg:
		return nil
	case <-l.ctx.Done():
		return status.Error(codes.Unavailable, "transport: closed")
	}
}

func (l *local) Incoming() <-chan Message {
	return l.incoming
}

func (l *local) MessagesFor(streamID uint32) <-chan Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.streamChans[streamID]
	if !ok {
		ch = make(chan Message, l.inboundDepth())
		l.streamChans[streamID] = ch
	}
	return ch
}

func (l *local) ReleaseStreamID(streamID uint32) {
	l.mu.Lock()
	if ch, ok := l.streamChans[streamID]; ok {
		delete(l.streamChans, streamID)
		close(ch)
	}
	delete(l.parsers, streamID)
	delete(l.states, streamID)
	l.mu.Unlock()
	l.ids.Release(streamID)
}

func (l *local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	chans := l.streamChans
	l.streamChans = make(map[uint32]chan Message)
	l.mu.Unlock()

	l.cancel()
	for _, ch := range chans {
		close(ch)
	}
	close(l.incoming)
	return nil
}

func (l *local) Context() context.Context {
	return l.ctx
}
