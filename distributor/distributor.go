// Package distributor implements a stream-distribution fan-out primitive:
// a many-subscriber broadcast point a responder uses to serve long-lived
// server-streams, with per-subscriber pause, idle eviction, and
// target-filtered delivery. Each subscriber owns a bounded inbox channel;
// publishing never blocks, and a subscriber that falls behind is closed
// rather than buffered without bound.
package distributor

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/nimbusrpc/nimbus/codes"
	"github.com/nimbusrpc/nimbus/metadata"
	"github.com/nimbusrpc/nimbus/status"
)

// Item is one published unit: an opaque payload plus optional metadata,
// delivered verbatim to every matching subscriber's inbox.
type Item struct {
	Payload interface{}
	MD      metadata.MD
}

// Predicate selects which subscribers a publish_filtered call reaches.
type Predicate func(subscriberID uint64) bool

// Config tunes a Distributor. The zero value selects sane defaults.
type Config struct {
	// BufferSize bounds each subscriber's inbox (default 64).
	BufferSize int
}

// Distributor is the fan-out point. The zero value is not usable;
// construct with New.
type Distributor struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID atomic.Uint64

	bufferSize int
	metrics    *metricsSet
	closed     bool

	sweeperStop chan struct{}
	sweeperDone chan struct{}
}

// subscriber is the distributor's exclusively-owned record for one
// subscription; the Subscription handle a caller holds is a weak reference
// — the distributor closes inboxes on disposal regardless of outstanding
// handles.
type subscriber struct {
	id        uint64
	inbox     chan Item
	createdAt time.Time

	mu               sync.Mutex
	paused           bool
	lastActive       time.Time
	messagesReceived uint64
	closed           bool
	terminalErr      error
}

// Subscription is the caller-facing handle returned by Subscribe.
type Subscription struct {
	ID    uint64
	Inbox <-chan Item

	sub *subscriber
}

// Err returns the reason Inbox closed, once it has. It is nil while the
// subscription is still open, and nil after a normal CloseSubscriber/Dispose
// (no status.Error is carried for graceful closes).
func (s *Subscription) Err() error {
	s.sub.mu.Lock()
	defer s.sub.mu.Unlock()
	return s.sub.terminalErr
}

// New constructs a Distributor. metrics are registered against reg; pass nil
// to skip metrics registration entirely (useful in tests).
func New(cfg Config, reg MetricsRegisterer) *Distributor {
	bufferSize := cfg.BufferSize
	if bufferSize == 0 {
		bufferSize = 64
	}
	return &Distributor{
		subs:       make(map[uint64]*subscriber),
		bufferSize: bufferSize,
		metrics:    newMetricsSet(reg),
	}
}

// Subscribe registers a new subscriber and returns its inbox. If id is 0, an
// ID is auto-assigned.
func (d *Distributor) Subscribe(id uint64) (*Subscription, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, status.Error(codes.Unavailable, "distributor: disposed")
	}
	if id == 0 {
		id = d.nextID.Add(1)
	} else if _, exists := d.subs[id]; exists {
		d.mu.Unlock()
		return nil, status.Errorf(codes.AlreadyExists, "distributor: subscriber %d already exists", id)
	}
	sub := &subscriber{
		id:         id,
		inbox:      make(chan Item, d.bufferSize),
		createdAt:  time.Now(),
		lastActive: time.Now(),
	}
	d.subs[id] = sub
	d.mu.Unlock()

	d.metrics.subscribersGauge.Inc()
	return &Subscription{ID: id, Inbox: sub.inbox, sub: sub}, nil
}

// Publish enqueues item into every unpaused, open subscriber's inbox and
// returns how many subscribers it reached.
func (d *Distributor) Publish(item Item) int {
	return d.publish(item, func(uint64) bool { return true })
}

// PublishFiltered enqueues item only into subscribers for which predicate
// returns true.
func (d *Distributor) PublishFiltered(item Item, predicate Predicate) int {
	return d.publish(item, predicate)
}

func (d *Distributor) publish(item Item, predicate Predicate) int {
	d.mu.RLock()
	targets := make([]*subscriber, 0, len(d.subs))
	for id, sub := range d.subs {
		if predicate(id) {
			targets = append(targets, sub)
		}
	}
	d.mu.RUnlock()

	reached := 0
	for _, sub := range targets {
		if d.deliver(sub, item) {
			reached++
		}
	}
	return reached
}

// PublishTo delivers item to exactly one subscriber.
func (d *Distributor) PublishTo(id uint64, item Item) error {
	d.mu.RLock()
	sub, ok := d.subs[id]
	d.mu.RUnlock()
	if !ok {
		return status.Errorf(codes.NotFound, "distributor: no subscriber %d", id)
	}
	d.deliver(sub, item)
	return nil
}

// deliver applies per-subscriber invariants: paused or closed subscribers
// are skipped (not buffered); an inbox that is still full after a paused
// subscriber has been excluded signals a slow consumer, whose subscription
// is torn down with codes.ResourceExhausted rather than suspending the
// publisher (publishing never blocks).
func (d *Distributor) deliver(sub *subscriber, item Item) bool {
	sub.mu.Lock()
	if sub.closed || sub.paused {
		sub.mu.Unlock()
		return false
	}
	sub.mu.Unlock()

	select {
	case sub.inbox <- item:
		sub.mu.Lock()
		sub.lastActive = time.Now()
		sub.messagesReceived++
		sub.mu.Unlock()
		d.metrics.messagesCounter.Inc()
		d.metrics.observeSize(item)
		return true
	default:
		d.metrics.errorsCounter.Inc()
		d.closeSubscriberWithErr(sub, status.Error(codes.ResourceExhausted, "distributor: subscriber inbox full"))
		return false
	}
}

// Pause gates deliveries to id without closing its inbox.
func (d *Distributor) Pause(id uint64) error {
	sub, err := d.lookup(id)
	if err != nil {
		return err
	}
	sub.mu.Lock()
	sub.paused = true
	sub.mu.Unlock()
	return nil
}

// Resume lifts a previous Pause and refreshes last_active.
func (d *Distributor) Resume(id uint64) error {
	sub, err := d.lookup(id)
	if err != nil {
		return err
	}
	sub.mu.Lock()
	sub.paused = false
	sub.lastActive = time.Now()
	sub.mu.Unlock()
	return nil
}

func (d *Distributor) lookup(id uint64) (*subscriber, error) {
	d.mu.RLock()
	sub, ok := d.subs[id]
	d.mu.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "distributor: no subscriber %d", id)
	}
	return sub, nil
}

// CloseSubscriber closes id's inbox with no terminal error (a graceful,
// caller-requested close).
func (d *Distributor) CloseSubscriber(id uint64) error {
	sub, err := d.lookup(id)
	if err != nil {
		return err
	}
	d.closeSubscriberWithErr(sub, nil)
	return nil
}

func (d *Distributor) closeSubscriberWithErr(sub *subscriber, terminalErr error) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.terminalErr = terminalErr
	sub.mu.Unlock()

	d.mu.Lock()
	delete(d.subs, sub.id)
	d.mu.Unlock()

	close(sub.inbox)
	d.metrics.subscribersGauge.Dec()
}

// CloseInactive closes every subscriber whose last_active is older than
// threshold, returning how many were closed.
func (d *Distributor) CloseInactive(threshold time.Duration) int {
	cutoff := time.Now().Add(-threshold)

	d.mu.RLock()
	candidates := make([]*subscriber, 0)
	for _, sub := range d.subs {
		sub.mu.Lock()
		stale := sub.lastActive.Before(cutoff)
		sub.mu.Unlock()
		if stale {
			candidates = append(candidates, sub)
		}
	}
	d.mu.RUnlock()

	for _, sub := range candidates {
		d.closeSubscriberWithErr(sub, nil)
	}
	return len(candidates)
}

// StartSweeper runs CloseInactive(threshold) every interval until Stop is
// called on the returned stopper, or the Distributor is disposed (observed
// at the next tick).
func (d *Distributor) StartSweeper(interval, threshold time.Duration) (stop func()) {
	d.sweeperStop = make(chan struct{})
	d.sweeperDone = make(chan struct{})
	go func() {
		defer close(d.sweeperDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.mu.RLock()
				disposed := d.closed
				d.mu.RUnlock()
				if disposed {
					return
				}
				d.CloseInactive(threshold)
			case <-d.sweeperStop:
				return
			}
		}
	}()
	return func() {
		close(d.sweeperStop)
		<-d.sweeperDone
	}
}

// Dispose closes every subscriber's inbox and marks the Distributor unusable
// for further Subscribe calls.
func (d *Distributor) Dispose() error {
	d.mu.Lock()
	d.closed = true
	subs := make([]*subscriber, 0, len(d.subs))
	for _, sub := range d.subs {
		subs = append(subs, sub)
	}
	d.mu.Unlock()

	for _, sub := range subs {
		d.closeSubscriberWithErr(sub, nil)
	}
	return nil
}

// Stats snapshots running counts.
type Stats struct {
	Subscribers int
}

// Stats returns the distributor's current subscriber count.
func (d *Distributor) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Stats{Subscribers: len(d.subs)}
}
