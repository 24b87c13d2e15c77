package transport

import (
	"sync"

	"github.com/nimbusrpc/nimbus/codes"
	"github.com/nimbusrpc/nimbus/status"
)

// window implements the per-transport flow-control bound: queued payload
// bytes are capped at a grow-able limit, starting at
// an initial size and doubling up to a hard maximum before a send fails
// with codes.ResourceExhausted.
type window struct {
	mu    sync.Mutex
	limit uint64
	max   uint64
	inUse uint64
}

func newWindow(initial, max uint64) *window {
	if initial == 0 {
		initial = DefaultInitialWindow
	}
	if max == 0 {
		max = DefaultMaxWindow
	}
	if max < initial {
		max = initial
	}
	return &window{limit: initial, max: max}
}

// reserve accounts for n additional in-flight bytes, growing the window up
// to max if needed. It fails with codes.ResourceExhausted if n cannot be
// accommodated even at the maximum window size.
func (w *window) reserve(n uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inUse+n > w.limit {
		grown := w.limit
		for grown < w.max && w.inUse+n > grown {
			grown *= 2
			if grown == 0 {
				grown = w.max
			}
		}
		if grown > w.max {
			grown = w.max
		}
		w.limit = grown
	}
	if w.inUse+n > w.limit {
		return status.Errorf(codes.ResourceExhausted, "transport: flow-control window exceeded (%d in use, %d requested, %d limit)", w.inUse, n, w.limit)
	}
	w.inUse += n
	return nil
}

// release frees n previously reserved bytes once the peer has drained them
// from the queue.
func (w *window) release(n uint64) {
	w.mu.Lock()
	if n > w.inUse {
		n = w.inUse
	}
	w.inUse -= n
	w.mu.Unlock()
}
