// Package streamid implements stream-ID allocation for one transport role:
// a caller yields odd IDs, a responder yields even IDs, zero is reserved
// for connection control, and the space is exhausted at 2^31-1.
package streamid

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/nimbusrpc/nimbus/codes"
	"github.com/nimbusrpc/nimbus/status"
)

// Role selects which parity a Manager generates.
type Role int

const (
	// Caller generates 1, 3, 5, ...
	Caller Role = iota
	// Responder generates 2, 4, 6, ...
	Responder
)

// ceiling is the largest representable stream ID (2^31-1).
const ceiling = 1<<31 - 1

// Manager allocates, tracks, and releases stream IDs for one role on one
// transport. A Manager is single-owner: it belongs to the
// transport that created it, and it is not safe to share across transports.
type Manager struct {
	role Role
	last atomic.Int64

	mu     sync.Mutex
	active map[uint32]struct{}
}

// New constructs a Manager for role.
func New(role Role) *Manager {
	m := &Manager{
		role:   role,
		active: make(map[uint32]struct{}),
	}
	m.last.Store(startOffset(role))
	return m
}

// Generate allocates and returns the next stream ID for this role, marking
// it active. It fails with codes.ResourceExhausted once the 2^31-1 ceiling
// is reached.
func (m *Manager) Generate() (uint32, error) {
	next := m.last.Add(2)
	if next > ceiling {
		// Roll back so a racing caller doesn't silently skip the check.
		m.last.Sub(2)
		return 0, status.Errorf(codes.ResourceExhausted, "streamid: id space exhausted for role %v", m.role)
	}
	id := uint32(next)

	m.mu.Lock()
	m.active[id] = struct{}{}
	m.mu.Unlock()
	return id, nil
}

// Release removes id from the active set. Releasing an inactive or unknown
// id is a no-op.
func (m *Manager) Release(id uint32) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// IsActive reports whether id is currently allocated and not yet released.
func (m *Manager) IsActive(id uint32) bool {
	m.mu.Lock()
	_, ok := m.active[id]
	m.mu.Unlock()
	return ok
}

// ActiveCount reports how many stream IDs are currently allocated.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	n := len(m.active)
	m.mu.Unlock()
	return n
}

// Reset wipes the active set and the generation counter. By contract
// this is only safe once the owning transport is closed.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.active = make(map[uint32]struct{})
	m.mu.Unlock()
	offset := int64(-1)
	if m.role == Responder {
		offset = 0
	}
	m.last.Store(offset)
}

// starting offsets: Caller's first Generate() call must return 1, so last
// starts at -1 (then +2 = 1). Responder's first call must return 2, so last
// starts at 0 (then +2 = 2).
func startOffset(role Role) int64 {
	if role == Responder {
		return 0
	}
	return -1
}
