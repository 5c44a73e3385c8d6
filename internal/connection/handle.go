package connection

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// noCopy makes go vet's copylocks check flag copies of Handle.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Handle is one consumer's hold on the shared transport. Releasing it is the
// only way to drop the reference; copy the pointer, never the value.
type Handle struct {
	_ noCopy

	id         string
	acquiredAt time.Time
	m          *Manager
	s          *SharedTransport

	// Guarded by m.mu
	released bool
	unsubs   []func()
}

func newHandle(m *Manager, s *SharedTransport) *Handle {
	return &Handle{
		id:         uuid.NewString(),
		acquiredAt: time.Now(),
		m:          m,
		s:          s,
	}
}

// ID returns the handle id.
func (h *Handle) ID() string {
	return h.id
}

// AcquiredAt returns when the handle was acquired.
func (h *Handle) AcquiredAt() time.Time {
	return h.acquiredAt
}

// Transport returns the shared transport. Listeners registered on it with On
// must be removed by the consumer before Release.
func (h *Handle) Transport() *SharedTransport {
	return h.s
}

// State returns the state of the shared transport.
func (h *Handle) State() State {
	return h.s.State()
}

// OnStateChange subscribes to manager state changes. The subscription is
// removed on Release if the caller has not already done so.
func (h *Handle) OnStateChange(fn func(StateChange)) (unsubscribe func()) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()

	if h.released {
		return func() {}
	}

	unsub := h.m.states.subscribe(fn)
	h.unsubs = append(h.unsubs, unsub)
	return unsub
}

// WaitConnected blocks until the shared transport is connected. It returns
// the transport's last error if it fails terminally.
func (h *Handle) WaitConnected(ctx context.Context) error {
	return h.s.waitConnected(ctx)
}

// Release drops this handle's reference. It is safe to call more than once.
func (h *Handle) Release() {
	h.m.Release(h)
}

// Released reports whether Release has been called.
func (h *Handle) Released() bool {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.released
}
