package connection

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/sharedconn/internal/auth"
)

// Manager owns at most one SharedTransport and counts the handles holding
// it. The transport is created on the first Acquire and torn down when the
// last handle has been released for GracePeriod.
//
// All reference count and creation bookkeeping happens under one mutex, so
// concurrent Acquire calls never open two connections and no release is
// lost.
type Manager struct {
	cfg     ManagerConfig
	factory TransportFactory
	source  auth.Source
	logger  *slog.Logger
	states  *stateBroadcaster

	mu       sync.Mutex
	current  *SharedTransport
	refs     int
	grace    *time.Timer
	graceSeq uint64
	created  int
	closed   bool
}

// NewManager creates a manager. source is consulted before every reconnect
// and may be nil, in which case the last identity is reused.
func NewManager(cfg ManagerConfig, factory TransportFactory, source auth.Source, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:     cfg,
		factory: factory,
		source:  source,
		logger:  logger,
		states:  newStateBroadcaster(),
	}
}

// Acquire returns a handle on the shared transport, creating it if needed.
//
// An existing transport is reused without re-authenticating, even if id
// carries a different token. A new transport is marked Connecting before
// Acquire returns and dials in the background; failures are reported
// through the state stream, not as an error. A transport in StateError is
// restarted with id.
func (m *Manager) Acquire(id auth.Identity) (*Handle, State, error) {
	if err := id.Validate(); err != nil {
		return nil, StateIdle, ErrInvalidIdentity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, StateClosed, ErrManagerClosed
	}

	m.cancelGraceLocked()

	s := m.current
	switch {
	case s == nil:
		s = newSharedTransport(m.cfg, m.factory, m.source, m.states.publish, m.onTransition, m.logger)
		m.current = s
		m.created++
		s.start(id)
		m.logger.Info("shared transport created", "instance", s.ID(), "user_id", id.UserID)
	case s.State() == StateError:
		s.restart(id)
	}

	m.refs++
	h := newHandle(m, s)

	m.logger.Debug("handle acquired",
		"handle", h.id,
		"instance", s.ID(),
		"refs", m.refs,
	)

	return h, s.State(), nil
}

// Release drops a handle. Releasing the same handle twice is a no-op.
// Releasing a handle from another manager panics.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	if h.m != m {
		panic("connection: release of a handle not acquired from this manager")
	}

	m.mu.Lock()
	if h.released {
		m.mu.Unlock()
		m.logger.Debug("duplicate release ignored", "handle", h.id)
		return
	}
	h.released = true
	unsubs := h.unsubs
	h.unsubs = nil

	if h.s == m.current && !m.closed {
		m.refs--
		m.logger.Debug("handle released", "handle", h.id, "refs", m.refs)

		if m.refs == 0 {
			// A connect still in flight is allowed to finish; the grace
			// timer starts once it settles (see onTransition).
			switch m.current.State() {
			case StateConnecting, StateDisconnected:
			default:
				m.scheduleGraceLocked()
			}
		}
	}
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// CurrentState returns the state of the shared transport, StateIdle before
// the first acquire and StateClosed after a teardown. It never blocks on I/O.
func (m *Manager) CurrentState() State {
	return m.states.Current().To
}

// SubscribeState delivers the current state and then every transition, in
// order, whether or not any handle is held.
func (m *Manager) SubscribeState(fn func(StateChange)) (unsubscribe func()) {
	return m.states.subscribe(fn)
}

// Retry restarts a transport in StateError using the identity source, or
// the last identity if there is none. It returns false if nothing was
// restarted. A pending grace timer is cancelled; with no handles held it
// starts again once the restart settles.
func (m *Manager) Retry() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.closed {
		return false
	}

	var id auth.Identity
	if m.source != nil {
		if fresh, err := m.source.Identity(); err == nil {
			id = fresh
		}
	}
	if !m.current.restart(id) {
		return false
	}
	m.cancelGraceLocked()
	return true
}

// Stats returns a snapshot of the manager.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := ManagerStats{
		RefCount:         m.refs,
		State:            m.states.Current().To,
		InstancesCreated: m.created,
	}
	if m.current != nil {
		stats.InstanceID = m.current.ID()
		stats.Handshakes = m.current.Handshakes()
		stats.Retry = m.current.RetryState()
	}
	return stats
}

// Close tears down the shared transport regardless of outstanding handles.
// It is meant for process shutdown; later Acquire calls fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancelGraceLocked()

	s := m.current
	m.current = nil
	m.refs = 0

	var t Transport
	if s != nil {
		t = s.markClosed()
	}
	m.mu.Unlock()

	if s != nil {
		s.shutdown(t)
	}
	m.logger.Info("connection manager closed")
	return nil
}

// onTransition is called by the current transport after it settles. It
// starts a deferred grace timer when the last handle was released during a
// connect.
func (m *Manager) onTransition(s *SharedTransport, to State) {
	if to != StateConnected && to != StateError {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != s || m.closed || m.refs != 0 || m.grace != nil {
		return
	}
	m.scheduleGraceLocked()
}

func (m *Manager) scheduleGraceLocked() {
	m.cancelGraceLocked()

	seq := m.graceSeq
	m.grace = time.AfterFunc(m.cfg.GracePeriod, func() {
		m.expireGrace(seq)
	})

	m.logger.Debug("grace period started", "grace", m.cfg.GracePeriod)
}

func (m *Manager) cancelGraceLocked() {
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
	m.graceSeq++
}

// expireGrace tears the transport down if no handle was acquired since the
// timer was scheduled. The transport is detached and marked Closed under the
// lock, so an Acquire racing the teardown creates a fresh instance instead
// of joining a dying one.
func (m *Manager) expireGrace(seq uint64) {
	m.mu.Lock()
	if seq != m.graceSeq || m.refs != 0 || m.current == nil || m.closed {
		m.mu.Unlock()
		return
	}

	s := m.current
	m.current = nil
	m.grace = nil
	t := s.markClosed()
	m.mu.Unlock()

	m.logger.Info("grace period expired, closing shared transport", "instance", s.ID())
	s.shutdown(t)
}
