package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/sharedconn/internal/auth"
)

// SharedTransport is the single logical connection shared by all handles of
// a Manager. It survives reconnects of the physical Transport and ends in
// StateClosed, after which it is never reused.
//
// Consumers may register listeners with On and must remove them before
// releasing their handle. The shared transport never inspects message
// contents; every listener sees every message.
type SharedTransport struct {
	id      string
	cfg     ManagerConfig
	factory TransportFactory
	source  auth.Source
	policy  ReconnectPolicy
	logger  *slog.Logger

	publish func(StateChange)
	notify  func(*SharedTransport, State)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Guarded by mu
	mu        sync.Mutex
	state     State
	stateAt   time.Time
	changed   chan struct{}
	transport Transport
	identity  auth.Identity
	retry     RetryState
	running   bool
	closed    bool

	listenersMu sync.RWMutex
	listeners   map[uint64]func(Message)
	nextID      uint64

	handshakes atomic.Int64
}

func newSharedTransport(
	cfg ManagerConfig,
	factory TransportFactory,
	source auth.Source,
	publish func(StateChange),
	notify func(*SharedTransport, State),
	logger *slog.Logger,
) *SharedTransport {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	return &SharedTransport{
		id:        id,
		cfg:       cfg,
		factory:   factory,
		source:    source,
		policy:    PolicyFromConfig(cfg),
		logger:    logger.With("instance", id),
		publish:   publish,
		notify:    notify,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		stateAt:   time.Now(),
		changed:   make(chan struct{}),
		listeners: make(map[uint64]func(Message)),
	}
}

// ID returns the instance id.
func (s *SharedTransport) ID() string {
	return s.id
}

// State returns the current state.
func (s *SharedTransport) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RetryState returns the current reconnect bookkeeping.
func (s *SharedTransport) RetryState() RetryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry
}

// Handshakes returns how many connection attempts this instance has made.
func (s *SharedTransport) Handshakes() int64 {
	return s.handshakes.Load()
}

// Emit sends an event on the current physical transport.
func (s *SharedTransport) Emit(event string, payload any) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()

	if t == nil {
		return ErrNotConnected
	}
	return t.Emit(event, payload)
}

// On registers a listener for every inbound message. Listeners run on the
// transport's read goroutine in arrival order and must not block.
func (s *SharedTransport) On(fn func(Message)) (off func()) {
	s.listenersMu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

// ListenerCount returns the number of registered listeners.
func (s *SharedTransport) ListenerCount() int {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	return len(s.listeners)
}

func (s *SharedTransport) dispatch(msg Message) {
	s.listenersMu.RLock()
	fns := make([]func(Message), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
}

// setStateLocked records a transition and publishes it. s.mu must be held.
func (s *SharedTransport) setStateLocked(to State, err error) bool {
	if s.closed || s.state == to {
		return false
	}

	from := s.state
	s.state = to
	s.stateAt = time.Now()
	close(s.changed)
	s.changed = make(chan struct{})

	if s.publish != nil {
		s.publish(StateChange{
			Instance: s.id,
			From:     from,
			To:       to,
			At:       s.stateAt,
			Err:      err,
		})
	}
	return true
}

func (s *SharedTransport) notifyState(to State) {
	if s.notify != nil {
		s.notify(s, to)
	}
}

// start marks the instance Connecting and begins dialing with id.
func (s *SharedTransport) start(id auth.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.running {
		return
	}
	s.identity = id
	s.running = true
	s.setStateLocked(StateConnecting, nil)

	s.wg.Add(1)
	go s.run(true)
}

// restart leaves StateError with a fresh retry budget. It returns false if
// the instance is not in StateError.
func (s *SharedTransport) restart(id auth.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.running || s.state != StateError {
		return false
	}
	if id.UserID != "" {
		s.identity = id
	}
	s.retry = RetryState{}
	s.running = true
	s.setStateLocked(StateConnecting, nil)

	s.wg.Add(1)
	go s.run(true)

	s.logger.Info("restarting shared transport after error")
	return true
}

// run drives dial, pump and reconnect until the instance fails terminally or
// is closed.
func (s *SharedTransport) run(fresh bool) {
	defer s.wg.Done()

	for {
		id := s.currentIdentity(fresh)
		fresh = false

		t, err := s.dial(id)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			delay, ok := s.recordFailure(err)
			if !ok {
				return
			}
			if !s.sleep(delay) {
				return
			}
			continue
		}

		if !s.attach(t, id) {
			t.Close()
			return
		}

		lost := t.Emit(EventRegisterUser, RegisterUserPayload{UserID: id.UserID})
		if lost == nil {
			lost = s.pump(t)
		} else {
			lost = fmt.Errorf("%w: register user: %w", ErrTransportUnavailable, lost)
		}
		if s.ctx.Err() != nil {
			return
		}

		if !s.detach(t, lost) {
			return
		}
		if !s.sleep(s.policy.NextDelay(0)) {
			return
		}
	}
}

// currentIdentity returns the identity for the next attempt. The first
// attempt uses the acquiring identity; later attempts ask the source so a
// refreshed token is used.
func (s *SharedTransport) currentIdentity(fresh bool) auth.Identity {
	s.mu.Lock()
	last := s.identity
	s.mu.Unlock()

	if fresh || s.source == nil {
		return last
	}

	id, err := s.source.Identity()
	if err != nil {
		s.logger.Warn("identity source failed, reusing previous identity", "error", err)
		return last
	}
	if id.Validate() != nil {
		return last
	}
	return id
}

func (s *SharedTransport) payload(id auth.Identity) HandshakePayload {
	return HandshakePayload{
		Auth: HandshakeAuth{
			Token:  id.AuthToken,
			UserID: id.UserID,
		},
		TransportPreference:  s.cfg.TransportPreference,
		Reconnection:         s.cfg.Reconnection,
		MaxReconnectAttempts: s.cfg.MaxReconnectAttempts,
		ReconnectBaseDelayMs: s.cfg.ReconnectBaseDelay.Milliseconds(),
		HandshakeTimeoutMs:   s.cfg.HandshakeTimeout.Milliseconds(),
	}
}

func (s *SharedTransport) dial(id auth.Identity) (Transport, error) {
	ctx := s.ctx
	if s.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
		defer cancel()
	}

	s.handshakes.Add(1)
	s.logger.Debug("opening transport", "user_id", id.UserID)

	return s.factory.Open(ctx, s.payload(id))
}

// attach installs a connected transport. It returns false if the instance
// was closed while dialing.
func (s *SharedTransport) attach(t Transport, id auth.Identity) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.transport = t
	s.identity = id
	s.retry = RetryState{}
	changed := s.setStateLocked(StateConnected, nil)
	s.mu.Unlock()

	s.logger.Info("shared transport connected", "user_id", id.UserID)
	if changed {
		s.notifyState(StateConnected)
	}
	return true
}

// pump forwards messages to listeners until the transport fails or the
// instance is closed.
func (s *SharedTransport) pump(t Transport) error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case err := <-t.Errors():
			if err == nil {
				err = ErrNotConnected
			}
			return err
		case msg, ok := <-t.Messages():
			if !ok {
				return ErrNotConnected
			}
			s.dispatch(msg)
		}
	}
}

// detach handles a dropped transport: Connected -> Disconnected ->
// Connecting, or -> Error when reconnection is disabled. It returns whether
// to reconnect.
func (s *SharedTransport) detach(t Transport, cause error) bool {
	t.Close()

	s.mu.Lock()
	if s.transport == t {
		s.transport = nil
	}
	s.retry.LastError = cause
	s.setStateLocked(StateDisconnected, cause)

	if !s.cfg.Reconnection {
		s.running = false
		terminal := fmt.Errorf("%w: %w", ErrTransportUnavailable, cause)
		s.retry.LastError = terminal
		changed := s.setStateLocked(StateError, terminal)
		s.mu.Unlock()

		s.logger.Warn("shared transport lost, reconnection disabled", "error", cause)
		if changed {
			s.notifyState(StateError)
		}
		return false
	}

	s.retry.NextDelay = s.policy.NextDelay(0)
	changed := s.setStateLocked(StateConnecting, cause)
	s.mu.Unlock()

	s.logger.Warn("shared transport lost, reconnecting", "error", cause)
	if changed {
		s.notifyState(StateConnecting)
	}
	return true
}

// recordFailure books a failed attempt and returns the delay before the next
// one, or false if the failure is terminal.
func (s *SharedTransport) recordFailure(err error) (time.Duration, bool) {
	s.mu.Lock()
	s.retry.Attempt++
	s.retry.LastError = err
	attempt := s.retry.Attempt

	var terminal error
	switch {
	case errors.Is(err, ErrHandshakeRejected), errors.Is(err, ErrNoSupportedTransport):
		terminal = err
	case !s.cfg.Reconnection:
		terminal = err
	case !s.policy.ShouldRetry(attempt):
		terminal = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
	}

	if terminal != nil {
		s.running = false
		s.retry.LastError = terminal
		s.retry.NextDelay = 0
		changed := s.setStateLocked(StateError, terminal)
		s.mu.Unlock()

		s.logger.Error("shared transport failed", "attempt", attempt, "error", terminal)
		if changed {
			s.notifyState(StateError)
		}
		return 0, false
	}

	delay := s.policy.NextDelay(attempt - 1)
	s.retry.NextDelay = delay
	changed := s.setStateLocked(StateConnecting, err)
	s.mu.Unlock()

	s.logger.Warn("connection attempt failed, retrying",
		"attempt", attempt,
		"delay", delay,
		"error", err,
	)
	if changed {
		s.notifyState(StateConnecting)
	}
	return delay, true
}

func (s *SharedTransport) sleep(d time.Duration) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// markClosed moves the instance to StateClosed and stops its loop. It does
// not wait; the returned transport must be passed to shutdown.
func (s *SharedTransport) markClosed() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.setStateLocked(StateClosed, nil)
	s.closed = true
	s.running = false
	s.cancel()

	t := s.transport
	s.transport = nil
	return t
}

// shutdown closes the physical transport and waits for the loop to exit.
func (s *SharedTransport) shutdown(t Transport) {
	if t != nil {
		if err := t.Close(); err != nil {
			s.logger.Debug("transport close failed", "error", err)
		}
	}
	s.wg.Wait()

	s.listenersMu.Lock()
	clear(s.listeners)
	s.listenersMu.Unlock()

	s.logger.Info("shared transport closed")
}

// waitConnected blocks until the instance is Connected, fails, or ctx ends.
func (s *SharedTransport) waitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		state := s.state
		lastErr := s.retry.LastError
		changed := s.changed
		s.mu.Unlock()

		switch state {
		case StateConnected:
			return nil
		case StateError:
			if lastErr == nil {
				lastErr = ErrTransportUnavailable
			}
			return lastErr
		case StateClosed:
			return ErrAlreadyClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
