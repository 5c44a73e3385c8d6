package connection

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport.
type fakeTransport struct {
	messages chan Message
	errors   chan error

	mu      sync.Mutex
	emitted []Envelope
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		messages: make(chan Message, 16),
		errors:   make(chan error, 1),
	}
}

func (t *fakeTransport) Emit(event string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrNotConnected
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.emitted = append(t.emitted, Envelope{Event: event, Data: data})
	return nil
}

func (t *fakeTransport) Messages() <-chan Message { return t.messages }
func (t *fakeTransport) Errors() <-chan error     { return t.errors }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *fakeTransport) isClosed() bool {
	return !t.IsConnected()
}

// drop simulates a network failure.
func (t *fakeTransport) drop(err error) {
	select {
	case t.errors <- err:
	default:
	}
}

func (t *fakeTransport) events() []Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Envelope, len(t.emitted))
	copy(out, t.emitted)
	return out
}

// fakeFactory hands out fakeTransports. fail, if set, is called with the
// 1-based open count and may return an error instead.
type fakeFactory struct {
	mu         sync.Mutex
	opens      int
	payloads   []HandshakePayload
	transports []*fakeTransport
	fail       func(n int) error
	gate       chan struct{}
}

func (f *fakeFactory) Open(ctx context.Context, payload HandshakePayload) (Transport, error) {
	f.mu.Lock()
	f.opens++
	n := f.opens
	f.payloads = append(f.payloads, payload)
	gate := f.gate
	fail := f.fail
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if fail != nil {
		if err := fail(n); err != nil {
			return nil, err
		}
	}

	t := newFakeTransport()
	f.mu.Lock()
	f.transports = append(f.transports, t)
	f.mu.Unlock()
	return t, nil
}

func (f *fakeFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeFactory) transport(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.transports) {
		return nil
	}
	return f.transports[i]
}

func (f *fakeFactory) payload(i int) HandshakePayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloads[i]
}

func (f *fakeFactory) setFail(fn func(n int) error) {
	f.mu.Lock()
	f.fail = fn
	f.mu.Unlock()
}

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		TransportPreference:  []string{TransportWebSocket},
		Reconnection:         true,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    40 * time.Millisecond,
		HandshakeTimeout:     time.Second,
		GracePeriod:          50 * time.Millisecond,
	}
}

// stateRecorder collects state changes from a subscription.
type stateRecorder struct {
	ch chan StateChange
}

func recordStates(t *testing.T, m *Manager) *stateRecorder {
	t.Helper()
	r := &stateRecorder{ch: make(chan StateChange, 256)}
	unsub := m.SubscribeState(func(c StateChange) { r.ch <- c })
	t.Cleanup(unsub)
	return r
}

// waitFor consumes changes until one reaches want, returning everything
// consumed including the match.
func (r *stateRecorder) waitFor(t *testing.T, want State) []StateChange {
	t.Helper()
	var seen []StateChange
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c := <-r.ch:
			seen = append(seen, c)
			if c.To == want {
				return seen
			}
		case <-timeout:
			t.Fatalf("timeout waiting for state %s, saw %v", want, states(seen))
			return nil
		}
	}
}

// drain returns the changes currently buffered.
func (r *stateRecorder) drain() []StateChange {
	var out []StateChange
	for {
		select {
		case c := <-r.ch:
			out = append(out, c)
		default:
			return out
		}
	}
}

func states(changes []StateChange) []State {
	out := make([]State, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.To)
	}
	return out
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
