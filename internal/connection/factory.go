package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// TransportFactory opens one physical connection to a fixed origin.
type TransportFactory interface {
	Open(ctx context.Context, payload HandshakePayload) (Transport, error)
}

// FactoryFunc adapts a function to a TransportFactory.
type FactoryFunc func(ctx context.Context, payload HandshakePayload) (Transport, error)

// Open calls f.
func (f FactoryFunc) Open(ctx context.Context, payload HandshakePayload) (Transport, error) {
	return f(ctx, payload)
}

// WebSocketFactory opens a new Client per call.
type WebSocketFactory struct {
	cfg    ClientConfig
	logger *slog.Logger
}

// NewWebSocketFactory creates a factory dialing cfg.URL.
func NewWebSocketFactory(cfg ClientConfig, logger *slog.Logger) *WebSocketFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketFactory{cfg: cfg, logger: logger}
}

// Open dials and authenticates a new WebSocket client.
func (f *WebSocketFactory) Open(ctx context.Context, payload HandshakePayload) (Transport, error) {
	c := NewClient(f.cfg, f.logger)
	if err := c.Connect(ctx, payload); err != nil {
		return nil, err
	}
	return c, nil
}

// Transports selects a factory by the payload's TransportPreference order.
// Names without a registered factory are skipped. A handshake rejection
// stops the walk, since another transport would present the same
// credentials.
type Transports map[string]TransportFactory

// Open tries each preferred transport in order.
func (ts Transports) Open(ctx context.Context, payload HandshakePayload) (Transport, error) {
	var lastErr error
	for _, name := range payload.TransportPreference {
		f, ok := ts[name]
		if !ok {
			continue
		}

		t, err := f.Open(ctx, payload)
		if err == nil {
			return t, nil
		}
		if errors.Is(err, ErrHandshakeRejected) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = fmt.Errorf("%s: %w", name, err)
	}

	if lastErr == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSupportedTransport, payload.TransportPreference)
	}
	return nil, lastErr
}
