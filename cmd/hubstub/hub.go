package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/sharedconn/internal/auth"
	"github.com/rickgao/sharedconn/internal/connection"
)

// hubConfig configures the stub backend.
type hubConfig struct {
	Token     string        // Accepted bearer token; empty accepts any
	Heartbeat time.Duration // Interval of server "heartbeat" events, 0 disables
	DropAfter time.Duration // Close each connection after this long, 0 keeps it open
}

// hub is a minimal real-time backend: it authenticates the upgrade, answers
// register_user with "registered" and acknowledges every other event.
type hub struct {
	cfg      hubConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]string // connection id -> user id

	accepted atomic.Int64
	rejected atomic.Int64
}

func newHub(cfg hubConfig, logger *slog.Logger) *hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &hub{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]string),
	}
}

func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.rejected.Add(1)
		h.logger.Warn("handshake rejected", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var hs connection.HandshakePayload
	if raw := r.Header.Get(connection.HeaderHandshake); raw != "" {
		if err := json.Unmarshal([]byte(raw), &hs); err != nil {
			http.Error(w, "invalid handshake payload", http.StatusBadRequest)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	userID := r.Header.Get(auth.HeaderUserID)
	h.accepted.Add(1)
	h.track(id, userID)
	defer h.untrack(id)

	h.logger.Info("client connected",
		"conn", id,
		"user_id", userID,
		"transports", hs.TransportPreference,
	)

	h.serve(conn, id)
}

func (h *hub) authorized(r *http.Request) bool {
	if h.cfg.Token == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get(auth.HeaderAuthorization), "Bearer ")
	return ok && token == h.cfg.Token
}

func (h *hub) serve(conn *websocket.Conn, id string) {
	var writeMu sync.Mutex
	send := func(event string, payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		frame, err := json.Marshal(connection.Envelope{Event: event, Data: data})
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, frame)
	}

	done := make(chan struct{})
	defer close(done)

	if h.cfg.Heartbeat > 0 {
		go func() {
			ticker := time.NewTicker(h.cfg.Heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case t := <-ticker.C:
					if err := send("heartbeat", map[string]int64{"ts": t.UnixMilli()}); err != nil {
						return
					}
				}
			}
		}()
	}

	if h.cfg.DropAfter > 0 {
		timer := time.AfterFunc(h.cfg.DropAfter, func() {
			h.logger.Info("dropping connection", "conn", id)
			conn.Close()
		})
		defer timer.Stop()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.logger.Info("client disconnected", "conn", id, "error", err)
			return
		}

		var env connection.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			h.logger.Debug("ignoring frame", "conn", id, "size", len(data))
			continue
		}

		switch env.Event {
		case connection.EventRegisterUser:
			var p connection.RegisterUserPayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				h.logger.Warn("bad register_user payload", "conn", id, "error", err)
				continue
			}
			h.track(id, p.UserID)
			err = send("registered", p)
		default:
			err = send("ack", map[string]string{"event": env.Event})
		}
		if err != nil {
			return
		}
	}
}

func (h *hub) track(id, userID string) {
	h.mu.Lock()
	h.conns[id] = userID
	h.mu.Unlock()
}

func (h *hub) untrack(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *hub) connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
