package main

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/rickgao/sharedconn/internal/auth"
	"github.com/rickgao/sharedconn/internal/connection"
)

// consumer simulates one feature of an application: it acquires the shared
// connection, listens for a while, releases it, and comes back later.
type consumer struct {
	name     string
	manager  *connection.Manager
	identity auth.Identity
	hold     time.Duration
	pause    time.Duration
	logger   *slog.Logger

	messages *atomic.Int64
}

func (c *consumer) run(ctx context.Context) error {
	for {
		if err := c.session(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(jitter(c.pause)):
		}
	}
}

func (c *consumer) session(ctx context.Context) error {
	h, state, err := c.manager.Acquire(c.identity)
	if err != nil {
		return err
	}
	defer h.Release()

	c.logger.Debug("acquired", "consumer", c.name, "handle", h.ID(), "state", state)

	off := h.Transport().On(func(msg connection.Message) {
		c.messages.Add(1)
		c.logger.Debug("message", "consumer", c.name, "event", msg.Event)
	})
	defer off()

	waitCtx, cancel := context.WithTimeout(ctx, c.hold)
	defer cancel()
	if err := h.WaitConnected(waitCtx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("shared connection not ready", "consumer", c.name, "error", err)
		return nil
	}

	if err := h.Transport().Emit("consumer_active", map[string]string{"consumer": c.name}); err != nil {
		c.logger.Debug("emit failed", "consumer", c.name, "error", err)
	}

	<-waitCtx.Done()
	c.logger.Debug("releasing", "consumer", c.name, "held", time.Since(h.AcquiredAt()))
	return nil
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + rand.N(d)
}
