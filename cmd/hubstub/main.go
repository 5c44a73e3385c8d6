// hubstub is a local stand-in for the real-time backend, for running
// connwatch without a deployment.
//
// Usage: go run ./cmd/hubstub --addr :8085 --token dev-token
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/sharedconn/internal/version"
)

func main() {
	addr := flag.String("addr", ":8085", "listen address")
	path := flag.String("path", "/socket", "WebSocket endpoint path")
	token := flag.String("token", os.Getenv("HUBSTUB_TOKEN"), "accepted bearer token (empty accepts any)")
	heartbeat := flag.Duration("heartbeat", 5*time.Second, "interval of heartbeat events (0 disables)")
	dropAfter := flag.Duration("drop-after", 0, "close each connection after this long (0 disables)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	h := newHub(hubConfig{
		Token:     *token,
		Heartbeat: *heartbeat,
		DropAfter: *dropAfter,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle(*path, h)

	server := &http.Server{
		Addr:    *addr,
		Handler: mux,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		logger.Info("hubstub listening", "addr", *addr, "path", *path, "version", version.Version)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	logger.Info("hubstub stopped",
		"accepted", h.accepted.Load(),
		"rejected", h.rejected.Load(),
	)
}
