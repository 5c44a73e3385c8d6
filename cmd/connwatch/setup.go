package main

import (
	"fmt"
	"log/slog"

	"github.com/rickgao/sharedconn/internal/auth"
	"github.com/rickgao/sharedconn/internal/config"
	"github.com/rickgao/sharedconn/internal/connection"
	"github.com/rickgao/sharedconn/internal/journal"
)

func managerConfig(cfg *config.Config) connection.ManagerConfig {
	c := cfg.Connection
	return connection.ManagerConfig{
		TransportPreference:  c.TransportPreference,
		Reconnection:         c.ReconnectionEnabled(),
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		ReconnectBaseDelay:   c.ReconnectBaseDelay,
		ReconnectMaxDelay:    c.ReconnectMaxDelay,
		ReconnectJitter:      c.ReconnectJitter,
		HandshakeTimeout:     c.HandshakeTimeout,
		GracePeriod:          c.Grace(),
	}
}

func clientConfig(cfg *config.Config) connection.ClientConfig {
	c := cfg.Connection
	return connection.ClientConfig{
		URL:          cfg.Server.URL,
		PingInterval: c.PingInterval,
		PingTimeout:  c.PingTimeout,
		WriteTimeout: c.WriteTimeout,
		BufferSize:   c.BufferSize,
	}
}

func journalConfig(cfg *config.Config) journal.Config {
	return journal.Config{
		BatchSize:     cfg.Journal.BatchSize,
		FlushInterval: cfg.Journal.FlushInterval,
		BufferSize:    cfg.Journal.BufferSize,
	}
}

// identitySource prefers a token file, which is re-read on every reconnect.
func identitySource(cfg *config.Config) (auth.Source, auth.Identity, error) {
	var src auth.Source
	if cfg.Auth.TokenPath != "" {
		src = &auth.FileSource{UserID: cfg.Auth.UserID, TokenPath: cfg.Auth.TokenPath}
	} else {
		src = auth.NewStaticSource(auth.Identity{UserID: cfg.Auth.UserID, AuthToken: cfg.Auth.Token})
	}

	id, err := src.Identity()
	if err != nil {
		return nil, auth.Identity{}, fmt.Errorf("load identity: %w", err)
	}
	return src, id, nil
}

// newFactory registers the transports this build supports.
func newFactory(cfg *config.Config, logger *slog.Logger) connection.Transports {
	return connection.Transports{
		connection.TransportWebSocket: connection.NewWebSocketFactory(clientConfig(cfg), logger),
	}
}
