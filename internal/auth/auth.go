// Package auth supplies the identity used to authenticate the shared
// connection handshake.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrMissingUserID is returned when an identity has no user id.
var ErrMissingUserID = errors.New("identity user id is required")

// Header names carried on the connection handshake.
const (
	HeaderAuthorization = "Authorization"
	HeaderUserID        = "X-User-Id"
)

// Identity is the user id and bearer token for one connection attempt.
type Identity struct {
	UserID    string
	AuthToken string
}

// Validate checks that the identity can be used for a handshake.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.UserID) == "" {
		return ErrMissingUserID
	}
	return nil
}

// Headers returns the handshake headers for this identity.
func (id Identity) Headers() map[string]string {
	headers := map[string]string{
		HeaderUserID: id.UserID,
	}
	if id.AuthToken != "" {
		headers[HeaderAuthorization] = "Bearer " + id.AuthToken
	}
	return headers
}

// Source returns the current identity. It is consulted again before every
// reconnect so refreshed tokens take effect without re-acquiring.
type Source interface {
	Identity() (Identity, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func() (Identity, error)

// Identity calls f.
func (f SourceFunc) Identity() (Identity, error) {
	return f()
}

// StaticSource holds an identity in memory. Set replaces it, e.g. after a
// token refresh.
type StaticSource struct {
	mu sync.RWMutex
	id Identity
}

// NewStaticSource creates a StaticSource holding id.
func NewStaticSource(id Identity) *StaticSource {
	return &StaticSource{id: id}
}

// Identity returns the stored identity.
func (s *StaticSource) Identity() (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.id.Validate(); err != nil {
		return Identity{}, err
	}
	return s.id, nil
}

// Set replaces the stored identity.
func (s *StaticSource) Set(id Identity) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

// FileSource reads the bearer token from a file on every call, so a token
// rotated on disk is picked up by the next handshake.
type FileSource struct {
	UserID    string
	TokenPath string
}

// Identity reads the token file and returns the identity.
func (s FileSource) Identity() (Identity, error) {
	return LoadIdentity(s.UserID, s.TokenPath)
}

// LoadIdentity builds an identity from a user id and a token file path.
func LoadIdentity(userID, tokenPath string) (Identity, error) {
	if userID == "" {
		return Identity{}, ErrMissingUserID
	}
	if tokenPath == "" {
		return Identity{}, fmt.Errorf("token path is required")
	}

	token, err := LoadToken(tokenPath)
	if err != nil {
		return Identity{}, fmt.Errorf("load token: %w", err)
	}

	return Identity{
		UserID:    userID,
		AuthToken: token,
	}, nil
}

// LoadToken reads a bearer token from a file, trimming surrounding whitespace.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}

	return token, nil
}
