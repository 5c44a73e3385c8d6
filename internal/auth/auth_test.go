package auth

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestIdentity_Validate(t *testing.T) {
	tests := []struct {
		name    string
		id      Identity
		wantErr error
	}{
		{name: "valid", id: Identity{UserID: "u-1", AuthToken: "tok"}},
		{name: "no token", id: Identity{UserID: "u-1"}},
		{name: "empty user", id: Identity{AuthToken: "tok"}, wantErr: ErrMissingUserID},
		{name: "blank user", id: Identity{UserID: "   "}, wantErr: ErrMissingUserID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.id.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestIdentity_Headers(t *testing.T) {
	headers := Identity{UserID: "u-42", AuthToken: "secret"}.Headers()

	if headers[HeaderUserID] != "u-42" {
		t.Errorf("%s = %q, want %q", HeaderUserID, headers[HeaderUserID], "u-42")
	}
	if headers[HeaderAuthorization] != "Bearer secret" {
		t.Errorf("%s = %q, want %q", HeaderAuthorization, headers[HeaderAuthorization], "Bearer secret")
	}

	anon := Identity{UserID: "u-42"}.Headers()
	if _, ok := anon[HeaderAuthorization]; ok {
		t.Error("Authorization header set for identity without token")
	}
}

func TestStaticSource_Set(t *testing.T) {
	src := NewStaticSource(Identity{UserID: "u-1", AuthToken: "old"})

	id, err := src.Identity()
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	if id.AuthToken != "old" {
		t.Errorf("AuthToken = %q, want old", id.AuthToken)
	}

	src.Set(Identity{UserID: "u-1", AuthToken: "new"})

	id, err = src.Identity()
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	if id.AuthToken != "new" {
		t.Errorf("AuthToken = %q after Set, want new", id.AuthToken)
	}
}

func TestStaticSource_Empty(t *testing.T) {
	src := NewStaticSource(Identity{})
	if _, err := src.Identity(); !errors.Is(err, ErrMissingUserID) {
		t.Errorf("Identity() error = %v, want ErrMissingUserID", err)
	}
}

func TestSourceFunc(t *testing.T) {
	calls := 0
	src := SourceFunc(func() (Identity, error) {
		calls++
		return Identity{UserID: "fn"}, nil
	})

	id, err := src.Identity()
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	if id.UserID != "fn" || calls != 1 {
		t.Errorf("got %+v after %d calls", id, calls)
	}
}

func TestFileSource_PicksUpRotatedToken(t *testing.T) {
	path := writeTokenFile(t, "first-token\n")
	src := FileSource{UserID: "u-7", TokenPath: path}

	id, err := src.Identity()
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	if id.AuthToken != "first-token" {
		t.Errorf("AuthToken = %q, want first-token", id.AuthToken)
	}

	if err := os.WriteFile(path, []byte("second-token"), 0600); err != nil {
		t.Fatalf("rewrite token: %v", err)
	}

	id, err = src.Identity()
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	if id.AuthToken != "second-token" {
		t.Errorf("AuthToken = %q after rotation, want second-token", id.AuthToken)
	}
}

func TestLoadIdentity_Errors(t *testing.T) {
	empty := writeTokenFile(t, "  \n")

	tests := []struct {
		name     string
		userID   string
		path     string
		contains string
	}{
		{name: "missing user", userID: "", path: empty, contains: "user id is required"},
		{name: "missing path", userID: "u", path: "", contains: "token path is required"},
		{name: "missing file", userID: "u", path: filepath.Join(t.TempDir(), "nope"), contains: "read token file"},
		{name: "empty file", userID: "u", path: empty, contains: "is empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadIdentity(tt.userID, tt.path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("error = %q, want it to contain %q", err, tt.contains)
			}
		})
	}
}

func writeTokenFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	return path
}
