// Package auth reads the bearer token issued by the external sign-in flow
// and extracts the driver identity from it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken means the sign-in flow has not produced a token yet.
	ErrNoToken = errors.New("no driver token available")
	// ErrNoDriverID means the token carries no usable driver identity claim.
	ErrNoDriverID = errors.New("token has no driver id claim")
)

// FileTokenSource serves the token stored in a file by the sign-in flow.
// Refresh re-reads the file, which the sign-in flow rewrites on renewal.
type FileTokenSource struct {
	path string

	mu    sync.RWMutex
	token string
}

func NewFileTokenSource(path string) *FileTokenSource {
	return &FileTokenSource{path: path}
}

func (f *FileTokenSource) Token(ctx context.Context) (string, error) {
	f.mu.RLock()
	tok := f.token
	f.mu.RUnlock()
	if tok != "" {
		return tok, nil
	}
	return f.Refresh(ctx)
}

func (f *FileTokenSource) Refresh(_ context.Context) (string, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("read token file: %w", err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", ErrNoToken
	}
	f.mu.Lock()
	f.token = tok
	f.mu.Unlock()
	return tok, nil
}

// StaticTokenSource always returns the same token.
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

func (s StaticTokenSource) Refresh(ctx context.Context) (string, error) { return s.Token(ctx) }

// DriverIdentity returns the auth identity of the driver carried in the
// token's sub, user_id or userId claim. The signature is verified by the
// backend, not here.
func DriverIdentity(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse driver token: %w", err)
	}
	for _, k := range []string{"sub", "user_id", "userId"} {
		if v, ok := claims[k].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", ErrNoDriverID
}
