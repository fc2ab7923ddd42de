package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestDriverIdentityClaimOrder(t *testing.T) {
	id, err := DriverIdentity(signed(t, jwt.MapClaims{"sub": "user_abc", "user_id": "other"}))
	if err != nil || id != "user_abc" {
		t.Fatalf("expected sub claim, got %q err=%v", id, err)
	}
	id, err = DriverIdentity(signed(t, jwt.MapClaims{"userId": "drv-9"}))
	if err != nil || id != "drv-9" {
		t.Fatalf("expected userId claim, got %q err=%v", id, err)
	}
}

func TestDriverIdentityNoFallback(t *testing.T) {
	if _, err := DriverIdentity(signed(t, jwt.MapClaims{"email": "d@example.test"})); !errors.Is(err, ErrNoDriverID) {
		t.Fatalf("expected ErrNoDriverID, got %v", err)
	}
	if _, err := DriverIdentity("not-a-jwt"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFileTokenSourceRefreshRereads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	ts := NewFileTokenSource(path)
	if _, err := ts.Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if tok, _ := ts.Token(context.Background()); tok != "first" {
		t.Fatalf("expected first, got %q", tok)
	}
	if err := os.WriteFile(path, []byte("second"), 0o600); err != nil {
		t.Fatal(err)
	}
	if tok, _ := ts.Token(context.Background()); tok != "first" {
		t.Fatalf("token should be cached until refresh, got %q", tok)
	}
	if tok, _ := ts.Refresh(context.Background()); tok != "second" {
		t.Fatalf("expected second after refresh, got %q", tok)
	}
}
