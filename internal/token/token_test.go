package token_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/internal/token"
)

func TestStatic_ReturnsKey(t *testing.T) {
	t.Parallel()
	got, err := token.Static("sk-test").Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if got != "sk-test" {
		t.Errorf("Token() = %q, want sk-test", got)
	}
}

func TestStatic_EmptyKeyErrors(t *testing.T) {
	t.Parallel()
	if _, err := token.Static("").Token(context.Background()); err == nil {
		t.Error("expected error for empty key, got nil")
	}
}

// startMintServer serves the sessions endpoint, returning secret with the
// given expiry and counting requests.
func startMintServer(t *testing.T, secret string, expiresAt int64, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-long-lived" {
			t.Errorf("Authorization = %q, want the long-lived key", auth)
		}
		var req struct {
			Model string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "rt-model" {
			t.Errorf("model = %q, want rt-model", req.Model)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"client_secret": map[string]any{
				"value":      secret,
				"expires_at": expiresAt,
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEphemeral_MintsToken(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := startMintServer(t, "ek-short", time.Now().Add(time.Minute).Unix(), &hits)

	e := token.NewEphemeral("sk-long-lived", "rt-model", token.WithSessionsURL(srv.URL))
	got, err := e.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if got != "ek-short" {
		t.Errorf("Token() = %q, want ek-short", got)
	}
}

func TestEphemeral_CachesUntilExpiry(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := startMintServer(t, "ek-short", time.Now().Add(time.Hour).Unix(), &hits)

	e := token.NewEphemeral("sk-long-lived", "rt-model", token.WithSessionsURL(srv.URL))
	for i := 0; i < 3; i++ {
		if _, err := e.Token(context.Background()); err != nil {
			t.Fatalf("Token() call %d error: %v", i, err)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("mint endpoint hit %d times, want 1 (token should be cached)", n)
	}
}

func TestEphemeral_RefreshesExpiredToken(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	// Already inside the expiry margin, so every call must mint fresh.
	srv := startMintServer(t, "ek-short", time.Now().Add(5*time.Second).Unix(), &hits)

	e := token.NewEphemeral("sk-long-lived", "rt-model", token.WithSessionsURL(srv.URL))
	for i := 0; i < 2; i++ {
		if _, err := e.Token(context.Background()); err != nil {
			t.Fatalf("Token() call %d error: %v", i, err)
		}
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("mint endpoint hit %d times, want 2 (expired token must refresh)", n)
	}
}

func TestEphemeral_EndpointFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": {"message": "invalid api key"}}`, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	e := token.NewEphemeral("sk-bad", "rt-model", token.WithSessionsURL(srv.URL))
	_, err := e.Token(context.Background())
	if err == nil {
		t.Fatal("expected error for 401 response, got nil")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error should carry the status code, got: %v", err)
	}
}

func TestEphemeral_MissingSecret(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "sess_123"})
	}))
	t.Cleanup(srv.Close)

	e := token.NewEphemeral("sk-long-lived", "rt-model", token.WithSessionsURL(srv.URL))
	if _, err := e.Token(context.Background()); err == nil {
		t.Fatal("expected error for response without client_secret, got nil")
	}
}
