// Package token supplies bearer credentials for the speech-backend
// connection. The relay treats credential lifecycle as a black box behind
// [Supplier]: the common deployment hands the long-lived API key straight to
// the websocket ([Static]), while [Ephemeral] exchanges it for short-lived
// session tokens so the long-lived key never reaches the media path.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Supplier returns a bearer credential for one backend connection attempt.
type Supplier interface {
	Token(ctx context.Context) (string, error)
}

// Static is a Supplier that always returns the same long-lived key.
type Static string

// Token implements [Supplier].
func (s Static) Token(_ context.Context) (string, error) {
	if s == "" {
		return "", errors.New("token: no api key configured")
	}
	return string(s), nil
}

// ── Ephemeral tokens ───────────────────────────────────────────────────────────

const (
	// defaultSessionsURL is the endpoint that mints ephemeral realtime
	// session tokens.
	defaultSessionsURL = "https://api.openai.com/v1/realtime/sessions"

	// expiryMargin is subtracted from a token's expiry when caching, so a
	// token is never handed out moments before it dies mid-handshake.
	expiryMargin = 10 * time.Second
)

// Option is a functional option for configuring an [Ephemeral] supplier.
type Option func(*Ephemeral)

// WithSessionsURL overrides the token-minting endpoint. Primarily used in
// tests to point at a local mock server.
func WithSessionsURL(url string) Option {
	return func(e *Ephemeral) { e.sessionsURL = url }
}

// WithHTTPClient overrides the HTTP client used for token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Ephemeral) { e.httpClient = c }
}

// Ephemeral mints short-lived session tokens from a long-lived API key via
// the backend's REST endpoint. Tokens are cached until shortly before expiry;
// concurrent callers share one cached token. Safe for concurrent use.
type Ephemeral struct {
	apiKey      string
	model       string
	sessionsURL string
	httpClient  *http.Client

	mu      sync.Mutex
	cached  string
	expires time.Time
}

// NewEphemeral creates an Ephemeral supplier that mints tokens for the given
// model using apiKey.
func NewEphemeral(apiKey, model string, opts ...Option) *Ephemeral {
	e := &Ephemeral{
		apiKey:      apiKey,
		model:       model,
		sessionsURL: defaultSessionsURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

type sessionTokenRequest struct {
	Model string `json:"model"`
}

type sessionTokenResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Token implements [Supplier]. It returns the cached token when still valid
// and mints a fresh one otherwise.
func (e *Ephemeral) Token(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cached != "" && time.Now().Before(e.expires) {
		return e.cached, nil
	}

	body, err := json.Marshal(sessionTokenRequest{Model: e.model})
	if err != nil {
		return "", fmt.Errorf("token: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.sessionsURL, strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("token: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token: endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed sessionTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("token: decode response: %w", err)
	}
	if parsed.ClientSecret.Value == "" {
		return "", errors.New("token: response missing client_secret")
	}

	e.cached = parsed.ClientSecret.Value
	e.expires = time.Unix(parsed.ClientSecret.ExpiresAt, 0).Add(-expiryMargin)
	return e.cached, nil
}
