// Package session authenticates against the brokerage REST API and supplies
// the tokens the streaming connections are built from.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Production endpoints. Override via Config for the sandbox environment.
const (
	DefaultBaseURL      = "https://api.tastyworks.com"
	DefaultWebSocketURL = "wss://streamer.tastyworks.com"
)

// ErrUnauthorized is returned when the API rejects the session credentials.
var ErrUnauthorized = errors.New("session: unauthorized")

// Config holds optional settings for a session.
type Config struct {
	BaseURL      string
	WebSocketURL string
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.WebSocketURL == "" {
		c.WebSocketURL = DefaultWebSocketURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Credentials is the login request body. Either Password or RememberToken
// must be set; with RememberMe the API rotates and returns a fresh
// remember token on every login.
type Credentials struct {
	Login         string `json:"login"`
	Password      string `json:"password,omitempty"`
	RememberToken string `json:"remember-token,omitempty"`
	RememberMe    bool   `json:"remember-me"`
}

// User identifies the logged-in user.
type User struct {
	Email      string `json:"email"`
	Username   string `json:"username"`
	ExternalID string `json:"external-id"`
}

// StreamerTokens is the credential set for the market-data streaming
// connection. ExpiresAt is extracted from the token's claims when present.
type StreamerTokens struct {
	Token     string    `json:"token"`
	DXLinkURL string    `json:"dxlink-url"`
	Level     string    `json:"level"`
	ExpiresAt time.Time `json:"-"`
}

// Session is an authenticated API session.
type Session struct {
	cfg   Config
	log   *slog.Logger
	httpc *http.Client

	mu            sync.RWMutex
	token         string
	rememberToken string
	user          User
}

type loginResponse struct {
	User          User   `json:"user"`
	SessionToken  string `json:"session-token"`
	RememberToken string `json:"remember-token"`
}

// Login authenticates and returns a live session.
func Login(ctx context.Context, creds Credentials, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	s := &Session{cfg: cfg, log: cfg.Logger, httpc: cfg.HTTPClient}

	var out loginResponse
	if err := s.do(ctx, http.MethodPost, "/sessions", creds, &out); err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}

	s.token = out.SessionToken
	s.rememberToken = out.RememberToken
	s.user = out.User
	s.log.Info("Session established", "username", out.User.Username)
	return s, nil
}

// SessionToken returns the current session token.
func (s *Session) SessionToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// RememberToken returns the remember token issued at login, if any. Each
// token is single-use; it is consumed by the next Login call.
func (s *Session) RememberToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rememberToken
}

// User returns the logged-in user.
func (s *Session) User() User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// WebSocketURL returns the account-update streaming endpoint.
func (s *Session) WebSocketURL() string { return s.cfg.WebSocketURL }

// StreamerTokens fetches the market-data streamer token and endpoint. The
// token is a JWT; its expiry claim, when readable, is surfaced so callers
// can reconnect before it lapses.
func (s *Session) StreamerTokens(ctx context.Context) (StreamerTokens, error) {
	var out StreamerTokens
	if err := s.do(ctx, http.MethodGet, "/api-quote-tokens", nil, &out); err != nil {
		return StreamerTokens{}, fmt.Errorf("fetching streamer tokens: %w", err)
	}

	if tok, _, err := jwt.NewParser().ParseUnverified(out.Token, jwt.MapClaims{}); err == nil {
		if exp, err := tok.Claims.GetExpirationTime(); err == nil && exp != nil {
			out.ExpiresAt = exp.Time
			s.log.Debug("Streamer token fetched", "level", out.Level, "expires_at", exp.Time)
		}
	}
	return out, nil
}

// Destroy invalidates the session server-side.
func (s *Session) Destroy(ctx context.Context) error {
	if err := s.do(ctx, http.MethodDelete, "/sessions", nil, nil); err != nil {
		return fmt.Errorf("destroying session: %w", err)
	}
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	s.log.Info("Session destroyed")
	return nil
}

// apiEnvelope is the {"data": ...} / {"error": ...} wrapper every endpoint
// responds with.
type apiEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *apiError       `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api error %s: %s", e.Code, e.Message)
}

func (s *Session) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := s.SessionToken(); tok != "" {
		req.Header.Set("Authorization", tok)
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	}

	var env apiEnvelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("%s %s: decoding response (HTTP %d): %w", method, path, resp.StatusCode, err)
		}
	}
	if env.Error != nil {
		return fmt.Errorf("%s %s: %w", method, path, env.Error)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decoding data: %w", method, path, err)
		}
	}
	return nil
}
