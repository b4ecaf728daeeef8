package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(srv *httptest.Server) Config {
	return Config{
		BaseURL:      srv.URL,
		WebSocketURL: "wss://test-streamer",
		Logger:       slog.New(slog.DiscardHandler),
	}
}

func envelope(t *testing.T, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"data": data})
	require.NoError(t, err)
	return raw
}

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sessions", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var creds Credentials
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		assert.Equal(t, "trader@example.com", creds.Login)
		assert.Equal(t, "hunter2", creds.Password)
		assert.True(t, creds.RememberMe)

		w.WriteHeader(http.StatusCreated)
		w.Write(envelope(t, map[string]any{
			"user":           map[string]any{"email": "trader@example.com", "username": "trader"},
			"session-token":  "sess-abc",
			"remember-token": "rem-xyz",
		}))
	}))
	defer srv.Close()

	s, err := Login(context.Background(), Credentials{
		Login:      "trader@example.com",
		Password:   "hunter2",
		RememberMe: true,
	}, testConfig(srv))
	require.NoError(t, err)

	assert.Equal(t, "sess-abc", s.SessionToken())
	assert.Equal(t, "rem-xyz", s.RememberToken())
	assert.Equal(t, "trader", s.User().Username)
	assert.Equal(t, "wss://test-streamer", s.WebSocketURL())
}

func TestLoginUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := Login(context.Background(), Credentials{Login: "x", Password: "bad"}, testConfig(srv))
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestLoginAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"code":"invalid_credentials","message":"invalid login"}}`))
	}))
	defer srv.Close()

	_, err := Login(context.Background(), Credentials{Login: "x"}, testConfig(srv))
	require.ErrorContains(t, err, "invalid_credentials")
	require.ErrorContains(t, err, "invalid login")
}

func TestStreamerTokens(t *testing.T) {
	expiry := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": expiry.Unix(),
		"sub": "trader",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sessions":
			w.WriteHeader(http.StatusCreated)
			w.Write(envelope(t, map[string]any{"session-token": "sess-abc"}))
		case "/api-quote-tokens":
			require.Equal(t, http.MethodGet, r.Method)
			require.Equal(t, "sess-abc", r.Header.Get("Authorization"))
			w.Write(envelope(t, map[string]any{
				"token":      signed,
				"dxlink-url": "wss://dxlink-test",
				"level":      "api",
			}))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	s, err := Login(context.Background(), Credentials{Login: "x", Password: "y"}, testConfig(srv))
	require.NoError(t, err)

	tokens, err := s.StreamerTokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, signed, tokens.Token)
	assert.Equal(t, "wss://dxlink-test", tokens.DXLinkURL)
	assert.Equal(t, "api", tokens.Level)
	assert.True(t, tokens.ExpiresAt.Equal(expiry), "want %v, got %v", expiry, tokens.ExpiresAt)
}

func TestStreamerTokensOpaqueToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sessions":
			w.WriteHeader(http.StatusCreated)
			w.Write(envelope(t, map[string]any{"session-token": "sess-abc"}))
		default:
			w.Write(envelope(t, map[string]any{"token": "not-a-jwt", "dxlink-url": "wss://d", "level": "api"}))
		}
	}))
	defer srv.Close()

	s, err := Login(context.Background(), Credentials{Login: "x", Password: "y"}, testConfig(srv))
	require.NoError(t, err)

	tokens, err := s.StreamerTokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "not-a-jwt", tokens.Token)
	assert.True(t, tokens.ExpiresAt.IsZero())
}

func TestDestroy(t *testing.T) {
	deleted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/sessions" && r.Method == http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			w.Write(envelope(t, map[string]any{"session-token": "sess-abc"}))
		case r.URL.Path == "/sessions" && r.Method == http.MethodDelete:
			require.Equal(t, "sess-abc", r.Header.Get("Authorization"))
			deleted = true
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	s, err := Login(context.Background(), Credentials{Login: "x", Password: "y"}, testConfig(srv))
	require.NoError(t, err)

	require.NoError(t, s.Destroy(context.Background()))
	assert.True(t, deleted)
	assert.Empty(t, s.SessionToken())
}

func TestCredentialsFromEnv(t *testing.T) {
	t.Setenv(EnvLogin, "trader@example.com")
	t.Setenv(EnvPassword, "hunter2")
	t.Setenv(EnvRememberToken, "")

	creds := CredentialsFromEnv()
	assert.Equal(t, "trader@example.com", creds.Login)
	assert.Equal(t, "hunter2", creds.Password)
	assert.Empty(t, creds.RememberToken)
	assert.True(t, creds.RememberMe)

	t.Setenv(EnvRememberToken, "rem-1")
	creds = CredentialsFromEnv()
	assert.Equal(t, "rem-1", creds.RememberToken)
	assert.Empty(t, creds.Password)
}
