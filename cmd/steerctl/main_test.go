package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/term"

	"github.com/jordanhubbard/steerloop/internal/auth"
	"github.com/jordanhubbard/steerloop/internal/steering"
	"github.com/jordanhubbard/steerloop/pkg/config"
)

type capturedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	APIKey string
	Body   map[string]interface{}
}

func newRecordingServer(t *testing.T, status int, reply string) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var reqs []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := capturedRequest{
			Method: r.Method,
			Path:   r.URL.EscapedPath(),
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
			APIKey: r.Header.Get("X-API-Key"),
		}
		_ = json.NewDecoder(r.Body).Decode(&c.Body)
		reqs = append(reqs, c)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func runCLI(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("STEERD_SERVER", "")
	t.Setenv("STEERCTL_TOKEN", "")
	t.Setenv("STEERCTL_API_KEY", "")
	t.Setenv("STEERD_JWT_SECRET", "")

	var out bytes.Buffer
	stdout = &out
	t.Cleanup(func() { stdout = os.Stdout })

	cmd := newRootCommand()
	cmd.SetArgs(append([]string{"--server", server}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSendPostsMessage(t *testing.T) {
	srv, reqs := newRecordingServer(t, http.StatusAccepted, `{"prediction":{"id":"pred-1","status":"pending"}}`)

	out, err := runCLI(t, srv.URL, "--token", "tok", "send", "--channel", "C1", "--tag", "deploy", "ship", "it")
	require.NoError(t, err)
	require.Len(t, *reqs, 1)

	got := (*reqs)[0]
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/api/v1/messages", got.Path)
	assert.Equal(t, "Bearer tok", got.Auth)
	assert.Equal(t, "ship it", got.Body["prompt"])
	assert.Equal(t, "C1", got.Body["channel_id"])
	assert.Equal(t, []interface{}{"deploy"}, got.Body["tags"])
	assert.Contains(t, out, `"pred-1"`)
}

func TestSendRequiresChannel(t *testing.T) {
	srv, reqs := newRecordingServer(t, http.StatusOK, `{}`)
	_, err := runCLI(t, srv.URL, "send", "hello")
	assert.Error(t, err)
	assert.Empty(t, *reqs)
}

func TestAPIKeyTakesPrecedence(t *testing.T) {
	srv, reqs := newRecordingServer(t, http.StatusOK, `{"predictions":[],"count":0}`)
	_, err := runCLI(t, srv.URL, "--token", "tok", "--api-key", "key-1.secret", "list", "--status", "pending", "--actor", "builder")
	require.NoError(t, err)

	got := (*reqs)[0]
	assert.Equal(t, "key-1.secret", got.APIKey)
	assert.Empty(t, got.Auth)
	assert.Equal(t, "/api/v1/predictions", got.Path)
	assert.Equal(t, "actor_id=builder&status=pending", got.Query)
}

func TestPathArgumentsAreEscaped(t *testing.T) {
	srv, reqs := newRecordingServer(t, http.StatusOK, `{}`)
	_, err := runCLI(t, srv.URL, "pending", "team/builder")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/actors/team%2Fbuilder/pending", (*reqs)[0].Path)
}

func TestRedirectDefaultsSourceToCLI(t *testing.T) {
	srv, reqs := newRecordingServer(t, http.StatusCreated, `{}`)
	_, err := runCLI(t, srv.URL, "redirect", "new", "plan")
	require.NoError(t, err)
	assert.Equal(t, "new plan", (*reqs)[0].Body["prompt"])
	assert.Equal(t, "cli", (*reqs)[0].Body["source"])
}

func TestAbortNeedsConfirmation(t *testing.T) {
	srv, reqs := newRecordingServer(t, http.StatusOK, `{"aborted":2}`)

	_, err := runCLI(t, srv.URL, "abort")
	assert.Error(t, err)
	assert.Empty(t, *reqs)

	out, err := runCLI(t, srv.URL, "abort", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, `"aborted": 2`)
}

func TestServerErrorSurfacesMessage(t *testing.T) {
	srv, _ := newRecordingServer(t, http.StatusConflict, `{"error":"redirect refused inside grace period"}`)
	_, err := runCLI(t, srv.URL, "redirect", "late")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "redirect refused inside grace period", apiErr.Message)
}

func TestTokenSignsLocallyWithSecret(t *testing.T) {
	out, err := runCLI(t, "http://127.0.0.1:1", "token", "builder", "--tier", "trusted", "--secret", "dev-secret", "--ttl", "1h")
	require.NoError(t, err)

	var resp auth.TokenResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, steering.TierTrusted, resp.Tier)
	assert.EqualValues(t, 3600, resp.ExpiresIn)

	m, err := auth.NewManager(auth.Config{Enabled: true, JWTSecret: "dev-secret"})
	require.NoError(t, err)
	claims, err := m.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "builder", claims.ActorID)
}

func TestTokenRejectsUnknownTier(t *testing.T) {
	_, err := runCLI(t, "http://127.0.0.1:1", "token", "builder", "--tier", "root", "--secret", "s")
	assert.ErrorIs(t, err, steering.ErrUnknownTier)
}

func TestWatchEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/events/ws", r.URL.Path)
		assert.Equal(t, "builder", r.URL.Query().Get("actor_id"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"prediction.created"}`))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Token: "tok", HTTP: srv.Client()}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []string
	err := c.watchEvents(ctx, map[string][]string{"actor_id": {"builder"}}, func(data []byte) {
		got = append(got, string(data))
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, strings.Contains(got[0], "prediction.created"))
}

func TestLoginSavesToken(t *testing.T) {
	_, err := runCLI(t, "http://steer.example:8080", "--token", "tok", "login")
	require.NoError(t, err)

	saved, err := config.LoadClientConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://steer.example:8080", saved.ServerURL)
	assert.Equal(t, "tok", saved.Token)
}

func TestLoginWithoutTokenNeedsTerminal(t *testing.T) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		t.Skip("stdin is a terminal")
	}
	_, err := runCLI(t, "http://steer.example:8080", "login")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--token")
}
