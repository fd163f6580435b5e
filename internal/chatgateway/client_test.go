package chatgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, srv *httptest.Server, retries int) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:    srv.URL + "/",
		Token:      "secret",
		MaxRetries: retries,
		Backoff:    time.Millisecond,
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.ErrorIs(t, err, ErrNoBaseURL)
}

func TestPostReturnsMessageID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/messages", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req postRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "C1", req.ChannelID)
		assert.Equal(t, "hello", req.Text)

		_ = json.NewEncoder(w).Encode(gatewayResponse{OK: true, MessageID: "1700000000.0001"})
	}))
	defer srv.Close()

	handle, err := newTestClient(t, srv, 0).Post(context.Background(), "C1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "1700000000.0001", handle)
}

func TestPostWithoutMessageIDFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(gatewayResponse{OK: true})
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, 0).Post(context.Background(), "C1", "hello")
	assert.ErrorIs(t, err, ErrNoMessageID)
}

func TestEditEscapesHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/messages/a%2Fb", r.URL.EscapedPath())
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(t, srv, 0).Edit(context.Background(), "C1", "a/b", "edited"))
}

func TestEditRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		if calls.Add(1) < 3 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(t, srv, 3).Edit(context.Background(), "C1", "m-1", "edited"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestPostIsNotResentAfterServerError(t *testing.T) {
	var created atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := created.Add(1)
		if n == 1 {
			// The message exists but the relay lost the response.
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(gatewayResponse{OK: true, MessageID: fmt.Sprintf("m%d", n)})
	}))
	defer srv.Close()

	handle, err := newTestClient(t, srv, 2).Post(context.Background(), "C1", "hello")
	require.Error(t, err)
	assert.Empty(t, handle)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Equal(t, int32(1), created.Load())
}

func TestPostRetriesRateLimitWithSameKey(t *testing.T) {
	var keys []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		n := len(keys)
		mu.Unlock()
		if n == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(gatewayResponse{OK: true, MessageID: "m-2"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 2)
	handle, err := c.Post(context.Background(), "C1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "m-2", handle)

	require.Len(t, keys, 2)
	assert.NotEmpty(t, keys[0])
	assert.Equal(t, keys[0], keys[1])

	_, err = c.Post(context.Background(), "C1", "again")
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.NotEqual(t, keys[0], keys[2])
}

type refusingTransport struct {
	refusals atomic.Int32
	next     http.RoundTripper
}

func (rt *refusingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if rt.refusals.Add(-1) >= 0 {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	}
	return rt.next.RoundTrip(r)
}

func TestPostRetriesRefusedConnection(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(gatewayResponse{OK: true, MessageID: "m-1"})
	}))
	defer srv.Close()

	rt := &refusingTransport{next: srv.Client().Transport}
	rt.refusals.Store(1)
	c, err := NewClient(Config{
		BaseURL:    srv.URL,
		MaxRetries: 2,
		Backoff:    time.Millisecond,
		HTTPClient: &http.Client{Transport: rt},
	})
	require.NoError(t, err)

	handle, err := c.Post(context.Background(), "C1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "m-1", handle)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown channel", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, 5).Post(context.Background(), "nope", "hello")
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, "unknown channel", statusErr.Body)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGatewayReportedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(gatewayResponse{OK: false, Error: "channel_archived"})
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, 0).Post(context.Background(), "C1", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_archived")
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 10)
	c.backoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Edit(ctx, "C1", "m-1", "hello")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	assert.NoError(t, newTestClient(t, srv, 0).Health(context.Background()))
}
