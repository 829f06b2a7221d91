package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

func newTestClient(baseURL string, maxRetries int) *Client {
	return NewClient(Config{
		BaseURL:       baseURL,
		Token:         "test-token",
		MaxRetries:    maxRetries,
		BackoffFactor: 0.001,
		RatePerSecond: 1000,
		RateBurst:     100,
	}, zap.NewNop())
}

func TestRequest_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Errorf("expected bearer token, got %q", auth)
		}
		if accept := r.Header.Get("Accept"); accept != "application/json" {
			t.Errorf("expected accept application/json, got %q", accept)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "u1"})
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)

	var out map[string]string
	if err := client.Get(context.Background(), "/users/me", nil, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["id"] != "u1" {
		t.Errorf("unexpected response: %v", out)
	}
}

func TestRequest_RetryThenSuccess(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 3)

	if _, err := client.Request(context.Background(), http.MethodGet, "/ping", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Two retryable failures then success: exactly 3 attempts.
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestRequest_RetriesExhausted(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 2)

	_, err := client.Request(context.Background(), http.MethodGet, "/ping", nil)
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("expected *ServerError, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("expected 3 attempts (initial + 2 retries), got %d", got)
	}
}

func TestRequest_NetworkErrorWrapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // Refuse all connections.

	client := newTestClient(server.URL, 1)

	_, err := client.Request(context.Background(), http.MethodGet, "/ping", nil)
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected *TransportError, got %v", err)
	}
}

func TestRequest_AuthenticationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)

	_, err := client.Request(context.Background(), http.MethodGet, "/users/me", nil)
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthenticationError, got %v", err)
	}
}

func TestRequest_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0.01")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)

	_, err := client.Request(context.Background(), http.MethodGet, "/ping", nil)
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected *RateLimitError, got %v", err)
	}
	if rle.RetryAfter != 0.01 {
		t.Errorf("expected retry after 0.01, got %v", rle.RetryAfter)
	}
}

func TestRequest_HeaderOverride(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accept := r.Header.Get("Accept"); accept != "text/plain" {
			t.Errorf("expected per-call accept to win, got %q", accept)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)

	headers := http.Header{}
	headers.Set("Accept", "text/plain")
	if _, err := client.Request(context.Background(), http.MethodGet, "/ping", &RequestOptions{Headers: headers}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequest_QueryParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("per_page"); got != "20" {
			t.Errorf("expected per_page=20, got %q", got)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)

	params := url.Values{}
	params.Set("per_page", "20")
	if _, err := client.Request(context.Background(), http.MethodGet, "/posts", &RequestOptions{Params: params}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequest_TextResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("pong"))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)

	body, err := client.Request(context.Background(), http.MethodGet, "/ping", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != "pong" {
		t.Errorf("expected raw text body, got %q", body)
	}
}

func TestSerializeBody(t *testing.T) {
	encoded, contentType := serializeBody(map[string]string{"a": "b"})
	if string(encoded) != `{"a":"b"}` {
		t.Errorf("expected compact JSON, got %q", encoded)
	}
	if contentType != "application/json" {
		t.Errorf("expected json content type, got %q", contentType)
	}

	encoded, contentType = serializeBody("raw text")
	if string(encoded) != "raw text" || contentType != "" {
		t.Errorf("string body should pass through, got %q %q", encoded, contentType)
	}

	encoded, _ = serializeBody(nil)
	if encoded != nil {
		t.Errorf("nil body should serialize to nil, got %q", encoded)
	}
}

func TestBuildURL(t *testing.T) {
	client := newTestClient("http://example.com/base/", 0)

	if got := client.buildURL("/api/v4/users"); got != "http://example.com/base/api/v4/users" {
		t.Errorf("unexpected joined URL: %s", got)
	}
	if got := client.buildURL("https://other.example.com/x"); got != "https://other.example.com/x" {
		t.Errorf("absolute URL should pass through, got %s", got)
	}
}
