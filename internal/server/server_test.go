package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mattersync/mattersync/internal/resource"
	"github.com/mattersync/mattersync/internal/ws"
)

// stubResource is a minimal Resource for route testing.
type stubResource struct {
	name     string
	snapshot any
	readErr  error
}

func (s *stubResource) Locator() string         { return "mattermost://" + s.name }
func (s *stubResource) Description() string     { return "stub" }
func (s *stubResource) SupportsStreaming() bool { return false }
func (s *stubResource) SupportsPolling() bool   { return false }
func (s *stubResource) StopStreaming()          {}
func (s *stubResource) StopPolling()            {}

func (s *stubResource) Read(ctx context.Context) (any, error) {
	return s.snapshot, s.readErr
}

func (s *stubResource) Subscribe(fn resource.Subscriber) *resource.Subscription {
	return nil
}

func (s *stubResource) StartStreaming(ctx context.Context, conn *ws.Client) error {
	return errors.New("streaming not supported")
}

func (s *stubResource) StartPolling(ctx context.Context, interval time.Duration) error {
	return errors.New("polling not supported")
}

func newTestRouter(t *testing.T, resources ...resource.Resource) http.Handler {
	t.Helper()
	registry := resource.NewRegistry(zap.NewNop())
	for _, res := range resources {
		registry.Register(res)
	}
	conn, err := ws.NewClient(ws.Config{WSURL: "ws://localhost:1"}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return NewRouter(New(registry, conn, zap.NewNop()), zap.NewNop())
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz_ReportsWebsocketState(t *testing.T) {
	router := newTestRouter(t)

	rec := get(t, router, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("expected degraded without a connection, got %v", body["status"])
	}
	if body["websocket"] != "disconnected" {
		t.Errorf("expected disconnected state, got %v", body["websocket"])
	}
}

func TestResources_ListsDefinitions(t *testing.T) {
	router := newTestRouter(t, &stubResource{name: "posts"}, &stubResource{name: "reactions"})

	rec := get(t, router, "/resources")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Resources []resource.Definition `json:"resources"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(body.Resources) != 2 {
		t.Errorf("expected 2 resources, got %d", len(body.Resources))
	}
}

func TestResourceRead(t *testing.T) {
	router := newTestRouter(t,
		&stubResource{name: "posts", snapshot: map[string]any{"posts": []any{}}},
		&stubResource{name: "broken", readErr: errors.New("upstream down")},
	)

	rec := get(t, router, "/resources/posts")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	rec = get(t, router, "/resources/nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown resource, got %d", rec.Code)
	}

	rec = get(t, router, "/resources/broken")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502 for failing read, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := get(t, router, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected metrics output")
	}
}
