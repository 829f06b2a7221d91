package resource

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mattersync/mattersync/internal/ws"
)

// postStore fakes the /channels/{id}/posts endpoint with ?since
// filtering, mirroring the server's response shape.
type postStore struct {
	mu    sync.Mutex
	posts map[string][]Post // channel_id -> posts
	fail  map[string]bool   // channels whose fetch always errors
}

func newPostStore() *postStore {
	return &postStore{posts: make(map[string][]Post), fail: make(map[string]bool)}
}

func (s *postStore) add(channelID string, posts ...Post) {
	s.mu.Lock()
	s.posts[channelID] = append(s.posts[channelID], posts...)
	s.mu.Unlock()
}

func (s *postStore) client() *fakeClient {
	return &fakeClient{handler: func(endpoint string, params url.Values) (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		channelID := strings.TrimSuffix(strings.TrimPrefix(endpoint, "/channels/"), "/posts")
		if channelID == endpoint {
			return nil, fmt.Errorf("unexpected endpoint %s", endpoint)
		}

		if s.fail[channelID] {
			return nil, fmt.Errorf("channel %s unavailable", channelID)
		}

		since, _ := strconv.ParseInt(params.Get("since"), 10, 64)
		out := map[string]Post{}
		var order []string
		for _, p := range s.posts[channelID] {
			if p.CreateAt > since {
				out[p.ID] = p
				order = append(order, p.ID)
			}
		}
		return map[string]any{"order": order, "posts": out}, nil
	}}
}

func post(id, channelID string, createAt int64) Post {
	return Post{ID: id, ChannelID: channelID, UserID: "u1", Message: "m", CreateAt: createAt}
}

func TestPostsRead_MergesSortsAndCaps(t *testing.T) {
	store := newPostStore()
	store.add("c1", post("p1", "c1", 100), post("p3", "c1", 300))
	store.add("c2", post("p2", "c2", 200))

	feed := NewPostsFeed(store.client(), []string{"c1", "c2"}, "", zap.NewNop())

	got, err := feed.Read(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := got.(*PostsSnapshot)

	if snap.ChannelsMonitored != 2 {
		t.Errorf("expected 2 channels monitored, got %d", snap.ChannelsMonitored)
	}
	want := []int64{300, 200, 100}
	if len(snap.Posts) != len(want) {
		t.Fatalf("expected %d posts, got %d", len(want), len(snap.Posts))
	}
	for i, ts := range want {
		if snap.Posts[i].CreateAt != ts {
			t.Errorf("position %d: expected create_at %d, got %d", i, ts, snap.Posts[i].CreateAt)
		}
	}
}

func TestPostsRead_SkipsFailedChannel(t *testing.T) {
	store := newPostStore()
	store.add("c1", post("p1", "c1", 100))
	store.fail["c2"] = true

	feed := NewPostsFeed(store.client(), []string{"c1", "c2"}, "", zap.NewNop())

	got, err := feed.Read(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := got.(*PostsSnapshot)
	if len(snap.Posts) != 1 || snap.Posts[0].ID != "p1" {
		t.Errorf("unexpected posts: %+v", snap.Posts)
	}
}

func TestPostsReconcile_EmitsAscendingAndAdvancesWatermark(t *testing.T) {
	store := newPostStore()
	store.add("c1", post("p3", "c1", 300), post("p1", "c1", 100))

	feed := NewPostsFeed(store.client(), []string{"c1"}, "", zap.NewNop())
	got := &collector{}
	feed.Subscribe(got.callback)

	if err := feed.reconcile(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updates := got.snapshot()
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}
	if updates[0].EventID != "post_p1" || updates[1].EventID != "post_p3" {
		t.Errorf("expected ascending emission, got %s then %s", updates[0].EventID, updates[1].EventID)
	}
	for _, u := range updates {
		if u.Kind != KindCreated {
			t.Errorf("expected created update, got %s", u.Kind)
		}
	}

	// Unchanged remote state: the watermark suppresses re-emission.
	if err := feed.reconcile(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.len() != 2 {
		t.Errorf("expected no new updates, got %d total", got.len())
	}

	// A newer post comes through on the next cycle.
	store.add("c1", post("p4", "c1", 400))
	if err := feed.reconcile(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	updates = got.snapshot()
	if len(updates) != 3 || updates[2].EventID != "post_p4" {
		t.Fatalf("expected post_p4 to be emitted, got %+v", updates)
	}
}

func TestPostsReconcile_ChannelFailureIsolated(t *testing.T) {
	store := newPostStore()
	store.fail["bad"] = true
	store.add("good", post("p1", "good", 100))

	feed := NewPostsFeed(store.client(), []string{"bad", "good"}, "", zap.NewNop())
	got := &collector{}
	feed.Subscribe(got.callback)

	if err := feed.reconcile(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.len() != 1 || got.snapshot()[0].EventID != "post_p1" {
		t.Fatalf("expected the healthy channel to emit, got %+v", got.snapshot())
	}

	store.add("good", post("p2", "good", 200))
	if err := feed.reconcile(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.len() != 2 {
		t.Errorf("expected the healthy channel to keep emitting, got %d updates", got.len())
	}
}

func TestPostsHandlePosted_FiltersAndEmits(t *testing.T) {
	feed := NewPostsFeed(newPostStore().client(), []string{"c1"}, "", zap.NewNop())
	got := &collector{}
	feed.Subscribe(got.callback)

	if err := feed.startStreaming(func() (func(), error) { return func() {}, nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer feed.StopStreaming()

	// Out-of-scope channel: filtered.
	feed.handlePosted(ws.Event{
		Event: "posted",
		Data:  map[string]any{"post": `{"id":"px","channel_id":"other","user_id":"u1","create_at":500}`},
	})
	// In-scope channel: delivered.
	feed.handlePosted(ws.Event{
		Event: "posted",
		Data:  map[string]any{"post": `{"id":"p9","channel_id":"c1","user_id":"u1","create_at":500}`},
	})

	waitForUpdates(t, got, 1)
	updates := got.snapshot()
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	if updates[0].EventID != "post_p9" || updates[0].Kind != KindCreated {
		t.Errorf("unexpected update: %+v", updates[0])
	}
}

// Stopping and restarting streaming must leave exactly one live
// handler on the connection, so an event arriving after the restart is
// delivered once, not once per start cycle.
func TestPostsStreaming_RestartDeliversEventsOnce(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var challenge map[string]any
		if err := conn.ReadJSON(&challenge); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"status": "OK", "seq_reply": 1})
		// One posted event per client frame, so the test paces delivery.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			if err := conn.WriteJSON(map[string]any{
				"event":     "posted",
				"data":      map[string]any{"post": `{"id":"p1","channel_id":"c1","user_id":"u1","create_at":500}`},
				"broadcast": map[string]any{"channel_id": "c1"},
			}); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	conn, err := ws.NewClient(ws.Config{
		WSURL: "ws" + strings.TrimPrefix(server.URL, "http"),
		Token: "tok",
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer conn.Disconnect()

	feed := NewPostsFeed(newPostStore().client(), []string{"c1"}, "", zap.NewNop())
	got := &collector{}
	feed.Subscribe(got.callback)

	if err := feed.StartStreaming(context.Background(), conn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	feed.StopStreaming()
	if err := feed.StartStreaming(context.Background(), conn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer feed.StopStreaming()

	if err := conn.Send(&ws.Frame{Action: "ping"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForUpdates(t, got, 1)
	// A leaked handler from the first start cycle would deliver the
	// event a second time.
	time.Sleep(50 * time.Millisecond)
	if n := got.len(); n != 1 {
		t.Fatalf("expected exactly 1 update after restart, got %d", n)
	}
}

// A post seen once via streaming and once via the next poll must carry
// the same dedup key.
func TestPostsDedupKey_MatchesAcrossChannels(t *testing.T) {
	store := newPostStore()
	feed := NewPostsFeed(store.client(), []string{"c1"}, "", zap.NewNop())
	got := &collector{}
	feed.Subscribe(got.callback)

	if err := feed.startStreaming(func() (func(), error) { return func() {}, nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer feed.StopStreaming()

	feed.handlePosted(ws.Event{
		Event: "posted",
		Data:  map[string]any{"post": `{"id":"p5","channel_id":"c1","user_id":"u1","create_at":500}`},
	})
	waitForUpdates(t, got, 1)

	store.add("c1", post("p5", "c1", 500))
	if err := feed.reconcile(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForUpdates(t, got, 2)

	updates := got.snapshot()
	if updates[0].EventID != updates[1].EventID {
		t.Errorf("streaming and poll updates for the same post must share an event id: %s vs %s",
			updates[0].EventID, updates[1].EventID)
	}
}
