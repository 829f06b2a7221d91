package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mattersync/mattersync/internal/ws"
)

const (
	// snapshotPostLimit caps the posts returned by Read.
	snapshotPostLimit = 50

	postsPerChannelRead = 10
	postsPerChannelPoll = 20
)

// Post is the subset of a Mattermost post the feeds care about; the
// remaining fields ride along untyped in Update payloads.
type Post struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	RootID    string `json:"root_id,omitempty"`
	Message   string `json:"message"`
	Type      string `json:"type,omitempty"`
	CreateAt  int64  `json:"create_at"`
	UpdateAt  int64  `json:"update_at,omitempty"`
	DeleteAt  int64  `json:"delete_at,omitempty"`
}

// postList mirrors the /channels/{id}/posts response shape.
type postList struct {
	Order []string        `json:"order"`
	Posts map[string]Post `json:"posts"`
}

// PostsSnapshot is the Read result for the post feed.
type PostsSnapshot struct {
	Locator           string    `json:"resource_uri"`
	Posts             []Post    `json:"posts"`
	Timestamp         time.Time `json:"timestamp"`
	ChannelsMonitored int       `json:"channels_monitored"`
}

// PostsFeed streams new channel posts. Push delivers "posted" events;
// the poll loop reconciles per channel against the highest creation
// timestamp seen, so posts missed during a websocket gap still come
// through as created updates.
type PostsFeed struct {
	feed

	client     RESTClient
	channelIDs []string
	channelSet map[string]struct{}
	teamID     string

	wmMu       sync.Mutex
	watermarks map[string]int64 // channel_id -> max create_at seen
}

// NewPostsFeed monitors the given channels, or every channel of teamID
// when channelIDs is empty.
func NewPostsFeed(client RESTClient, channelIDs []string, teamID string, logger *zap.Logger) *PostsFeed {
	set := make(map[string]struct{}, len(channelIDs))
	for _, id := range channelIDs {
		set[id] = struct{}{}
	}
	p := &PostsFeed{
		feed:       newFeed("new_channel_posts", "Real-time stream of new posts in Mattermost channels", logger),
		client:     client,
		channelIDs: channelIDs,
		channelSet: set,
		teamID:     teamID,
		watermarks: make(map[string]int64),
	}
	p.logger.Info("initialized post feed",
		zap.Int("channels", len(channelIDs)),
		zap.String("team_id", teamID),
	)
	return p
}

func (p *PostsFeed) SupportsStreaming() bool { return true }
func (p *PostsFeed) SupportsPolling() bool   { return true }

// Read fetches the latest page of every in-scope channel, merged and
// sorted newest-first, capped at snapshotPostLimit.
func (p *PostsFeed) Read(ctx context.Context) (any, error) {
	channels, err := resolveChannels(ctx, p.client, p.channelIDs, p.teamID)
	if err != nil {
		return nil, err
	}

	var posts []Post
	for _, channelID := range channels {
		var list postList
		params := url.Values{"per_page": {strconv.Itoa(postsPerChannelRead)}}
		if err := p.client.Get(ctx, fmt.Sprintf("/channels/%s/posts", channelID), params, &list); err != nil {
			p.logger.Warn("failed to get posts for channel",
				zap.String("channel_id", channelID),
				zap.Error(err),
			)
			continue
		}
		for _, post := range list.Posts {
			posts = append(posts, post)
		}
	}

	sort.Slice(posts, func(i, j int) bool { return posts[i].CreateAt > posts[j].CreateAt })
	if len(posts) > snapshotPostLimit {
		posts = posts[:snapshotPostLimit]
	}

	return &PostsSnapshot{
		Locator:           p.Locator(),
		Posts:             posts,
		Timestamp:         time.Now().UTC(),
		ChannelsMonitored: len(channels),
	}, nil
}

// StartStreaming registers the "posted" handler on conn. StopStreaming
// unregisters it again.
func (p *PostsFeed) StartStreaming(ctx context.Context, conn *ws.Client) error {
	return p.startStreaming(func() (func(), error) {
		return conn.OnEvent("posted", p.handlePosted), nil
	})
}

func (p *PostsFeed) StopStreaming() { p.stopStreaming() }

// StartPolling runs the per-channel reconciliation loop.
func (p *PostsFeed) StartPolling(ctx context.Context, interval time.Duration) error {
	return p.startPolling(ctx, interval, p.reconcile)
}

func (p *PostsFeed) StopPolling() { p.stopPolling() }

// handlePosted maps one websocket "posted" event to a created update.
// The post rides inside the event data as a JSON string.
func (p *PostsFeed) handlePosted(ev ws.Event) {
	raw, _ := ev.Data["post"].(string)
	var post Post
	if err := json.Unmarshal([]byte(raw), &post); err != nil {
		p.logger.Error("failed to decode posted event", zap.Error(err))
		return
	}

	channelID := post.ChannelID
	if channelID == "" {
		channelID, _ = ev.Broadcast["channel_id"].(string)
	}
	if !p.inScope(channelID) {
		return
	}

	p.enqueue(p.createdUpdate(post, channelID))
	p.logger.Debug("new post event processed",
		zap.String("post_id", post.ID),
		zap.String("channel_id", channelID),
	)
}

// inScope reports whether channelID is monitored. An empty configured
// set means every channel is.
func (p *PostsFeed) inScope(channelID string) bool {
	if len(p.channelSet) == 0 {
		return true
	}
	_, ok := p.channelSet[channelID]
	return ok
}

func (p *PostsFeed) createdUpdate(post Post, channelID string) Update {
	return Update{
		Locator: p.Locator(),
		Kind:    KindCreated,
		Data: map[string]any{
			"post":       post,
			"channel_id": channelID,
			"user_id":    post.UserID,
		},
		Timestamp: time.Now().UTC(),
		EventID:   "post_" + post.ID,
	}
}

// reconcile polls every in-scope channel. One channel's failure is
// logged and skipped; the others proceed.
func (p *PostsFeed) reconcile(ctx context.Context) error {
	channels, err := resolveChannels(ctx, p.client, p.channelIDs, p.teamID)
	if err != nil {
		return err
	}

	for _, channelID := range channels {
		if err := p.reconcileChannel(ctx, channelID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("error polling channel for posts",
				zap.String("channel_id", channelID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// reconcileChannel emits a created update for every post strictly
// newer than the channel's watermark, oldest first, then raises the
// watermark. The watermark only ever moves forward.
func (p *PostsFeed) reconcileChannel(ctx context.Context, channelID string) error {
	p.wmMu.Lock()
	since := p.watermarks[channelID]
	p.wmMu.Unlock()

	params := url.Values{
		"per_page": {strconv.Itoa(postsPerChannelPoll)},
		"since":    {strconv.FormatInt(since, 10)},
	}
	var list postList
	if err := p.client.Get(ctx, fmt.Sprintf("/channels/%s/posts", channelID), params, &list); err != nil {
		return err
	}

	var fresh []Post
	latest := since
	for _, post := range list.Posts {
		if post.CreateAt > since {
			fresh = append(fresh, post)
			if post.CreateAt > latest {
				latest = post.CreateAt
			}
		}
	}

	if latest > since {
		p.wmMu.Lock()
		if latest > p.watermarks[channelID] {
			p.watermarks[channelID] = latest
		}
		p.wmMu.Unlock()
	}

	sort.Slice(fresh, func(i, j int) bool { return fresh[i].CreateAt < fresh[j].CreateAt })
	for _, post := range fresh {
		p.emit(p.createdUpdate(post, channelID))
	}

	if len(fresh) > 0 {
		p.logger.Debug("found new posts in polling",
			zap.String("channel_id", channelID),
			zap.Int("count", len(fresh)),
		)
	}
	return nil
}
