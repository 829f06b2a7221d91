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
	// snapshotReactionLimit caps the reactions returned by Read.
	snapshotReactionLimit = 100

	reactionPostsPerRead = 20
	// The poll scans a wider recent-post window than Read; reactions
	// on posts that scroll past it before removal go undetected. This
	// is a known blind spot of window-based reconciliation.
	reactionPostsPerPoll = 50
)

// Reaction is one user/emoji pair on a post.
type Reaction struct {
	UserID    string `json:"user_id"`
	PostID    string `json:"post_id"`
	EmojiName string `json:"emoji_name"`
	CreateAt  int64  `json:"create_at"`
}

// reactionKey identifies a reaction for set-diff reconciliation.
type reactionKey struct {
	postID string
	userID string
	emoji  string
}

// ReactionRecord is one entry of a ReactionsSnapshot.
type ReactionRecord struct {
	PostID    string `json:"post_id"`
	UserID    string `json:"user_id"`
	EmojiName string `json:"emoji_name"`
	CreateAt  int64  `json:"create_at"`
	ChannelID string `json:"channel_id"`
}

// ReactionsSnapshot is the Read result for the reaction feed.
type ReactionsSnapshot struct {
	Locator           string           `json:"resource_uri"`
	Reactions         []ReactionRecord `json:"reactions"`
	Timestamp         time.Time        `json:"timestamp"`
	ChannelsMonitored int              `json:"channels_monitored"`
}

// ReactionsFeed streams reaction changes. Push delivers the server's
// reaction_added/reaction_removed events. No REST endpoint reports
// removals, so the poll loop rebuilds the full reaction set each cycle
// and diffs it against the previous one: set additions become added
// updates during the scan, set disappearances become removed updates
// afterwards. The first cycle only seeds the cache so a restart never
// fabricates removals.
type ReactionsFeed struct {
	feed

	client     RESTClient
	channelIDs []string
	channelSet map[string]struct{}
	teamID     string

	knownMu sync.Mutex
	known   map[reactionKey]struct{}
	primed  bool
}

// NewReactionsFeed monitors the given channels, or every channel of
// teamID when channelIDs is empty.
func NewReactionsFeed(client RESTClient, channelIDs []string, teamID string, logger *zap.Logger) *ReactionsFeed {
	set := make(map[string]struct{}, len(channelIDs))
	for _, id := range channelIDs {
		set[id] = struct{}{}
	}
	r := &ReactionsFeed{
		feed:       newFeed("reactions", "Real-time stream of reaction events in Mattermost", logger),
		client:     client,
		channelIDs: channelIDs,
		channelSet: set,
		teamID:     teamID,
		known:      make(map[reactionKey]struct{}),
	}
	r.logger.Info("initialized reaction feed",
		zap.Int("channels", len(channelIDs)),
		zap.String("team_id", teamID),
	)
	return r
}

func (r *ReactionsFeed) SupportsStreaming() bool { return true }
func (r *ReactionsFeed) SupportsPolling() bool   { return true }

// Read walks recent posts of every in-scope channel and flattens their
// reactions, newest-first, capped at snapshotReactionLimit. A post
// whose reaction fetch fails is skipped, not fatal.
func (r *ReactionsFeed) Read(ctx context.Context) (any, error) {
	channels, err := resolveChannels(ctx, r.client, r.channelIDs, r.teamID)
	if err != nil {
		return nil, err
	}

	var records []ReactionRecord
	for _, channelID := range channels {
		var list postList
		params := url.Values{"per_page": {strconv.Itoa(reactionPostsPerRead)}}
		if err := r.client.Get(ctx, fmt.Sprintf("/channels/%s/posts", channelID), params, &list); err != nil {
			r.logger.Warn("failed to get posts for channel",
				zap.String("channel_id", channelID),
				zap.Error(err),
			)
			continue
		}

		for postID := range list.Posts {
			reactions, err := r.fetchReactions(ctx, postID)
			if err != nil {
				r.logger.Debug("failed to get reactions for post",
					zap.String("post_id", postID),
					zap.Error(err),
				)
				continue
			}
			for _, reaction := range reactions {
				records = append(records, ReactionRecord{
					PostID:    postID,
					UserID:    reaction.UserID,
					EmojiName: reaction.EmojiName,
					CreateAt:  reaction.CreateAt,
					ChannelID: channelID,
				})
			}
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].CreateAt > records[j].CreateAt })
	if len(records) > snapshotReactionLimit {
		records = records[:snapshotReactionLimit]
	}

	return &ReactionsSnapshot{
		Locator:           r.Locator(),
		Reactions:         records,
		Timestamp:         time.Now().UTC(),
		ChannelsMonitored: len(channels),
	}, nil
}

func (r *ReactionsFeed) fetchReactions(ctx context.Context, postID string) ([]Reaction, error) {
	var reactions []Reaction
	err := r.client.Get(ctx, fmt.Sprintf("/posts/%s/reactions", postID), nil, &reactions)
	return reactions, err
}

// StartStreaming registers the reaction event handlers on conn.
// StopStreaming unregisters them again.
func (r *ReactionsFeed) StartStreaming(ctx context.Context, conn *ws.Client) error {
	return r.startStreaming(func() (func(), error) {
		offAdded := conn.OnEvent("reaction_added", func(ev ws.Event) { r.handleReactionEvent(ev, KindReactionAdded) })
		offRemoved := conn.OnEvent("reaction_removed", func(ev ws.Event) { r.handleReactionEvent(ev, KindReactionRemoved) })
		return func() {
			offAdded()
			offRemoved()
		}, nil
	})
}

func (r *ReactionsFeed) StopStreaming() { r.stopStreaming() }

// StartPolling runs the set-diff reconciliation loop.
func (r *ReactionsFeed) StartPolling(ctx context.Context, interval time.Duration) error {
	return r.startPolling(ctx, interval, r.reconcile)
}

func (r *ReactionsFeed) StopPolling() { r.stopPolling() }

// handleReactionEvent maps one websocket reaction event to an update.
// The reaction rides inside the event data as a JSON string.
func (r *ReactionsFeed) handleReactionEvent(ev ws.Event, kind Kind) {
	raw, _ := ev.Data["reaction"].(string)
	var reaction Reaction
	if err := json.Unmarshal([]byte(raw), &reaction); err != nil {
		r.logger.Error("failed to decode reaction event",
			zap.String("event", ev.Event),
			zap.Error(err),
		)
		return
	}

	channelID, _ := ev.Broadcast["channel_id"].(string)
	if len(r.channelSet) > 0 {
		if _, ok := r.channelSet[channelID]; !ok {
			return
		}
	}

	key := reactionKey{postID: reaction.PostID, userID: reaction.UserID, emoji: reaction.EmojiName}
	u := r.reactionUpdate(kind, key)
	u.Data["reaction"] = reaction
	u.Data["channel_id"] = channelID
	r.enqueue(u)

	r.logger.Debug("reaction event processed",
		zap.String("event", ev.Event),
		zap.String("post_id", reaction.PostID),
		zap.String("emoji_name", reaction.EmojiName),
	)
}

func (r *ReactionsFeed) reactionUpdate(kind Kind, key reactionKey) Update {
	eventID := fmt.Sprintf("reaction_%s_%s_%s", key.postID, key.userID, key.emoji)
	if kind == KindReactionRemoved {
		eventID = fmt.Sprintf("reaction_removed_%s_%s_%s", key.postID, key.userID, key.emoji)
	}
	return Update{
		Locator: r.Locator(),
		Kind:    kind,
		Data: map[string]any{
			"post_id":    key.postID,
			"user_id":    key.userID,
			"emoji_name": key.emoji,
		},
		Timestamp: time.Now().UTC(),
		EventID:   eventID,
	}
}

// reconcile rebuilds the reaction set and diffs it against the cached
// one. Additions are emitted while scanning; removals only after every
// channel is scanned, and never on the very first cycle. The cache is
// replaced only at cycle end, so a removal update always references a
// key the previous cycle actually saw.
func (r *ReactionsFeed) reconcile(ctx context.Context) error {
	channels, err := resolveChannels(ctx, r.client, r.channelIDs, r.teamID)
	if err != nil {
		return err
	}

	fresh := make(map[reactionKey]struct{})
	for _, channelID := range channels {
		if err := r.scanChannel(ctx, channelID, fresh); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("error polling channel for reactions",
				zap.String("channel_id", channelID),
				zap.Error(err),
			)
		}
	}

	r.knownMu.Lock()
	primed := r.primed
	var removed []reactionKey
	if primed {
		for key := range r.known {
			if _, ok := fresh[key]; !ok {
				removed = append(removed, key)
			}
		}
	}
	r.known = fresh
	r.primed = true
	r.knownMu.Unlock()

	for _, key := range removed {
		r.emit(r.reactionUpdate(KindReactionRemoved, key))
	}
	return nil
}

// scanChannel adds every reaction of the channel's recent posts to
// fresh, emitting an added update for keys not in the cache.
func (r *ReactionsFeed) scanChannel(ctx context.Context, channelID string, fresh map[reactionKey]struct{}) error {
	params := url.Values{"per_page": {strconv.Itoa(reactionPostsPerPoll)}}
	var list postList
	if err := r.client.Get(ctx, fmt.Sprintf("/channels/%s/posts", channelID), params, &list); err != nil {
		return err
	}

	for postID := range list.Posts {
		reactions, err := r.fetchReactions(ctx, postID)
		if err != nil {
			r.logger.Debug("failed to get reactions for post",
				zap.String("post_id", postID),
				zap.Error(err),
			)
			continue
		}

		for _, reaction := range reactions {
			if reaction.UserID == "" || reaction.EmojiName == "" {
				continue
			}
			key := reactionKey{postID: postID, userID: reaction.UserID, emoji: reaction.EmojiName}
			fresh[key] = struct{}{}

			r.knownMu.Lock()
			_, seen := r.known[key]
			r.knownMu.Unlock()
			if seen {
				continue
			}

			u := r.reactionUpdate(KindReactionAdded, key)
			u.Data["reaction"] = reaction
			u.Data["channel_id"] = channelID
			r.emit(u)

			r.logger.Debug("found new reaction in polling",
				zap.String("post_id", postID),
				zap.String("emoji_name", reaction.EmojiName),
			)
		}
	}
	return nil
}
