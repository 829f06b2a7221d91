// Package resource implements subscribable feeds over Mattermost
// state. A feed exposes a snapshot read plus two update channels: a
// websocket push subscription and a REST poll loop that reconciles
// against cached state to synthesize the updates push may have missed.
package resource

import "time"

// Kind classifies an update.
type Kind string

const (
	KindCreated         Kind = "created"
	KindUpdated         Kind = "updated"
	KindDeleted         Kind = "deleted"
	KindReactionAdded   Kind = "reaction_added"
	KindReactionRemoved Kind = "reaction_removed"
)

// Update is one canonical state-change notification, independent of
// whether push or poll detected it. Updates for the same logical event
// may arrive once per channel; consumers deduplicate on EventID.
type Update struct {
	Locator   string         `json:"resource_uri"`
	Kind      Kind           `json:"update_type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	EventID   string         `json:"event_id,omitempty"`
}

// Subscriber receives updates. It must not block for long; slow
// subscribers delay delivery to the others on the same feed.
type Subscriber func(Update)
