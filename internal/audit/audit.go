// Package audit is the append-only compliance trail for message lifecycle
// transitions. It lives in a separate document store from the message rows
// so the trail survives permanent deletion, and it deliberately exposes no
// update or delete entry point.
package audit

import "time"

const (
	ActionCreated            = "created"
	ActionEdited             = "edited"
	ActionTrashed            = "trashed"
	ActionRestored           = "restored"
	ActionPermanentlyDeleted = "permanently_deleted"
)

// Entry records one lifecycle transition. PreviousContent is kept verbatim;
// after a permanent delete it is the only remaining copy of the content.
type Entry struct {
	ID              string         `bson:"_id,omitempty" json:"id"`
	MessageID       string         `bson:"message_id" json:"messageId"`
	ChannelID       string         `bson:"channel_id" json:"channelId"`
	Action          string         `bson:"action" json:"action"`
	ActorID         string         `bson:"actor_id" json:"actorId"`
	ActorName       string         `bson:"actor_name" json:"actorName"`
	ActorEmail      string         `bson:"actor_email" json:"actorEmail"`
	ActorRole       string         `bson:"actor_role" json:"actorRole"`
	PreviousContent string         `bson:"previous_content" json:"previousContent"`
	NewContent      string         `bson:"new_content,omitempty" json:"newContent,omitempty"`
	Metadata        map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt       time.Time      `bson:"created_at" json:"createdAt"`
}

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	ChannelID string
	MessageID string
	Action    string
	ActorID   string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}
