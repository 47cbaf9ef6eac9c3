package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Email       string
	AvatarURL   string
	Role        string
	CreatedAt   time.Time
}

type Channel struct {
	ID            string
	Name          string
	CreatedBy     string
	LastMessageAt time.Time
	CreatedAt     time.Time
}

// ChannelMembership links a user to a channel with a channel-scoped role.
type ChannelMembership struct {
	ChannelID string
	UserID    string
	Role      string
	CreatedAt time.Time
}

// Message carries denormalized sender display fields snapshotted at
// creation time; they are never refreshed afterwards.
type Message struct {
	ID          string
	ChannelID   string
	SenderID    string
	Content     string
	ContentType string
	ParentID    *string
	Mentions    []string

	SenderName   string
	SenderEmail  string
	SenderAvatar string
	SenderRole   string

	// Lifecycle fields. OriginalContent is set iff the message is or has
	// ever been trashed. HiddenBy is an orthogonal per-viewer flag.
	IsTrashed       bool
	TrashedAt       *time.Time
	TrashedBy       string
	TrashReason     string
	OriginalContent string
	HiddenBy        []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Attachment is exclusively owned by its message; rows cascade away when
// the message is permanently deleted.
type Attachment struct {
	ID          string
	MessageID   string
	ChannelID   string
	UploaderID  string
	FileName    string
	URL         string
	StorageKey  string
	Bucket      string
	Size        int64
	ContentType string
	CreatedAt   time.Time
}
