// Package broadcast fans lifecycle and content events out to realtime
// topics. Delivery is best-effort and at-most-once: the triggering write is
// durable before publish is attempted, and a publish failure is logged,
// never retried and never surfaced to the caller.
package broadcast

import "context"

// Event names carried on channel topics.
const (
	EventNewMessage       = "new_message"
	EventMessageTrashed   = "message_trashed"
	EventMessageRestored  = "message_restored"
	EventMessageHidden    = "message_hidden"
	EventMessageDeleted   = "message_deleted"
	EventAttachmentsAdded = "attachments_added"
)

// Event names carried on user topics.
const (
	EventMentionNotification = "mention_notification"
)

// Event is the wire unit: a named payload bound to one topic. It is never
// persisted.
type Event struct {
	Topic   string
	Name    string
	Payload map[string]any
}

// ChannelTopic addresses every subscriber of a channel.
func ChannelTopic(channelID string) string {
	return "channel:" + channelID
}

// UserTopic addresses a single user's personal stream.
func UserTopic(userID string) string {
	return "user:" + userID
}

// Publisher is the transport behind the dispatcher.
type Publisher interface {
	Publish(ctx context.Context, topic, eventName string, payload map[string]any) error
}
