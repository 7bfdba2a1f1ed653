package models

// RealtimeEventType names a change pushed to realtime subscribers.
type RealtimeEventType string

const (
	RealtimeMessageCreated      RealtimeEventType = "message_created"
	RealtimeMessageUpdated      RealtimeEventType = "message_updated"
	RealtimeConversationUpdated RealtimeEventType = "conversation_updated"
	RealtimeConversationDeleted RealtimeEventType = "conversation_deleted"
	RealtimePendingCreated      RealtimeEventType = "pending_created"
	RealtimePendingFailed       RealtimeEventType = "pending_failed"
	RealtimePendingResolved     RealtimeEventType = "pending_resolved"
	RealtimePendingStale        RealtimeEventType = "pending_stale"
	RealtimeUnreadChanged       RealtimeEventType = "unread_changed"
)

// RealtimeEvent is the frame sent to websocket clients and event consumers.
type RealtimeEvent struct {
	Type           RealtimeEventType `json:"type"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Payload        interface{}       `json:"payload"`
}

// MessagePayload is the payload of message events. Placeholder is set when
// the message replaced a locally generated placeholder.
type MessagePayload struct {
	*Message
	Placeholder string `json:"placeholder,omitempty"`
}

// PendingPayload is the payload of placeholder lifecycle events.
type PendingPayload struct {
	Placeholder string   `json:"placeholder"`
	MessageID   string   `json:"message_id,omitempty"`
	Error       string   `json:"error,omitempty"`
	TimedOut    bool     `json:"timed_out,omitempty"`
	Message     *Message `json:"message,omitempty"`
}

// UnreadPayload is the payload of unread_changed.
type UnreadPayload struct {
	ConversationID string `json:"conversation_id"`
	Watermark      int64  `json:"watermark"`
	Unread         int64  `json:"unread"`
}
