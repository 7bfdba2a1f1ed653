package models

import "encoding/json"

// EventType classifies a normalized gateway event.
type EventType string

const (
	EventMessage  EventType = "message"
	EventStatus   EventType = "status"
	EventProfile  EventType = "profile"
	EventEdit     EventType = "edit"
	EventDelete   EventType = "delete"
	EventReaction EventType = "reaction"
)

// MessageKind is the content kind of a message.
type MessageKind string

const (
	KindText           MessageKind = "text"
	KindImage          MessageKind = "image"
	KindAudio          MessageKind = "audio"
	KindVideo          MessageKind = "video"
	KindDocument       MessageKind = "document"
	KindSticker        MessageKind = "sticker"
	KindLocation       MessageKind = "location"
	KindPoll           MessageKind = "poll"
	KindReactionTarget MessageKind = "reaction-target"
)

// HasMedia reports whether messages of this kind carry a media reference.
func (k MessageKind) HasMedia() bool {
	switch k {
	case KindImage, KindAudio, KindVideo, KindDocument, KindSticker:
		return true
	}
	return false
}

// Direction of a message relative to the connected account.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// DirectionOf maps the gateway fromMe flag to a Direction.
func DirectionOf(fromMe bool) Direction {
	if fromMe {
		return DirectionOutbound
	}
	return DirectionInbound
}

// Location is the payload of a location message.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// Poll is the payload of a poll creation message.
type Poll struct {
	Title           string   `json:"title"`
	Options         []string `json:"options"`
	SelectableCount int      `json:"selectable_count,omitempty"`
}

// NormalizedEvent is the canonical, kind-tagged form of a gateway event.
// Edit, delete and reaction events address their target through TargetID.
type NormalizedEvent struct {
	Type           EventType     `json:"type"`
	ConversationID string        `json:"conversation_id"`
	FromMe         bool          `json:"from_me"`
	MessageID      string        `json:"message_id,omitempty"`
	TargetID       string        `json:"target_id,omitempty"`
	Timestamp      int64         `json:"timestamp"`
	Kind           MessageKind   `json:"kind,omitempty"`
	Content        string        `json:"content,omitempty"`
	MediaURL       string        `json:"media_url,omitempty"`
	MimeType       string        `json:"mime_type,omitempty"`
	FileName       string        `json:"file_name,omitempty"`
	SenderName     string        `json:"sender_name,omitempty"`
	AvatarURL      string        `json:"avatar_url,omitempty"`
	Status         MessageStatus `json:"status,omitempty"`
	Reaction       string        `json:"reaction,omitempty"`
	QuotedID       string        `json:"quoted_id,omitempty"`
	Location       *Location     `json:"location,omitempty"`
	Poll           *Poll         `json:"poll,omitempty"`

	// CorrelationToken is only set on confirmations synthesized from a
	// dispatched command; the gateway never echoes it.
	CorrelationToken string `json:"correlation_token,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Target returns the identifier a mutation event applies to.
func (e *NormalizedEvent) Target() string {
	if e.TargetID != "" {
		return e.TargetID
	}
	return e.MessageID
}

// Direction returns the message direction of the event.
func (e *NormalizedEvent) Direction() Direction {
	return DirectionOf(e.FromMe)
}

// ReconcileResult is the outcome of applying one event.
type ReconcileResult string

const (
	ResultCreated   ReconcileResult = "created"
	ResultUpdated   ReconcileResult = "updated"
	ResultDuplicate ReconcileResult = "duplicate"
	ResultIgnored   ReconcileResult = "ignored"
)

// Emits reports whether the result is published to realtime subscribers.
func (r ReconcileResult) Emits() bool {
	return r == ResultCreated || r == ResultUpdated
}
