package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PlaceholderPrefix marks locally generated identifiers. Gateway ids never
// start with it.
const PlaceholderPrefix = "local-"

// PendingState is the lifecycle state of a PendingSend.
type PendingState string

const (
	PendingStatePending  PendingState = "pending"
	PendingStateError    PendingState = "error"
	PendingStateResolved PendingState = "resolved"
)

// NewPlaceholderToken returns a fresh placeholder identifier.
func NewPlaceholderToken() string {
	return PlaceholderPrefix + uuid.NewString()
}

// IsPlaceholderID reports whether id was generated locally.
func IsPlaceholderID(id string) bool {
	return strings.HasPrefix(id, PlaceholderPrefix)
}

// PendingSend is an outgoing message waiting for its authoritative id.
type PendingSend struct {
	Token           string       `gorm:"primaryKey;size:64" json:"placeholder"`
	ConversationID  string       `gorm:"size:64;not null;index:idx_pending_conversation_state,priority:1" json:"conversation_id"`
	State           PendingState `gorm:"size:16;not null;index:idx_pending_conversation_state,priority:2" json:"state"`
	Command         string       `gorm:"size:32;not null" json:"command"`
	Kind            MessageKind  `gorm:"size:32;not null" json:"kind"`
	Content         string       `gorm:"type:text" json:"content"`
	MediaURL        string       `json:"media_url,omitempty"`
	QuotedID        string       `json:"quoted_id,omitempty"`
	Seq             int64        `gorm:"not null;index" json:"seq"`
	ResolvedID      string       `gorm:"size:128" json:"resolved_id,omitempty"`
	ResolvedAt      *time.Time   `json:"resolved_at,omitempty"`
	Error           string       `json:"error,omitempty"`
	TimedOut        bool         `json:"timed_out"`
	StaleNotifiedAt *time.Time   `json:"-"`
	CreatedAt       time.Time    `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Unresolved reports whether the placeholder still stands in for a message.
func (p *PendingSend) Unresolved() bool {
	return p.State != PendingStateResolved
}

// Matchable reports whether a confirmation without a token may claim it.
// Failed sends only stay matchable when the failure was a timeout, since
// the gateway may have delivered the message anyway.
func (p *PendingSend) Matchable() bool {
	return p.State == PendingStatePending || (p.State == PendingStateError && p.TimedOut)
}

// AsMessage renders the placeholder as a timeline entry.
func (p *PendingSend) AsMessage() *Message {
	status := StatusPending
	if p.State == PendingStateError {
		status = StatusError
	}
	return &Message{
		ConversationID: p.ConversationID,
		ExternalID:     p.Token,
		Seq:            p.Seq,
		Direction:      DirectionOutbound,
		Kind:           p.Kind,
		Content:        p.Content,
		MediaURL:       p.MediaURL,
		QuotedID:       p.QuotedID,
		Timestamp:      p.CreatedAt.UnixMilli(),
		Status:         status,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

// ReadWatermark is the boundary below which inbound messages count as read.
type ReadWatermark struct {
	ConversationID string    `gorm:"primaryKey;size:64" json:"conversation_id"`
	Watermark      int64     `gorm:"not null" json:"watermark"`
	UpdatedAt      time.Time `json:"updated_at"`
}
