package models

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// DeletedContent replaces the content of a deleted message.
const DeletedContent = "🚫 Mensagem apagada"

// Conversation is a chat with one peer, identified by the peer's
// routing address without its domain suffix.
type Conversation struct {
	ID                 string     `gorm:"primaryKey;size:64" json:"id"`
	Name               string     `json:"name"`
	AvatarURL          string     `json:"avatar_url,omitempty"`
	LastActivityAt     int64      `gorm:"index" json:"last_activity_at"`
	LastMessagePreview string     `json:"last_message_preview,omitempty"`
	Deleted            bool       `gorm:"index;not null" json:"-"`
	DeletedAt          *time.Time `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`

	UnreadCount int64 `gorm:"-" json:"unread_count"`
}

// DisplayName is the name to render, falling back to the formatted number.
func (c *Conversation) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return FormatPhone(c.ID)
}

// Message is a stored timeline entry. Seq is the timeline position and
// never changes once assigned.
type Message struct {
	ID             uint            `gorm:"primaryKey" json:"-"`
	ConversationID string          `gorm:"size:64;not null;uniqueIndex:idx_messages_conversation_external;index:idx_messages_unread,priority:1" json:"conversation_id"`
	ExternalID     string          `gorm:"size:128;not null;uniqueIndex:idx_messages_conversation_external;index" json:"id"`
	Seq            int64           `gorm:"not null;index" json:"seq"`
	Direction      Direction       `gorm:"size:16;not null;index:idx_messages_unread,priority:2" json:"direction"`
	Kind           MessageKind     `gorm:"size:32;not null" json:"kind"`
	Content        string          `gorm:"type:text" json:"content"`
	MediaURL       string          `json:"media_url,omitempty"`
	MimeType       string          `json:"mime_type,omitempty"`
	FileName       string          `json:"file_name,omitempty"`
	Metadata       json.RawMessage `gorm:"type:json" json:"metadata,omitempty"`
	Timestamp      int64           `gorm:"column:ts;not null;index:idx_messages_unread,priority:3" json:"timestamp"`
	Status         MessageStatus   `gorm:"size:16;not null" json:"status"`
	SenderName     string          `json:"sender_name,omitempty"`
	QuotedID       string          `json:"quoted_id,omitempty"`
	Reaction       string          `json:"reaction,omitempty"`
	Edited         bool            `json:"edited"`
	EditedAt       *int64          `json:"edited_at,omitempty"`
	FailedAction   string          `json:"failed_action,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsPlaceholder is true for timeline entries rendered from an unresolved send.
func (m *Message) IsPlaceholder() bool {
	return IsPlaceholderID(m.ExternalID)
}

// Preview is a short single-line summary used in conversation listings.
func Preview(kind MessageKind, content string) string {
	switch kind {
	case KindImage:
		return labelWithCaption("📷 Imagem", content)
	case KindAudio:
		return "🎤 Áudio"
	case KindVideo:
		return labelWithCaption("🎥 Vídeo", content)
	case KindDocument:
		return labelWithCaption("📄 Documento", content)
	case KindSticker:
		return "Figurinha"
	case KindLocation:
		return "📍 Localização"
	case KindPoll:
		return labelWithCaption("📊 Enquete", content)
	}
	return truncate(strings.TrimSpace(content), 80)
}

func labelWithCaption(label, caption string) string {
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return label
	}
	return label + ": " + truncate(caption, 60)
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "…"
}

var seqState struct {
	mu   sync.Mutex
	last int64
}

// NextSeq returns a process-wide strictly increasing timeline position.
// It tracks wall-clock nanoseconds so positions stay ordered across restarts.
func NextSeq() int64 {
	seqState.mu.Lock()
	defer seqState.mu.Unlock()
	n := time.Now().UnixNano()
	if n <= seqState.last {
		n = seqState.last + 1
	}
	seqState.last = n
	return n
}
