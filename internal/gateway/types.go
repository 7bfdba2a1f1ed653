// Package gateway is the client for the Evolution API WhatsApp gateway.
package gateway

import (
	"fmt"

	"lopeswhatsapp/internal/models"
)

// CommandKind selects the gateway operation a SendCommand maps to.
type CommandKind string

const (
	CommandText     CommandKind = "text"
	CommandMedia    CommandKind = "media"
	CommandAudio    CommandKind = "audio"
	CommandLocation CommandKind = "location"
	CommandPoll     CommandKind = "poll"
	CommandReact    CommandKind = "react"
	CommandDelete   CommandKind = "delete"
	CommandEdit     CommandKind = "edit"
)

// SendCommand is one outbound gateway operation. Number is a routing
// address; the target fields apply to react, delete and edit.
type SendCommand struct {
	Kind     CommandKind
	Number   string
	Text     string
	QuotedID string

	MediaKind models.MessageKind
	Media     string // URL or base64 payload
	Caption   string
	FileName  string
	MimeType  string

	Location *models.Location
	Poll     *models.Poll

	TargetID     string
	TargetFromMe bool
	Reaction     string
}

// SendResult is what the gateway reports for an accepted command. Any field
// may be empty; an empty MessageID means the echo webhook has to resolve it.
type SendResult struct {
	MessageID string
	Timestamp int64
	Status    models.MessageStatus
}

// Profile is the subset of a contact profile the gateway exposes.
type Profile struct {
	Number     string `json:"number"`
	Name       string `json:"name,omitempty"`
	Status     string `json:"status,omitempty"`
	PictureURL string `json:"picture_url,omitempty"`
}

// Error is a non-2xx gateway response.
type Error struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// Temporary reports whether retrying the call later can succeed.
func (e *Error) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
