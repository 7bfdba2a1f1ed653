// Package models contains the canonical event model and the persisted
// conversation, message, placeholder and read-state records.
package models

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusError     MessageStatus = "error"
	StatusDeleted   MessageStatus = "deleted"
)

var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// IsTerminal reports whether s can never be left automatically.
func (s MessageStatus) IsTerminal() bool {
	return s == StatusError || s == StatusDeleted
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok || s.IsTerminal()
}

// MergeStatus applies an incoming status to the current one.
// Progress is forward-only along pending < sent < delivered < read.
// error and deleted can be entered from any state and are never left,
// except that a message in error can still be deleted.
func MergeStatus(current, incoming MessageStatus) (MessageStatus, bool) {
	if !incoming.Valid() || incoming == current {
		return current, false
	}
	if current == StatusDeleted {
		return current, false
	}
	if incoming == StatusDeleted {
		return incoming, true
	}
	if current == StatusError {
		return current, false
	}
	if incoming == StatusError {
		return incoming, true
	}
	if !current.Valid() {
		return incoming, true
	}
	if statusRank[incoming] > statusRank[current] {
		return incoming, true
	}
	return current, false
}
