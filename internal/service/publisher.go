// Package service holds the reconciliation engine: the pending-send
// registry, the reconciler, unread tracking and the command dispatcher.
package service

import (
	"context"

	"lopeswhatsapp/internal/models"
)

// Publisher delivers realtime events to subscribers. Implementations must
// not block the caller; delivery failures are theirs to log.
type Publisher interface {
	Publish(ctx context.Context, ev models.RealtimeEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, models.RealtimeEvent) {}

func publisherOrNop(p Publisher) Publisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}
