package service

import (
	"context"
	"errors"
	"time"

	"lopeswhatsapp/internal/models"
)

// ProfileSync pulls a peer's name and avatar from the gateway. The result
// goes through the reconciler like any other profile event.
type ProfileSync struct {
	reconciler *Reconciler
	gateway    GatewayClient
	timeout    time.Duration
	now        func() time.Time
}

func NewProfileSync(reconciler *Reconciler, gw GatewayClient, timeout time.Duration) *ProfileSync {
	if timeout <= 0 {
		timeout = DefaultGatewayTimeout
	}
	return &ProfileSync{reconciler: reconciler, gateway: gw, timeout: timeout, now: time.Now}
}

// Refresh fetches the profile of convID and returns the updated conversation.
func (s *ProfileSync) Refresh(ctx context.Context, convID string) (*models.Conversation, error) {
	conv, err := s.reconciler.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	profile, err := s.gateway.FetchProfile(callCtx, conv.ID)
	cancel()
	if err != nil {
		return nil, models.NewGatewayDispatchError("fetch_profile", err, errors.Is(err, context.DeadlineExceeded))
	}

	ev := &models.NormalizedEvent{
		Type:           models.EventProfile,
		ConversationID: conv.ID,
		Timestamp:      s.now().UnixMilli(),
		SenderName:     profile.Name,
		AvatarURL:      profile.PictureURL,
	}
	if _, err := s.reconciler.Apply(ctx, ev); err != nil {
		return nil, err
	}
	return s.reconciler.GetConversation(ctx, conv.ID)
}
