package service

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"lopeswhatsapp/internal/models"
	"lopeswhatsapp/internal/repository"

	"gorm.io/gorm"
)

const (
	DefaultTimelineLimit = 50
	MaxTimelineLimit     = 200
)

// EnsureConversation returns conversation id, creating it when absent. An
// explicit send revives a soft-deleted conversation with nothing unread.
func (r *Reconciler) EnsureConversation(ctx context.Context, id string) (*models.Conversation, error) {
	if id == "" {
		return nil, models.NewValidationError("conversation id is required")
	}
	unlock := r.locks.Lock(id)
	defer unlock()

	fx := &effects{}
	var conv *models.Conversation
	err := r.store.Transaction(ctx, func(tx *repository.Store) error {
		c, isNew, err := loadConversation(ctx, tx, id)
		if err != nil {
			return err
		}
		conv = c
		switch {
		case isNew:
			// Activity starts with the first message.
		case conv.Deleted:
			conv.Deleted = false
			conv.DeletedAt = nil
			if _, err := tx.ReadState.AdvanceWatermark(ctx, id, time.Now().UnixMilli()); err != nil {
				return err
			}
			fx.unreadChanged = true
		default:
			return nil
		}
		if err := saveConversation(ctx, tx, conv, isNew); err != nil {
			return err
		}
		fx.emit(models.RealtimeConversationUpdated, id, conv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.flush(ctx, id, fx)
	return conv, nil
}

// DeleteConversation hides a conversation. Its history is kept and comes
// back when a new message arrives.
func (r *Reconciler) DeleteConversation(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	conv, err := r.store.Chat.GetConversation(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.NewNotFoundError("Conversation", id)
	}
	if err != nil {
		return err
	}
	if conv.Deleted {
		return nil
	}

	now := time.Now()
	conv.Deleted = true
	conv.DeletedAt = &now
	if err := r.store.Chat.UpdateConversation(ctx, conv); err != nil {
		return err
	}

	fx := &effects{unreadChanged: true}
	fx.emit(models.RealtimeConversationDeleted, id, map[string]string{"id": id})
	r.flush(ctx, id, fx)
	return nil
}

// MarkMutationFailed flags msgID after an optimistic edit, delete or
// reaction was rejected by the gateway.
func (r *Reconciler) MarkMutationFailed(ctx context.Context, convID, msgID, action string) error {
	unlock := r.locks.Lock(convID)
	defer unlock()

	msg, err := r.store.Chat.FindMessage(ctx, convID, msgID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.NewNotFoundError("Message", msgID)
	}
	if err != nil {
		return err
	}
	msg.FailedAction = action
	if err := r.store.Chat.UpdateMessage(ctx, msg); err != nil {
		return err
	}

	fx := &effects{}
	fx.emit(models.RealtimeMessageUpdated, convID, models.MessagePayload{Message: msg})
	r.flush(ctx, convID, fx)
	return nil
}

// Timeline returns one page of convID in seq order, counting back from the
// newest entry. Unresolved placeholders are merged in at their positions.
func (r *Reconciler) Timeline(ctx context.Context, convID string, limit, offset int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = DefaultTimelineLimit
	}
	if limit > MaxTimelineLimit {
		limit = MaxTimelineLimit
	}
	if offset < 0 {
		offset = 0
	}

	page, err := r.store.Chat.GetMessages(ctx, convID, limit, offset)
	if err != nil {
		return nil, err
	}
	pending, err := r.registry.ListUnresolved(ctx, convID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return page, nil
	}

	// A full page may have older history below it; the first page has
	// nothing newer above it.
	lower, upper := int64(math.MinInt64), int64(math.MaxInt64)
	if len(page) == limit {
		lower = page[0].Seq
	}
	if offset > 0 {
		if len(page) == 0 {
			return page, nil
		}
		upper = page[len(page)-1].Seq
	}

	for _, p := range pending {
		if p.Seq >= lower && p.Seq <= upper {
			page = append(page, p.AsMessage())
		}
	}
	sort.SliceStable(page, func(i, j int) bool { return page[i].Seq < page[j].Seq })
	return page, nil
}

// ListConversations returns visible conversations, most recent first, with
// unread counts when an unread tracker is configured.
func (r *Reconciler) ListConversations(ctx context.Context) ([]*models.Conversation, error) {
	convs, err := r.store.Chat.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	if r.unread == nil {
		return convs, nil
	}
	summary, err := r.unread.Summary(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range convs {
		c.UnreadCount = summary[c.ID]
	}
	return convs, nil
}

// GetMessage returns message id of convID. Placeholder tokens resolve to the
// placeholder while unresolved and to the confirmed message afterwards.
func (r *Reconciler) GetMessage(ctx context.Context, convID, id string) (*models.Message, error) {
	if models.IsPlaceholderID(id) {
		p, err := r.registry.Get(ctx, id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Message", id)
		}
		if err != nil {
			return nil, err
		}
		if p.Unresolved() {
			return p.AsMessage(), nil
		}
		id = p.ResolvedID
	}

	msg, err := r.store.Chat.FindMessage(ctx, convID, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("Message", id)
	}
	return msg, err
}

// GetConversation returns a visible conversation.
func (r *Reconciler) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := r.store.Chat.GetConversation(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && conv.Deleted) {
		return nil, models.NewNotFoundError("Conversation", id)
	}
	return conv, err
}
