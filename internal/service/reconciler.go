package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lopeswhatsapp/internal/middleware"
	"lopeswhatsapp/internal/models"
	"lopeswhatsapp/internal/observability"
	"lopeswhatsapp/internal/repository"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// Reconciler is the single writer of conversation and message state. Every
// event runs under its conversation's lock and inside one transaction;
// realtime events are published only after commit.
type Reconciler struct {
	store     *repository.Store
	registry  *PendingRegistry
	publisher Publisher
	unread    *UnreadTracker
	locks     *conversationLocks
	orphans   *orphanStatuses
	logger    *slog.Logger
}

var errAmbiguousTarget = errors.New("event target is ambiguous")

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithUnreadTracker lets the reconciler invalidate and announce unread counts.
func WithUnreadTracker(t *UnreadTracker) ReconcilerOption {
	return func(r *Reconciler) { r.unread = t }
}

// WithOrphanCapacity bounds how many early status updates are remembered.
func WithOrphanCapacity(n int) ReconcilerOption {
	return func(r *Reconciler) { r.orphans = newOrphanStatuses(n) }
}

// NewReconciler creates a Reconciler.
func NewReconciler(store *repository.Store, registry *PendingRegistry, publisher Publisher, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:     store,
		registry:  registry,
		publisher: publisherOrNop(publisher),
		locks:     newConversationLocks(),
		orphans:   newOrphanStatuses(defaultOrphanCapacity),
		logger:    middleware.Logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// effects collects what a committed Apply has to announce.
type effects struct {
	events        []models.RealtimeEvent
	unreadChanged bool
	orphanUsed    string
	resolvedBy    string
}

func (fx *effects) emit(t models.RealtimeEventType, convID string, payload interface{}) {
	fx.events = append(fx.events, models.RealtimeEvent{Type: t, ConversationID: convID, Payload: payload})
}

// Apply folds one event into the stored state. The error is non-nil only
// for store failures; events that cannot be applied return ResultIgnored.
func (r *Reconciler) Apply(ctx context.Context, ev *models.NormalizedEvent) (result models.ReconcileResult, err error) {
	if ev == nil {
		return models.ResultIgnored, nil
	}

	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "reconciler", "apply",
		attribute.String("event.type", string(ev.Type)),
		attribute.String("conversation.id", ev.ConversationID),
	)
	defer func() {
		observability.EndSpan(span, err)
		observability.ReconcileLatency.WithLabelValues(string(ev.Type)).Observe(time.Since(start).Seconds())
		if err == nil {
			observability.ReconcileResults.WithLabelValues(string(ev.Type), string(result)).Inc()
		}
	}()

	convID, err := r.conversationFor(ctx, ev)
	if errors.Is(err, errAmbiguousTarget) {
		return models.ResultIgnored, nil
	}
	if err != nil {
		return "", err
	}
	if convID == "" {
		if ev.Type == models.EventStatus {
			r.orphans.put(ev.MessageID, ev.Status)
		}
		return models.ResultIgnored, nil
	}

	unlock := r.locks.Lock(convID)
	defer unlock()

	fx := &effects{}
	err = r.store.Transaction(ctx, func(tx *repository.Store) error {
		var txErr error
		result, txErr = r.apply(ctx, tx, convID, ev, fx)
		return txErr
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "reconcile failed",
			slog.String("event_type", string(ev.Type)),
			slog.String("conversation_id", convID),
			slog.String("message_id", ev.MessageID),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("apply %s event: %w", ev.Type, err)
	}

	r.flush(ctx, convID, fx)
	return result, nil
}

// conversationFor returns the conversation an event belongs to, looking it
// up by message id when the gateway omitted the address. An id found in
// several conversations resolves to none.
func (r *Reconciler) conversationFor(ctx context.Context, ev *models.NormalizedEvent) (string, error) {
	if ev.ConversationID != "" {
		return ev.ConversationID, nil
	}
	target := ev.Target()
	if target == "" {
		return "", nil
	}
	msg, err := r.store.Chat.FindMessageByExternalID(ctx, target)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if errors.Is(err, repository.ErrAmbiguousMessage) {
		r.logger.WarnContext(ctx, "event without address matches several conversations",
			slog.String("event_type", string(ev.Type)),
			slog.String("message_id", target),
		)
		return "", errAmbiguousTarget
	}
	if err != nil {
		return "", err
	}
	return msg.ConversationID, nil
}

func (r *Reconciler) apply(ctx context.Context, tx *repository.Store, convID string, ev *models.NormalizedEvent, fx *effects) (models.ReconcileResult, error) {
	switch ev.Type {
	case models.EventMessage:
		return r.applyMessage(ctx, tx, convID, ev, fx)
	case models.EventStatus:
		return r.applyStatus(ctx, tx, convID, ev, fx)
	case models.EventProfile:
		return r.applyProfile(ctx, tx, convID, ev, fx)
	case models.EventEdit, models.EventDelete, models.EventReaction:
		return r.applyMutation(ctx, tx, convID, ev, fx)
	}
	return models.ResultIgnored, nil
}

func (r *Reconciler) applyMessage(ctx context.Context, tx *repository.Store, convID string, ev *models.NormalizedEvent, fx *effects) (models.ReconcileResult, error) {
	if ev.MessageID == "" {
		return models.ResultIgnored, nil
	}

	existing, err := tx.Chat.FindMessage(ctx, convID, ev.MessageID)
	if err == nil {
		return r.applyDuplicate(ctx, tx, existing, ev, fx)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	conv, isNew, err := loadConversation(ctx, tx, convID)
	if err != nil {
		return "", err
	}

	msg := newMessage(convID, ev)

	var placeholder *models.PendingSend
	if ev.FromMe {
		placeholder, err = r.claimPlaceholder(ctx, tx, convID, ev, fx)
		if err != nil {
			return "", err
		}
		if placeholder != nil {
			adoptPlaceholder(msg, placeholder, ev)
		}
	}

	if buffered, ok := r.orphans.peek(ev.MessageID); ok {
		msg.Status, _ = models.MergeStatus(msg.Status, buffered)
		fx.orphanUsed = ev.MessageID
	}

	if err := tx.Chat.CreateMessage(ctx, msg); err != nil {
		return "", err
	}

	changed := touchConversation(conv, msg, ev)
	if conv.Deleted {
		conv.Deleted = false
		conv.DeletedAt = nil
		// History from before the deletion does not come back as unread.
		if _, err := tx.ReadState.AdvanceWatermark(ctx, convID, msg.Timestamp-1); err != nil {
			return "", err
		}
		fx.unreadChanged = true
		changed = true
	}
	if isNew || changed {
		if err := saveConversation(ctx, tx, conv, isNew); err != nil {
			return "", err
		}
	}

	payload := models.MessagePayload{Message: msg}
	if placeholder != nil {
		payload.Placeholder = placeholder.Token
	}
	fx.emit(models.RealtimeMessageCreated, convID, payload)
	if isNew || changed {
		fx.emit(models.RealtimeConversationUpdated, convID, conv)
	}
	if msg.Direction == models.DirectionInbound {
		fx.unreadChanged = true
	}
	return models.ResultCreated, nil
}

func (r *Reconciler) applyDuplicate(ctx context.Context, tx *repository.Store, existing *models.Message, ev *models.NormalizedEvent, fx *effects) (models.ReconcileResult, error) {
	result := models.ResultDuplicate
	if ev.Status != "" {
		if merged, changed := models.MergeStatus(existing.Status, ev.Status); changed {
			existing.Status = merged
			result = models.ResultUpdated
		} else if ev.Status != existing.Status {
			observability.StatusRegressions.Inc()
		}
	}

	var token string
	if ev.CorrelationToken != "" {
		// The echo webhook stored the message before the send returned.
		p, err := r.registry.resolveWith(ctx, tx.Pending, ev.CorrelationToken, existing.ExternalID)
		if err != nil {
			return "", err
		}
		if p != nil {
			token = p.Token
			fx.resolvedBy = "token"
			fx.emit(models.RealtimePendingResolved, existing.ConversationID, models.PendingPayload{
				Placeholder: p.Token,
				MessageID:   existing.ExternalID,
			})
		}
	}

	if result == models.ResultUpdated {
		if err := tx.Chat.UpdateMessage(ctx, existing); err != nil {
			return "", err
		}
		fx.emit(models.RealtimeMessageUpdated, existing.ConversationID, models.MessagePayload{Message: existing, Placeholder: token})
	}
	return result, nil
}

// claimPlaceholder finds the unresolved send an outbound message confirms.
// A correlated confirmation only ever claims its own placeholder; one
// without a token claims the oldest matchable placeholder.
func (r *Reconciler) claimPlaceholder(ctx context.Context, tx *repository.Store, convID string, ev *models.NormalizedEvent, fx *effects) (*models.PendingSend, error) {
	var (
		p        *models.PendingSend
		strategy string
	)
	if ev.CorrelationToken != "" {
		found, err := tx.Pending.Get(ctx, ev.CorrelationToken)
		switch {
		case err == nil:
			if found.Unresolved() && found.ConversationID == convID {
				p, strategy = found, "token"
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, err
		}
		if p == nil {
			// Already claimed by an echo, or gone: this send stands alone.
			return nil, nil
		}
	}
	if p == nil {
		found, err := r.registry.candidateWith(ctx, tx.Pending, convID)
		if err != nil {
			return nil, err
		}
		p, strategy = found, "oldest"
	}
	if p == nil {
		return nil, nil
	}
	if err := r.registry.markResolved(ctx, tx.Pending, p, ev.MessageID); err != nil {
		return nil, err
	}
	fx.resolvedBy = strategy
	return p, nil
}

func newMessage(convID string, ev *models.NormalizedEvent) *models.Message {
	status := models.StatusDelivered
	if ev.FromMe {
		status = models.StatusSent
	}
	if ev.Status.Valid() {
		status, _ = models.MergeStatus(status, ev.Status)
	}
	kind := ev.Kind
	if kind == "" {
		kind = models.KindText
	}
	return &models.Message{
		ConversationID: convID,
		ExternalID:     ev.MessageID,
		Seq:            models.NextSeq(),
		Direction:      ev.Direction(),
		Kind:           kind,
		Content:        ev.Content,
		MediaURL:       ev.MediaURL,
		MimeType:       ev.MimeType,
		FileName:       ev.FileName,
		Metadata:       metadataFor(ev),
		Timestamp:      ev.Timestamp,
		Status:         status,
		SenderName:     ev.SenderName,
		QuotedID:       ev.QuotedID,
	}
}

// adoptPlaceholder makes msg take the placeholder's timeline position and
// fills what the confirmation left out from the placeholder.
func adoptPlaceholder(msg *models.Message, p *models.PendingSend, ev *models.NormalizedEvent) {
	msg.Seq = p.Seq
	if ev.Kind == "" {
		msg.Kind = p.Kind
	}
	if msg.Content == "" {
		msg.Content = p.Content
	}
	if msg.MediaURL == "" {
		msg.MediaURL = p.MediaURL
	}
	if msg.QuotedID == "" {
		msg.QuotedID = p.QuotedID
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = p.CreatedAt.UnixMilli()
	}
}

func metadataFor(ev *models.NormalizedEvent) json.RawMessage {
	var meta map[string]interface{}
	switch {
	case ev.Location != nil:
		meta = map[string]interface{}{"location": ev.Location}
	case ev.Poll != nil:
		meta = map[string]interface{}{"poll": ev.Poll}
	default:
		return nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return raw
}

// touchConversation applies a new message to the conversation summary and
// reports whether anything changed.
func touchConversation(conv *models.Conversation, msg *models.Message, ev *models.NormalizedEvent) bool {
	changed := false
	if msg.Timestamp >= conv.LastActivityAt {
		preview := models.Preview(msg.Kind, msg.Content)
		if conv.LastActivityAt != msg.Timestamp || conv.LastMessagePreview != preview {
			conv.LastActivityAt = msg.Timestamp
			conv.LastMessagePreview = preview
			changed = true
		}
	}
	// Outbound pushName is the operator's own name.
	if msg.Direction == models.DirectionInbound && ev.SenderName != "" && conv.Name != ev.SenderName {
		conv.Name = ev.SenderName
		changed = true
	}
	return changed
}

func loadConversation(ctx context.Context, tx *repository.Store, convID string) (*models.Conversation, bool, error) {
	conv, err := tx.Chat.GetConversation(ctx, convID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return &models.Conversation{ID: convID}, true, nil
}

func saveConversation(ctx context.Context, tx *repository.Store, conv *models.Conversation, isNew bool) error {
	if isNew {
		return tx.Chat.CreateConversation(ctx, conv)
	}
	return tx.Chat.UpdateConversation(ctx, conv)
}

func (r *Reconciler) applyStatus(ctx context.Context, tx *repository.Store, convID string, ev *models.NormalizedEvent, fx *effects) (models.ReconcileResult, error) {
	if ev.MessageID == "" || !ev.Status.Valid() {
		return models.ResultIgnored, nil
	}
	msg, err := tx.Chat.FindMessage(ctx, convID, ev.MessageID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		r.orphans.put(ev.MessageID, ev.Status)
		return models.ResultIgnored, nil
	}
	if err != nil {
		return "", err
	}

	merged, changed := models.MergeStatus(msg.Status, ev.Status)
	if !changed {
		if ev.Status != msg.Status {
			observability.StatusRegressions.Inc()
		}
		return models.ResultDuplicate, nil
	}
	msg.Status = merged
	if err := tx.Chat.UpdateMessage(ctx, msg); err != nil {
		return "", err
	}
	fx.emit(models.RealtimeMessageUpdated, convID, models.MessagePayload{Message: msg})
	return models.ResultUpdated, nil
}

// applyProfile updates the peer's name and avatar. Profiles of peers with no
// conversation are ignored so contact syncs do not create empty chats.
func (r *Reconciler) applyProfile(ctx context.Context, tx *repository.Store, convID string, ev *models.NormalizedEvent, fx *effects) (models.ReconcileResult, error) {
	conv, err := tx.Chat.GetConversation(ctx, convID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ResultIgnored, nil
	}
	if err != nil {
		return "", err
	}

	changed := false
	if ev.SenderName != "" && conv.Name != ev.SenderName {
		conv.Name = ev.SenderName
		changed = true
	}
	if ev.AvatarURL != "" && conv.AvatarURL != ev.AvatarURL {
		conv.AvatarURL = ev.AvatarURL
		changed = true
	}
	if !changed {
		return models.ResultDuplicate, nil
	}
	if err := tx.Chat.UpdateConversation(ctx, conv); err != nil {
		return "", err
	}
	fx.emit(models.RealtimeConversationUpdated, convID, conv)
	return models.ResultUpdated, nil
}

func (r *Reconciler) applyMutation(ctx context.Context, tx *repository.Store, convID string, ev *models.NormalizedEvent, fx *effects) (models.ReconcileResult, error) {
	target := ev.Target()
	if target == "" {
		return models.ResultIgnored, nil
	}
	msg, err := tx.Chat.FindMessage(ctx, convID, target)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ResultIgnored, nil
	}
	if err != nil {
		return "", err
	}

	switch ev.Type {
	case models.EventEdit:
		if msg.Status == models.StatusDeleted {
			return models.ResultIgnored, nil
		}
		if msg.Edited && msg.Content == ev.Content && msg.FailedAction == "" {
			return models.ResultDuplicate, nil
		}
		editedAt := ev.Timestamp
		msg.Content = ev.Content
		msg.Edited = true
		msg.EditedAt = &editedAt
	case models.EventDelete:
		if msg.Status == models.StatusDeleted {
			return models.ResultDuplicate, nil
		}
		msg.Status, _ = models.MergeStatus(msg.Status, models.StatusDeleted)
		msg.Content = models.DeletedContent
		msg.MediaURL = ""
		msg.MimeType = ""
		msg.FileName = ""
		msg.Metadata = nil
		if msg.Direction == models.DirectionInbound {
			fx.unreadChanged = true
		}
	case models.EventReaction:
		if msg.Reaction == ev.Reaction && msg.FailedAction == "" {
			return models.ResultDuplicate, nil
		}
		msg.Reaction = ev.Reaction
	}
	msg.FailedAction = ""

	if err := tx.Chat.UpdateMessage(ctx, msg); err != nil {
		return "", err
	}
	fx.emit(models.RealtimeMessageUpdated, convID, models.MessagePayload{Message: msg})

	if ev.Type != models.EventReaction {
		if err := refreshPreview(ctx, tx, msg, fx); err != nil {
			return "", err
		}
	}
	return models.ResultUpdated, nil
}

// refreshPreview rewrites the conversation preview when msg is its latest message.
func refreshPreview(ctx context.Context, tx *repository.Store, msg *models.Message, fx *effects) error {
	conv, err := tx.Chat.GetConversation(ctx, msg.ConversationID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if conv.LastActivityAt != msg.Timestamp {
		return nil
	}
	preview := models.Preview(msg.Kind, msg.Content)
	if conv.LastMessagePreview == preview {
		return nil
	}
	conv.LastMessagePreview = preview
	if err := tx.Chat.UpdateConversation(ctx, conv); err != nil {
		return err
	}
	fx.emit(models.RealtimeConversationUpdated, conv.ID, conv)
	return nil
}

func (r *Reconciler) flush(ctx context.Context, convID string, fx *effects) {
	if fx.orphanUsed != "" {
		r.orphans.take(fx.orphanUsed)
	}
	if fx.resolvedBy != "" {
		observability.PlaceholderResolutions.WithLabelValues(fx.resolvedBy).Inc()
	}
	for _, ev := range fx.events {
		r.publisher.Publish(ctx, ev)
	}
	if fx.unreadChanged && r.unread != nil {
		r.unread.changed(ctx, convID)
	}
}
