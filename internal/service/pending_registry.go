package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"lopeswhatsapp/internal/middleware"
	"lopeswhatsapp/internal/models"
	"lopeswhatsapp/internal/repository"

	"gorm.io/gorm"
)

// DefaultPendingGrace bounds how old a placeholder may be and still be
// claimed by a confirmation that carries no correlation token.
const DefaultPendingGrace = 2 * time.Minute

// PendingInput describes an outgoing message before it reaches the gateway.
type PendingInput struct {
	ConversationID string
	Command        string
	Kind           models.MessageKind
	Content        string
	MediaURL       string
	QuotedID       string
}

// PendingRegistry tracks outgoing sends until the gateway confirms them.
type PendingRegistry struct {
	store     *repository.Store
	publisher Publisher
	grace     time.Duration
	now       func() time.Time
}

// NewPendingRegistry creates a registry. A zero grace uses DefaultPendingGrace.
func NewPendingRegistry(store *repository.Store, publisher Publisher, grace time.Duration) *PendingRegistry {
	if grace <= 0 {
		grace = DefaultPendingGrace
	}
	return &PendingRegistry{
		store:     store,
		publisher: publisherOrNop(publisher),
		grace:     grace,
		now:       time.Now,
	}
}

// IsPlaceholder reports whether id is a locally generated placeholder token.
func (r *PendingRegistry) IsPlaceholder(id string) bool {
	return models.IsPlaceholderID(id)
}

// Register records a send and returns its placeholder. It runs before any
// network call so the operator sees the message immediately.
func (r *PendingRegistry) Register(ctx context.Context, in PendingInput) (*models.PendingSend, error) {
	kind := in.Kind
	if kind == "" {
		kind = models.KindText
	}
	now := r.now()
	p := &models.PendingSend{
		Token:          models.NewPlaceholderToken(),
		ConversationID: in.ConversationID,
		State:          models.PendingStatePending,
		Command:        in.Command,
		Kind:           kind,
		Content:        in.Content,
		MediaURL:       in.MediaURL,
		QuotedID:       in.QuotedID,
		Seq:            models.NextSeq(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.Pending.Create(ctx, p); err != nil {
		return nil, err
	}

	r.publisher.Publish(ctx, models.RealtimeEvent{
		Type:           models.RealtimePendingCreated,
		ConversationID: p.ConversationID,
		Payload:        models.PendingPayload{Placeholder: p.Token, Message: p.AsMessage()},
	})
	return p, nil
}

// Resolve binds token to the authoritative id. Unknown or already resolved
// tokens are a no-op.
func (r *PendingRegistry) Resolve(ctx context.Context, token, id string) error {
	_, err := r.resolveWith(ctx, r.store.Pending, token, id)
	return err
}

func (r *PendingRegistry) resolveWith(ctx context.Context, repo repository.PendingRepository, token, id string) (*models.PendingSend, error) {
	p, err := repo.Get(ctx, token)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !p.Unresolved() {
		return nil, nil
	}
	return p, r.markResolved(ctx, repo, p, id)
}

func (r *PendingRegistry) markResolved(ctx context.Context, repo repository.PendingRepository, p *models.PendingSend, id string) error {
	now := r.now()
	p.State = models.PendingStateResolved
	p.ResolvedID = id
	p.ResolvedAt = &now
	p.UpdatedAt = now
	return repo.Update(ctx, p)
}

// Fail marks token as failed. A timed out send stays matchable because the
// gateway may still have delivered it.
func (r *PendingRegistry) Fail(ctx context.Context, token string, cause error, timedOut bool) error {
	p, err := r.store.Pending.Get(ctx, token)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !p.Unresolved() {
		// The echo webhook won the race; the message exists.
		return nil
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	// Conditional so an echo resolving p after the read above still wins.
	changed, err := r.store.Pending.MarkFailed(ctx, token, msg, timedOut, r.now())
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	p.State = models.PendingStateError
	p.TimedOut = timedOut
	p.Error = msg

	middleware.Logger.WarnContext(ctx, "pending send failed",
		slog.String("placeholder", p.Token),
		slog.String("conversation_id", p.ConversationID),
		slog.Bool("timed_out", timedOut),
		slog.String("error", p.Error),
	)
	r.publisher.Publish(ctx, models.RealtimeEvent{
		Type:           models.RealtimePendingFailed,
		ConversationID: p.ConversationID,
		Payload: models.PendingPayload{
			Placeholder: p.Token,
			Error:       p.Error,
			TimedOut:    timedOut,
			Message:     p.AsMessage(),
		},
	})
	return nil
}

// FindUnresolvedCandidate returns the oldest placeholder of convID that a
// confirmation without a correlation token may claim, or nil.
//
// Matching is first-unresolved-wins. Two sends to the same conversation in
// flight together can be matched out of order when the gateway does not
// report ids synchronously.
func (r *PendingRegistry) FindUnresolvedCandidate(ctx context.Context, convID string) (*models.PendingSend, error) {
	return r.candidateWith(ctx, r.store.Pending, convID)
}

func (r *PendingRegistry) candidateWith(ctx context.Context, repo repository.PendingRepository, convID string) (*models.PendingSend, error) {
	p, err := repo.OldestMatchable(ctx, convID, r.now().Add(-r.grace))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return p, err
}

// ListUnresolved returns pending and failed placeholders of convID in
// timeline order.
func (r *PendingRegistry) ListUnresolved(ctx context.Context, convID string) ([]*models.PendingSend, error) {
	return r.store.Pending.ListUnresolved(ctx, convID)
}

// Get returns the placeholder for token.
func (r *PendingRegistry) Get(ctx context.Context, token string) (*models.PendingSend, error) {
	return r.store.Pending.Get(ctx, token)
}

// Stale returns unresolved placeholders older than olderThan.
func (r *PendingRegistry) Stale(ctx context.Context, olderThan time.Duration) ([]*models.PendingSend, error) {
	return r.store.Pending.ListStale(ctx, r.now().Add(-olderThan))
}
