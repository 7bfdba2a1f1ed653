package repository

import (
	"context"
	"time"

	"lopeswhatsapp/internal/models"

	"gorm.io/gorm"
)

// PendingRepository stores placeholders for sends awaiting an authoritative id.
type PendingRepository interface {
	Create(ctx context.Context, p *models.PendingSend) error
	Get(ctx context.Context, token string) (*models.PendingSend, error)
	Update(ctx context.Context, p *models.PendingSend) error
	MarkFailed(ctx context.Context, token, cause string, timedOut bool, at time.Time) (bool, error)
	OldestMatchable(ctx context.Context, convID string, createdAfter time.Time) (*models.PendingSend, error)
	ListUnresolved(ctx context.Context, convID string) ([]*models.PendingSend, error)
	ListStale(ctx context.Context, createdBefore time.Time) ([]*models.PendingSend, error)
	MarkStaleNotified(ctx context.Context, tokens []string, at time.Time) error
}

type pendingRepository struct {
	db *gorm.DB
}

// NewPendingRepository creates a new placeholder repository
func NewPendingRepository(db *gorm.DB) PendingRepository {
	return &pendingRepository{db: db}
}

func (r *pendingRepository) Create(ctx context.Context, p *models.PendingSend) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *pendingRepository) Get(ctx context.Context, token string) (*models.PendingSend, error) {
	var p models.PendingSend
	if err := r.db.WithContext(ctx).Where("token = ?", token).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *pendingRepository) Update(ctx context.Context, p *models.PendingSend) error {
	return r.db.WithContext(ctx).Save(p).Error
}

// MarkFailed moves token to the error state unless it has been resolved in
// the meantime. It reports whether a row changed.
func (r *pendingRepository) MarkFailed(ctx context.Context, token, cause string, timedOut bool, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.PendingSend{}).
		Where("token = ? AND state <> ?", token, models.PendingStateResolved).
		Updates(map[string]interface{}{
			"state":      models.PendingStateError,
			"error":      cause,
			"timed_out":  timedOut,
			"updated_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// OldestMatchable returns the oldest placeholder in convID that a confirmation
// without a correlation token may claim.
func (r *pendingRepository) OldestMatchable(ctx context.Context, convID string, createdAfter time.Time) (*models.PendingSend, error) {
	var p models.PendingSend
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Where("state = ? OR (state = ? AND timed_out = ?)", models.PendingStatePending, models.PendingStateError, true).
		Where("created_at >= ?", createdAfter).
		Order("seq ASC").
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *pendingRepository) ListUnresolved(ctx context.Context, convID string) ([]*models.PendingSend, error) {
	var items []*models.PendingSend
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND state <> ?", convID, models.PendingStateResolved).
		Order("seq ASC").
		Find(&items).Error
	return items, err
}

func (r *pendingRepository) ListStale(ctx context.Context, createdBefore time.Time) ([]*models.PendingSend, error) {
	var items []*models.PendingSend
	err := r.db.WithContext(ctx).
		Where("state <> ? AND created_at < ?", models.PendingStateResolved, createdBefore).
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}

func (r *pendingRepository) MarkStaleNotified(ctx context.Context, tokens []string, at time.Time) error {
	if len(tokens) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&models.PendingSend{}).
		Where("token IN ?", tokens).
		Update("stale_notified_at", at).Error
}
