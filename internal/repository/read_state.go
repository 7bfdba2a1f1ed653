package repository

import (
	"context"
	"errors"
	"time"

	"lopeswhatsapp/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReadStateRepository stores per-conversation read watermarks and answers
// unread-count queries against them.
type ReadStateRepository interface {
	GetWatermark(ctx context.Context, convID string) (int64, error)
	AdvanceWatermark(ctx context.Context, convID string, ts int64) (int64, error)
	CountUnread(ctx context.Context, convID string) (int64, error)
	UnreadSummary(ctx context.Context) (map[string]int64, error)
}

type readStateRepository struct {
	db *gorm.DB
}

// NewReadStateRepository creates a new read-state repository
func NewReadStateRepository(db *gorm.DB) ReadStateRepository {
	return &readStateRepository{db: db}
}

// GetWatermark returns 0 when no watermark was ever set.
func (r *readStateRepository) GetWatermark(ctx context.Context, convID string) (int64, error) {
	var wm models.ReadWatermark
	err := r.db.WithContext(ctx).Where("conversation_id = ?", convID).First(&wm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return wm.Watermark, nil
}

// AdvanceWatermark stores max(current, ts) and returns the stored value.
// The comparison runs inside the upsert so concurrent writers cannot move it back.
func (r *readStateRepository) AdvanceWatermark(ctx context.Context, convID string, ts int64) (int64, error) {
	wm := models.ReadWatermark{
		ConversationID: convID,
		Watermark:      ts,
		UpdatedAt:      time.Now(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "conversation_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"watermark":  gorm.Expr("CASE WHEN excluded.watermark > read_watermarks.watermark THEN excluded.watermark ELSE read_watermarks.watermark END"),
			"updated_at": gorm.Expr("excluded.updated_at"),
		}),
	}).Create(&wm).Error
	if err != nil {
		return 0, err
	}
	return r.GetWatermark(ctx, convID)
}

// CountUnread counts inbound, non-deleted messages newer than the watermark.
// Soft-deleted conversations count zero.
func (r *readStateRepository) CountUnread(ctx context.Context, convID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Joins("JOIN conversations ON conversations.id = messages.conversation_id AND conversations.deleted = ?", false).
		Joins("LEFT JOIN read_watermarks ON read_watermarks.conversation_id = messages.conversation_id").
		Where("messages.conversation_id = ?", convID).
		Where("messages.direction = ? AND messages.status <> ?", models.DirectionInbound, models.StatusDeleted).
		Where("messages.ts > COALESCE(read_watermarks.watermark, 0)").
		Count(&count).Error
	return count, err
}

type unreadRow struct {
	ConversationID string
	Unread         int64
}

// UnreadSummary returns the unread count of every visible conversation,
// including those with nothing unread, in one grouped query.
func (r *readStateRepository) UnreadSummary(ctx context.Context) (map[string]int64, error) {
	var rows []unreadRow
	err := r.db.WithContext(ctx).
		Table("conversations").
		Select("conversations.id AS conversation_id, COUNT(messages.id) AS unread").
		Joins("LEFT JOIN read_watermarks ON read_watermarks.conversation_id = conversations.id").
		Joins("LEFT JOIN messages ON messages.conversation_id = conversations.id AND messages.direction = ? AND messages.status <> ? AND messages.ts > COALESCE(read_watermarks.watermark, 0)",
			models.DirectionInbound, models.StatusDeleted).
		Where("conversations.deleted = ?", false).
		Group("conversations.id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	summary := make(map[string]int64, len(rows))
	for _, row := range rows {
		summary[row.ConversationID] = row.Unread
	}
	return summary, nil
}
