// Package repository provides gorm-backed persistence for conversations,
// messages, placeholders and read watermarks.
package repository

import (
	"context"
	"errors"

	"lopeswhatsapp/internal/models"

	"gorm.io/gorm"
)

// ChatRepository defines the interface for conversation and message storage
type ChatRepository interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	UpdateConversation(ctx context.Context, conv *models.Conversation) error
	ListConversations(ctx context.Context) ([]*models.Conversation, error)
	CreateMessage(ctx context.Context, msg *models.Message) error
	UpdateMessage(ctx context.Context, msg *models.Message) error
	FindMessage(ctx context.Context, convID, externalID string) (*models.Message, error)
	FindMessageByExternalID(ctx context.Context, externalID string) (*models.Message, error)
	GetMessages(ctx context.Context, convID string, limit, offset int) ([]*models.Message, error)
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository creates a new chat repository
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

func (r *chatRepository) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	return r.db.WithContext(ctx).Create(conv).Error
}

func (r *chatRepository) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *chatRepository) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	return r.db.WithContext(ctx).Save(conv).Error
}

// ListConversations returns visible conversations, most recent activity first.
func (r *chatRepository) ListConversations(ctx context.Context) ([]*models.Conversation, error) {
	var conversations []*models.Conversation
	err := r.db.WithContext(ctx).
		Where("deleted = ?", false).
		Order("last_activity_at DESC").
		Order("id ASC").
		Find(&conversations).Error
	return conversations, err
}

func (r *chatRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

func (r *chatRepository) UpdateMessage(ctx context.Context, msg *models.Message) error {
	return r.db.WithContext(ctx).Save(msg).Error
}

func (r *chatRepository) FindMessage(ctx context.Context, convID, externalID string) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND external_id = ?", convID, externalID).
		First(&msg).Error
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ErrAmbiguousMessage reports a message id shared by several conversations.
var ErrAmbiguousMessage = errors.New("message id exists in more than one conversation")

// FindMessageByExternalID looks a message up without its conversation, for
// status updates that only carry the message id. Ids are only unique per
// conversation, so a shared id yields ErrAmbiguousMessage.
func (r *chatRepository) FindMessageByExternalID(ctx context.Context, externalID string) (*models.Message, error) {
	var msgs []models.Message
	err := r.db.WithContext(ctx).
		Where("external_id = ?", externalID).
		Limit(2).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	switch len(msgs) {
	case 0:
		return nil, gorm.ErrRecordNotFound
	case 1:
		return &msgs[0], nil
	}
	return nil, ErrAmbiguousMessage
}

// GetMessages returns a page of the timeline in seq order. offset counts back
// from the newest message so the first page holds the latest history.
func (r *chatRepository) GetMessages(ctx context.Context, convID string, limit, offset int) ([]*models.Message, error) {
	var messages []*models.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Order("seq DESC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
