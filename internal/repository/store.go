package repository

import (
	"context"

	"gorm.io/gorm"
)

// Store bundles the repositories that have to change together. Inside
// Transaction every repository is bound to the same database transaction.
type Store struct {
	db        *gorm.DB
	Chat      ChatRepository
	Pending   PendingRepository
	ReadState ReadStateRepository
}

// NewStore creates a Store over db.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:        db,
		Chat:      NewChatRepository(db),
		Pending:   NewPendingRepository(db),
		ReadState: NewReadStateRepository(db),
	}
}

// Transaction runs fn with a Store bound to one transaction. fn must only
// use tx; the outer Store may be waiting on the same connection.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(NewStore(db))
	})
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
