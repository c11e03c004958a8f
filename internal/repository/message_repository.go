package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/vipul43/crmsync/internal/models"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *MessageRepository) WithTx(tx *gorm.DB) *MessageRepository {
	return &MessageRepository{db: tx}
}

func (r *MessageRepository) FindByExternalID(ctx context.Context, externalID, locationID string) (*models.Message, error) {
	return findByExternalID[models.Message](ctx, r.db, externalID, locationID)
}

func (r *MessageRepository) CreateIfAbsent(ctx context.Context, m *models.Message) (bool, error) {
	return createIfAbsent(ctx, r.db, m)
}

// Save writes the message row; AI annotations are left alone
func (r *MessageRepository) Save(ctx context.Context, m *models.Message) error {
	return saveColumns(ctx, r.db, m, "ai_status", "ai_summary")
}

// ListByContact returns all messages of a contact across its conversations, oldest first
func (r *MessageRepository) ListByContact(ctx context.Context, contactID string) ([]models.Message, error) {
	var msgs []models.Message
	result := r.db.WithContext(ctx).
		Where("contact_id = ?", contactID).
		Order("date_added ASC").
		Order("id").
		Find(&msgs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list messages: %w", result.Error)
	}
	return msgs, nil
}

// LatestByConversation returns the newest stored message of a conversation, or nil
func (r *MessageRepository) LatestByConversation(ctx context.Context, conversationID string) (*models.Message, error) {
	var msg models.Message
	result := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("date_added DESC").
		Order("id DESC").
		Limit(1).
		Find(&msg)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get latest message: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &msg, nil
}

func (r *MessageRepository) CountByLocation(ctx context.Context, locationID string) (int64, error) {
	return countByLocation[models.Message](ctx, r.db, locationID)
}
