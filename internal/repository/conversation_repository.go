package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/vipul43/crmsync/internal/models"
)

type ConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *ConversationRepository) WithTx(tx *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: tx}
}

func (r *ConversationRepository) FindByExternalID(ctx context.Context, externalID, locationID string) (*models.Conversation, error) {
	return findByExternalID[models.Conversation](ctx, r.db, externalID, locationID)
}

func (r *ConversationRepository) CreateIfAbsent(ctx context.Context, c *models.Conversation) (bool, error) {
	return createIfAbsent(ctx, r.db, c)
}

func (r *ConversationRepository) Save(ctx context.Context, c *models.Conversation) error {
	return saveColumns(ctx, r.db, c)
}

// ListByLocation returns every conversation of a location
func (r *ConversationRepository) ListByLocation(ctx context.Context, locationID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	result := r.db.WithContext(ctx).
		Where("location_id = ?", locationID).
		Order("id").
		Find(&convs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", result.Error)
	}
	return convs, nil
}

// UpdateLastMessage refreshes the last-message cache from a stored message
func (r *ConversationRepository) UpdateLastMessage(ctx context.Context, conversationID string, msg *models.Message) error {
	msgType := msg.MessageType
	direction := msg.Direction
	dateAdded := msg.DateAdded
	now := time.Now()

	result := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Updates(map[string]interface{}{
			"last_message_body":      msg.Body,
			"last_message_type":      &msgType,
			"last_message_direction": &direction,
			"last_message_date":      &dateAdded,
			"messages_synced_at":     &now,
			"updated_at":             now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update last message: %w", result.Error)
	}
	return nil
}

func (r *ConversationRepository) CountByLocation(ctx context.Context, locationID string) (int64, error) {
	return countByLocation[models.Conversation](ctx, r.db, locationID)
}
