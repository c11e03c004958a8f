package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vipul43/crmsync/internal/models"
)

var ErrWebhookEventNotFound = errors.New("webhook event not found")

type WebhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Create durably logs a received event
func (r *WebhookEventRepository) Create(ctx context.Context, event *models.WebhookEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Status == "" {
		event.Status = models.WebhookStatusPending
	}
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to create webhook event: %w", err)
	}
	return nil
}

// GetByID retrieves a webhook event by ID
func (r *WebhookEventRepository) GetByID(ctx context.Context, id string) (*models.WebhookEvent, error) {
	return getByID[models.WebhookEvent](ctx, r.db, id, ErrWebhookEventNotFound)
}

// UpdateStatus records a processing outcome and bumps the attempt counter
func (r *WebhookEventRepository) UpdateStatus(ctx context.Context, id string, status models.WebhookStatus, lastError *string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"error":        lastError,
			"attempts":     gorm.Expr("attempts + 1"),
			"processed_at": &now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update webhook status: %w", result.Error)
	}
	return nil
}

// GetFailed retrieves failed events that still have attempts left
func (r *WebhookEventRepository) GetFailed(ctx context.Context, maxAttempts int, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	result := r.db.WithContext(ctx).
		Where("status = ? AND attempts < ?", models.WebhookStatusFailed, maxAttempts).
		Order("created_at ASC").
		Limit(limit).
		Find(&events)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query failed events: %w", result.Error)
	}
	return events, nil
}
