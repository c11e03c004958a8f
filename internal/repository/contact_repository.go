package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/vipul43/crmsync/internal/models"
)

var ErrContactNotFound = errors.New("contact not found")

// ContactFilter narrows a contact search. Zero values are ignored.
type ContactFilter struct {
	LocationID string
	AssignedTo string
	Query      string // matched against name, email and phone
	Tag        string
	Limit      int
	Offset     int
}

// EngagementFields are the derived columns written by the engagement aggregator.
type EngagementFields struct {
	TouchSummary         string
	EngagementSummary    datatypes.JSON
	LastTouchDate        *time.Time
	LastMessageBody      *string
	LastMessageType      *string
	LastMessageDirection *string
	LastMessageDate      *time.Time
}

type ContactRepository struct {
	db *gorm.DB
}

func NewContactRepository(db *gorm.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *ContactRepository) WithTx(tx *gorm.DB) *ContactRepository {
	return &ContactRepository{db: tx}
}

// GetByID retrieves contact by local ID
func (r *ContactRepository) GetByID(ctx context.Context, id string) (*models.Contact, error) {
	return getByID[models.Contact](ctx, r.db, id, ErrContactNotFound)
}

// FindByExternalID returns nil when no row exists for the key
func (r *ContactRepository) FindByExternalID(ctx context.Context, externalID, locationID string) (*models.Contact, error) {
	return findByExternalID[models.Contact](ctx, r.db, externalID, locationID)
}

// CreateIfAbsent reports false when a row with the same key already exists
func (r *ContactRepository) CreateIfAbsent(ctx context.Context, c *models.Contact) (bool, error) {
	return createIfAbsent(ctx, r.db, c)
}

// Save writes sync-owned columns; AI annotations are left alone
func (r *ContactRepository) Save(ctx context.Context, c *models.Contact) error {
	return saveColumns(ctx, r.db, c, aiColumns...)
}

// Search lists contacts matching filter, most recently updated first
func (r *ContactRepository) Search(ctx context.Context, filter ContactFilter) ([]models.Contact, error) {
	query := r.db.WithContext(ctx).Model(&models.Contact{})
	if filter.LocationID != "" {
		query = query.Where("location_id = ?", filter.LocationID)
	}
	if filter.AssignedTo != "" {
		query = query.Where("assigned_to = ?", filter.AssignedTo)
	}
	if filter.Query != "" {
		like := "%" + strings.ToLower(filter.Query) + "%"
		query = query.Where("LOWER(name) LIKE ? OR LOWER(first_name) LIKE ? OR LOWER(last_name) LIKE ? OR LOWER(email) LIKE ? OR phone LIKE ?",
			like, like, like, like, like)
	}
	if filter.Tag != "" {
		query = query.Where("CAST(tags AS TEXT) LIKE ?", `%"`+filter.Tag+`"%`)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var contacts []models.Contact
	if err := query.Order("updated_at DESC").Order("id").Find(&contacts).Error; err != nil {
		return nil, fmt.Errorf("failed to search contacts: %w", err)
	}
	return contacts, nil
}

// CountByLocation counts stored contacts of a location
func (r *ContactRepository) CountByLocation(ctx context.Context, locationID string) (int64, error) {
	return countByLocation[models.Contact](ctx, r.db, locationID)
}

// UpdateEngagement writes the derived engagement columns of one contact
func (r *ContactRepository) UpdateEngagement(ctx context.Context, contactID string, f EngagementFields) error {
	result := r.db.WithContext(ctx).Model(&models.Contact{}).
		Where("id = ?", contactID).
		Updates(map[string]interface{}{
			"touch_summary":          f.TouchSummary,
			"engagement_summary":     f.EngagementSummary,
			"last_touch_date":        f.LastTouchDate,
			"last_message_body":      f.LastMessageBody,
			"last_message_type":      f.LastMessageType,
			"last_message_direction": f.LastMessageDirection,
			"last_message_date":      f.LastMessageDate,
			"updated_at":             time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update engagement: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrContactNotFound
	}
	return nil
}
