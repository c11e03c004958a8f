package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vipul43/crmsync/internal/models"
	"github.com/vipul43/crmsync/internal/syncerr"
)

var ErrAgencyTokenNotFound = syncerr.ErrNoAgencyToken

type AgencyTokenRepository struct {
	db *gorm.DB
}

func NewAgencyTokenRepository(db *gorm.DB) *AgencyTokenRepository {
	return &AgencyTokenRepository{db: db}
}

// GetActive retrieves the token row for a company. An empty appID matches
// the most recently updated row of any application.
func (r *AgencyTokenRepository) GetActive(ctx context.Context, companyID, appID string) (*models.AgencyToken, error) {
	query := r.db.WithContext(ctx).Where("company_id = ?", companyID)
	if appID != "" {
		query = query.Where("app_id = ?", appID)
	}

	var token models.AgencyToken
	result := query.Order("updated_at DESC").First(&token)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAgencyTokenNotFound
		}
		return nil, fmt.Errorf("failed to get agency token: %w", result.Error)
	}
	return &token, nil
}

// Upsert stores a token for (company, app), overwriting any previous one
func (r *AgencyTokenRepository) Upsert(ctx context.Context, token *models.AgencyToken) error {
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "company_id"}, {Name: "app_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"access_token", "refresh_token", "expires_at", "scope", "user_type", "updated_at"}),
		}).
		Create(token)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert agency token: %w", result.Error)
	}
	return nil
}

// UpdateTokens overwrites access token, refresh token and expiry in one statement
func (r *AgencyTokenRepository) UpdateTokens(ctx context.Context, tokenID string, accessToken string, refreshToken string, expiresAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.AgencyToken{}).
		Where("id = ?", tokenID).
		Updates(map[string]interface{}{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_at":    expiresAt,
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update tokens: %w", result.Error)
	}
	return nil
}
