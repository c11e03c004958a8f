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

var ErrLocationNotFound = syncerr.ErrLocationNotFound

type LocationRepository struct {
	db *gorm.DB
}

func NewLocationRepository(db *gorm.DB) *LocationRepository {
	return &LocationRepository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *LocationRepository) WithTx(tx *gorm.DB) *LocationRepository {
	return &LocationRepository{db: tx}
}

// GetByLocationID retrieves a location by its remote id
func (r *LocationRepository) GetByLocationID(ctx context.Context, locationID string) (*models.Location, error) {
	var loc models.Location
	result := r.db.WithContext(ctx).First(&loc, "location_id = ?", locationID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrLocationNotFound
		}
		return nil, fmt.Errorf("failed to get location: %w", result.Error)
	}
	return &loc, nil
}

// Ensure returns the location row, creating it when absent. A concurrent
// creator is tolerated: the insert is a no-op and the winner's row is read back.
func (r *LocationRepository) Ensure(ctx context.Context, locationID, companyID string) (*models.Location, bool, error) {
	loc := &models.Location{
		ID:         uuid.New().String(),
		LocationID: locationID,
		CompanyID:  companyID,
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "location_id"}}, DoNothing: true}).
		Create(loc)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to ensure location: %w", result.Error)
	}
	created := result.RowsAffected > 0

	stored, err := r.GetByLocationID(ctx, locationID)
	if err != nil {
		return nil, false, err
	}

	// Backfill the company once it becomes known
	if stored.CompanyID == "" && companyID != "" {
		if err := r.db.WithContext(ctx).Model(&models.Location{}).
			Where("id = ?", stored.ID).
			Update("company_id", companyID).Error; err != nil {
			return nil, false, fmt.Errorf("failed to set company: %w", err)
		}
		stored.CompanyID = companyID
	}
	return stored, created, nil
}

// SetInstalled toggles the install flag. Rows are never deleted.
func (r *LocationRepository) SetInstalled(ctx context.Context, locationID string, installed bool) error {
	now := time.Now()
	updates := map[string]interface{}{
		"installed":  installed,
		"updated_at": now,
	}
	if installed {
		updates["installed_at"] = now
	} else {
		updates["uninstalled_at"] = now
	}

	result := r.db.WithContext(ctx).Model(&models.Location{}).
		Where("location_id = ?", locationID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update install flag: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrLocationNotFound
	}
	return nil
}

var locationProfileColumns = []string{
	"company_id", "name", "email", "phone", "address", "city",
	"state", "country", "postal_code", "website", "timezone", "updated_at",
}

// SaveProfile writes only the profile columns of loc. Install state and
// sync counters are owned by SetInstalled and UpdateCounters.
func (r *LocationRepository) SaveProfile(ctx context.Context, loc *models.Location) error {
	loc.UpdatedAt = time.Now()
	result := r.db.WithContext(ctx).
		Model(loc).
		Select(locationProfileColumns).
		Updates(loc)
	if result.Error != nil {
		return fmt.Errorf("failed to save location profile: %w", result.Error)
	}
	return nil
}

// UpdateCounters stores the remote totals seen by a completed run
func (r *LocationRepository) UpdateCounters(ctx context.Context, locationID string, contactCount, opportunityCount int, syncedAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Location{}).
		Where("location_id = ?", locationID).
		Updates(map[string]interface{}{
			"contact_count":     contactCount,
			"opportunity_count": opportunityCount,
			"last_synced_at":    syncedAt,
			"updated_at":        time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update counters: %w", result.Error)
	}
	return nil
}

// ListDueForSync returns installed locations never synced or last synced before cutoff
func (r *LocationRepository) ListDueForSync(ctx context.Context, cutoff time.Time, limit int) ([]models.Location, error) {
	var locs []models.Location
	result := r.db.WithContext(ctx).
		Where("installed = ?", true).
		Where("last_synced_at IS NULL OR last_synced_at < ?", cutoff).
		Order("last_synced_at ASC").
		Limit(limit).
		Find(&locs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query locations due for sync: %w", result.Error)
	}
	return locs, nil
}
