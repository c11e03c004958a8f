package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Columns owned by the annotation service. Sync writes never touch them.
var aiColumns = []string{"ai_status", "ai_summary", "ai_quality_grade", "ai_sales_grade"}

// findByExternalID loads the row keyed by (external_id, location_id). A missing
// row is (nil, nil).
func findByExternalID[T any](ctx context.Context, db *gorm.DB, externalID, locationID string) (*T, error) {
	var rec T
	result := db.WithContext(ctx).
		Where("external_id = ? AND location_id = ?", externalID, locationID).
		Limit(1).
		Find(&rec)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to find by external id: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &rec, nil
}

// createIfAbsent inserts rec unless a row with the same unique key exists.
// It reports whether this call created the row; false means another writer won.
func createIfAbsent[T any](ctx context.Context, db *gorm.DB, rec *T) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// saveColumns writes every column of rec except created_at and omit.
func saveColumns[T any](ctx context.Context, db *gorm.DB, rec *T, omit ...string) error {
	result := db.WithContext(ctx).
		Model(rec).
		Select("*").
		Omit(append([]string{"created_at"}, omit...)...).
		Updates(rec)
	if result.Error != nil {
		return fmt.Errorf("failed to save: %w", result.Error)
	}
	return nil
}

func countByLocation[T any](ctx context.Context, db *gorm.DB, locationID string) (int64, error) {
	var count int64
	result := db.WithContext(ctx).Model(new(T)).Where("location_id = ?", locationID).Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count: %w", result.Error)
	}
	return count, nil
}

func getByID[T any](ctx context.Context, db *gorm.DB, id string, notFound error) (*T, error) {
	var rec T
	result := db.WithContext(ctx).First(&rec, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, notFound
		}
		return nil, fmt.Errorf("failed to get by id: %w", result.Error)
	}
	return &rec, nil
}
