package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vipul43/crmsync/internal/models"
)

var ErrSyncStatusNotFound = errors.New("sync status not found")

type SyncStatusRepository struct {
	db *gorm.DB
}

func NewSyncStatusRepository(db *gorm.DB) *SyncStatusRepository {
	return &SyncStatusRepository{db: db}
}

// Get retrieves the status row of a location
func (r *SyncStatusRepository) Get(ctx context.Context, locationID string) (*models.SyncStatus, error) {
	var status models.SyncStatus
	result := r.db.WithContext(ctx).First(&status, "location_id = ?", locationID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSyncStatusNotFound
		}
		return nil, fmt.Errorf("failed to get sync status: %w", result.Error)
	}
	return &status, nil
}

// MarkInProgress records the start of run runID. It is a plain upsert, not a
// lock: a concurrent run simply takes over the row.
func (r *SyncStatusRepository) MarkInProgress(ctx context.Context, locationID, runID string, mode models.SyncMode) error {
	now := time.Now()
	status := &models.SyncStatus{
		ID:         uuid.New().String(),
		LocationID: locationID,
		RunID:      runID,
		State:      models.SyncStateInProgress,
		Mode:       mode,
		Runs:       1,
		StartedAt:  &now,
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "location_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"run_id":      runID,
				"state":       models.SyncStateInProgress,
				"mode":        mode,
				"runs":        gorm.Expr("sync_status.runs + 1"),
				"started_at":  now,
				"finished_at": nil,
				"last_error":  nil,
				"updated_at":  now,
			}),
		}).
		Create(status)
	if result.Error != nil {
		return fmt.Errorf("failed to mark sync in progress: %w", result.Error)
	}
	return nil
}

// MarkCompleted finishes run runID with a result summary. It reports false
// when a newer run has taken over the row.
func (r *SyncStatusRepository) MarkCompleted(ctx context.Context, locationID, runID string, summary datatypes.JSON) (bool, error) {
	return r.finish(ctx, locationID, runID, map[string]interface{}{
		"state":      models.SyncStateCompleted,
		"result":     summary,
		"last_error": nil,
	})
}

// MarkFailed finishes run runID with the captured error
func (r *SyncStatusRepository) MarkFailed(ctx context.Context, locationID, runID string, lastError string) (bool, error) {
	return r.finish(ctx, locationID, runID, map[string]interface{}{
		"state":      models.SyncStateFailed,
		"last_error": lastError,
	})
}

func (r *SyncStatusRepository) finish(ctx context.Context, locationID, runID string, updates map[string]interface{}) (bool, error) {
	now := time.Now()
	updates["finished_at"] = now
	updates["updated_at"] = now

	result := r.db.WithContext(ctx).Model(&models.SyncStatus{}).
		Where("location_id = ? AND run_id = ?", locationID, runID).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update sync status: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// GetStaleInProgress retrieves runs stuck in progress since before cutoff
func (r *SyncStatusRepository) GetStaleInProgress(ctx context.Context, cutoff time.Time, limit int) ([]models.SyncStatus, error) {
	var statuses []models.SyncStatus
	result := r.db.WithContext(ctx).
		Where("state = ? AND started_at < ?", models.SyncStateInProgress, cutoff).
		Order("started_at ASC").
		Limit(limit).
		Find(&statuses)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query stale runs: %w", result.Error)
	}
	return statuses, nil
}
