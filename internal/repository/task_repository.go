package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/vipul43/crmsync/internal/models"
)

type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *TaskRepository) WithTx(tx *gorm.DB) *TaskRepository {
	return &TaskRepository{db: tx}
}

func (r *TaskRepository) FindByExternalID(ctx context.Context, externalID, locationID string) (*models.Task, error) {
	return findByExternalID[models.Task](ctx, r.db, externalID, locationID)
}

func (r *TaskRepository) CreateIfAbsent(ctx context.Context, t *models.Task) (bool, error) {
	return createIfAbsent(ctx, r.db, t)
}

func (r *TaskRepository) Save(ctx context.Context, t *models.Task) error {
	return saveColumns(ctx, r.db, t)
}

func (r *TaskRepository) CountByLocation(ctx context.Context, locationID string) (int64, error) {
	return countByLocation[models.Task](ctx, r.db, locationID)
}
