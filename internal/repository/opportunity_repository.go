package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/vipul43/crmsync/internal/models"
)

type OpportunityRepository struct {
	db *gorm.DB
}

func NewOpportunityRepository(db *gorm.DB) *OpportunityRepository {
	return &OpportunityRepository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *OpportunityRepository) WithTx(tx *gorm.DB) *OpportunityRepository {
	return &OpportunityRepository{db: tx}
}

func (r *OpportunityRepository) FindByExternalID(ctx context.Context, externalID, locationID string) (*models.Opportunity, error) {
	return findByExternalID[models.Opportunity](ctx, r.db, externalID, locationID)
}

func (r *OpportunityRepository) CreateIfAbsent(ctx context.Context, o *models.Opportunity) (bool, error) {
	return createIfAbsent(ctx, r.db, o)
}

func (r *OpportunityRepository) Save(ctx context.Context, o *models.Opportunity) error {
	return saveColumns(ctx, r.db, o)
}

func (r *OpportunityRepository) CountByLocation(ctx context.Context, locationID string) (int64, error) {
	return countByLocation[models.Opportunity](ctx, r.db, locationID)
}
