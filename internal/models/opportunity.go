package models

import "time"

// Opportunity status constants
const (
	OpportunityStatusOpen      = "open"
	OpportunityStatusWon       = "won"
	OpportunityStatusLost      = "lost"
	OpportunityStatusAbandoned = "abandoned"
)

type Opportunity struct {
	ID                 string     `gorm:"column:id;primaryKey"`
	ExternalID         string     `gorm:"column:external_id;uniqueIndex:ux_opportunity_external_location,priority:1"`
	LocationID         string     `gorm:"column:location_id;uniqueIndex:ux_opportunity_external_location,priority:2;index"`
	ContactID          *string    `gorm:"column:contact_id;index"`
	ContactExternalID  *string    `gorm:"column:contact_external_id"`
	Name               *string    `gorm:"column:name"`
	PipelineID         *string    `gorm:"column:pipeline_id"`
	PipelineStageID    *string    `gorm:"column:pipeline_stage_id"`
	Status             *string    `gorm:"column:status;index"`
	MonetaryValue      *float64   `gorm:"column:monetary_value"`
	AssignedTo         *string    `gorm:"column:assigned_to"`
	Source             *string    `gorm:"column:source"`
	LastStatusChangeAt *time.Time `gorm:"column:last_status_change_at"`
	DateAdded          *time.Time `gorm:"column:date_added"`
	DateUpdated        *time.Time `gorm:"column:date_updated"`
	CreatedAt          time.Time  `gorm:"column:created_at"`
	UpdatedAt          time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Opportunity) TableName() string {
	return "opportunity"
}
