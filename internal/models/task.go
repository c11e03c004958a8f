package models

import "time"

type Task struct {
	ID                string     `gorm:"column:id;primaryKey"`
	ExternalID        string     `gorm:"column:external_id;uniqueIndex:ux_task_external_location,priority:1"`
	LocationID        string     `gorm:"column:location_id;uniqueIndex:ux_task_external_location,priority:2;index"`
	ContactID         *string    `gorm:"column:contact_id;index"`
	ContactExternalID *string    `gorm:"column:contact_external_id"`
	Title             *string    `gorm:"column:title"`
	Body              *string    `gorm:"column:body"`
	AssignedTo        *string    `gorm:"column:assigned_to"`
	DueDate           *time.Time `gorm:"column:due_date"`
	Completed         bool       `gorm:"column:completed"`
	CreatedAt         time.Time  `gorm:"column:created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Task) TableName() string {
	return "task"
}
