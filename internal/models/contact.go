package models

import (
	"time"

	"gorm.io/datatypes"
)

// Contact is a tenant-scoped CRM contact, unique on (external_id, location_id).
//
// TouchSummary, EngagementSummary, LastTouchDate and the LastMessage* fields are
// derived by the engagement aggregator. The AI* fields belong to the annotation
// service and are never written by sync.
type Contact struct {
	ID           string                      `gorm:"column:id;primaryKey"`
	ExternalID   string                      `gorm:"column:external_id;uniqueIndex:ux_contact_external_location,priority:1"`
	LocationID   string                      `gorm:"column:location_id;uniqueIndex:ux_contact_external_location,priority:2;index"`
	FirstName    *string                     `gorm:"column:first_name"`
	LastName     *string                     `gorm:"column:last_name"`
	Name         *string                     `gorm:"column:name"`
	Email        *string                     `gorm:"column:email;index"`
	Phone        *string                     `gorm:"column:phone"`
	CompanyName  *string                     `gorm:"column:company_name"`
	Source       *string                     `gorm:"column:source"`
	Type         *string                     `gorm:"column:type"`
	AssignedTo   *string                     `gorm:"column:assigned_to;index"`
	DND          *bool                       `gorm:"column:dnd"`
	Tags         datatypes.JSONSlice[string] `gorm:"column:tags"`
	CustomFields JSONB                       `gorm:"column:custom_fields;type:jsonb"`
	DateAdded    *time.Time                  `gorm:"column:date_added"`
	DateUpdated  *time.Time                  `gorm:"column:date_updated"`

	TouchSummary         *string        `gorm:"column:touch_summary"`
	EngagementSummary    datatypes.JSON `gorm:"column:engagement_summary"`
	LastTouchDate        *time.Time     `gorm:"column:last_touch_date"`
	LastMessageBody      *string        `gorm:"column:last_message_body"`
	LastMessageType      *string        `gorm:"column:last_message_type"`
	LastMessageDirection *string        `gorm:"column:last_message_direction"`
	LastMessageDate      *time.Time     `gorm:"column:last_message_date"`

	AIStatus       *string `gorm:"column:ai_status"`
	AISummary      *string `gorm:"column:ai_summary"`
	AIQualityGrade *string `gorm:"column:ai_quality_grade"`
	AISalesGrade   *string `gorm:"column:ai_sales_grade"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Contact) TableName() string {
	return "contact"
}

// DisplayName returns the best available human-readable name.
func (c Contact) DisplayName() string {
	if c.Name != nil && *c.Name != "" {
		return *c.Name
	}
	first, last := "", ""
	if c.FirstName != nil {
		first = *c.FirstName
	}
	if c.LastName != nil {
		last = *c.LastName
	}
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	case last != "":
		return last
	case c.Email != nil:
		return *c.Email
	}
	return c.ExternalID
}
