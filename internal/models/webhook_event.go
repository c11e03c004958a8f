package models

import (
	"time"

	"gorm.io/datatypes"
)

type WebhookStatus string

const (
	WebhookStatusPending WebhookStatus = "pending"
	WebhookStatusSuccess WebhookStatus = "success"
	WebhookStatusFailed  WebhookStatus = "failed"
)

// Webhook event types handled by the webhook processor
const (
	EventInstall        = "INSTALL"
	EventUninstall      = "UNINSTALL"
	EventLocationUpdate = "LOCATION_UPDATE"
	EventContactCreate  = "CONTACT_CREATE"
	EventContactUpdate  = "CONTACT_UPDATE"
)

// WebhookEvent is the append-only audit log of received events. Only the
// status columns change after insert.
type WebhookEvent struct {
	ID             string         `gorm:"column:id;primaryKey"`
	EventType      string         `gorm:"column:event_type;index"`
	LocationID     string         `gorm:"column:location_id;index"`
	CompanyID      string         `gorm:"column:company_id"`
	UserID         string         `gorm:"column:user_id"`
	EventTimestamp *time.Time     `gorm:"column:event_timestamp"`
	Payload        datatypes.JSON `gorm:"column:payload"`
	Status         WebhookStatus  `gorm:"column:status;index"`
	Attempts       int            `gorm:"column:attempts"`
	Error          *string        `gorm:"column:error"`
	ProcessedAt    *time.Time     `gorm:"column:processed_at"`
	CreatedAt      time.Time      `gorm:"column:created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (WebhookEvent) TableName() string {
	return "webhook_event"
}
