package models

import "time"

// Conversation belongs to one contact. The LastMessage* fields cache the newest
// stored message and are refreshed after every message sync.
type Conversation struct {
	ID                   string     `gorm:"column:id;primaryKey"`
	ExternalID           string     `gorm:"column:external_id;uniqueIndex:ux_conversation_external_location,priority:1"`
	LocationID           string     `gorm:"column:location_id;uniqueIndex:ux_conversation_external_location,priority:2;index"`
	ContactID            string     `gorm:"column:contact_id;index"`
	ContactExternalID    string     `gorm:"column:contact_external_id"`
	Type                 *string    `gorm:"column:type"`
	UnreadCount          *int       `gorm:"column:unread_count"`
	Starred              *bool      `gorm:"column:starred"`
	LastMessageBody      *string    `gorm:"column:last_message_body"`
	LastMessageType      *string    `gorm:"column:last_message_type"`
	LastMessageDirection *string    `gorm:"column:last_message_direction"`
	LastMessageDate      *time.Time `gorm:"column:last_message_date"`
	DateAdded            *time.Time `gorm:"column:date_added"`
	DateUpdated          *time.Time `gorm:"column:date_updated"`
	MessagesSyncedAt     *time.Time `gorm:"column:messages_synced_at"`
	CreatedAt            time.Time  `gorm:"column:created_at"`
	UpdatedAt            time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Conversation) TableName() string {
	return "conversation"
}
