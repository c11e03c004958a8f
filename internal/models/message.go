package models

import (
	"time"

	"gorm.io/datatypes"
)

// Message direction constants
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message type tags as sent by the remote system
const (
	MessageTypeSMS      = "TYPE_SMS"
	MessageTypeCall     = "TYPE_CALL"
	MessageTypeEmail    = "TYPE_EMAIL"
	MessageTypeWhatsApp = "TYPE_WHATSAPP"
	MessageTypeFacebook = "TYPE_FACEBOOK"
	MessageTypeGMB      = "TYPE_GMB"
	MessageTypeLiveChat = "TYPE_LIVE_CHAT"
)

// Message is immutable once stored, apart from the recording/transcript
// enrichment fields and the delivery status.
type Message struct {
	ID                     string                      `gorm:"column:id;primaryKey"`
	ExternalID             string                      `gorm:"column:external_id;uniqueIndex:ux_message_external_location,priority:1"`
	LocationID             string                      `gorm:"column:location_id;uniqueIndex:ux_message_external_location,priority:2"`
	ConversationID         string                      `gorm:"column:conversation_id;index"`
	ConversationExternalID string                      `gorm:"column:conversation_external_id"`
	ContactID              string                      `gorm:"column:contact_id;index"`
	Direction              string                      `gorm:"column:direction"`
	MessageType            string                      `gorm:"column:message_type"`
	ContentType            *string                     `gorm:"column:content_type"`
	Body                   *string                     `gorm:"column:body"`
	Status                 *string                     `gorm:"column:status"`
	UserID                 *string                     `gorm:"column:user_id"`
	Attachments            datatypes.JSONSlice[string] `gorm:"column:attachments"`
	DateAdded              time.Time                   `gorm:"column:date_added;index"`

	RecordingURL *string `gorm:"column:recording_url"`
	Transcript   *string `gorm:"column:transcript"`
	CallDuration *int    `gorm:"column:call_duration"`
	CallStatus   *string `gorm:"column:call_status"`

	AIStatus  *string `gorm:"column:ai_status"`
	AISummary *string `gorm:"column:ai_summary"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Message) TableName() string {
	return "message"
}

// IsOutbound reports whether the message was sent by the tenant's team.
func (m Message) IsOutbound() bool {
	return m.Direction == DirectionOutbound
}
