package crm

import (
	"encoding/json"
	"time"
)

// Entity names a searchable remote collection.
type Entity string

const (
	EntityContacts      Entity = "contacts"
	EntityTasks         Entity = "tasks"
	EntityConversations Entity = "conversations"
	EntityOpportunities Entity = "opportunities"
	EntityMessages      Entity = "messages"
)

// Sort is one ordering clause of a search.
type Sort struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

// Filter is one equality/range clause of a search.
type Filter struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// SearchQuery is the body accepted by every /{entity}/search and /{entity}/count endpoint.
type SearchQuery struct {
	LocationID string   `json:"locationId"`
	Page       int      `json:"page"`
	PageLimit  int      `json:"pageLimit"`
	Sort       []Sort   `json:"sort,omitempty"`
	Filters    []Filter `json:"filters,omitempty"`
}

// SearchResult keeps records undecoded so one malformed record cannot fail a page.
type SearchResult struct {
	Records []json.RawMessage `json:"records"`
	Total   int               `json:"total"`
}

// LocationToken is a short-lived tenant-scoped credential. Callers re-derive it
// per run instead of caching it.
type LocationToken struct {
	AccessToken string
	LocationID  string
	ExpiresAt   time.Time
}

// TokenRefreshResult is the outcome of refreshing an agency token.
type TokenRefreshResult struct {
	AccessToken  string
	RefreshToken string // May be same or new
	ExpiresAt    time.Time
	Scope        string
	UserType     string
}

// CustomField is a single custom field value on a contact.
type CustomField struct {
	ID    string      `json:"id"`
	Value interface{} `json:"value"`
}

// Contact is a remote contact. Nil pointers mean "absent from payload".
type Contact struct {
	ID           string        `json:"id"`
	LocationID   string        `json:"locationId"`
	FirstName    *string       `json:"firstName"`
	LastName     *string       `json:"lastName"`
	ContactName  *string       `json:"contactName"`
	Email        *string       `json:"email"`
	Phone        *string       `json:"phone"`
	CompanyName  *string       `json:"companyName"`
	Source       *string       `json:"source"`
	Type         *string       `json:"type"`
	AssignedTo   *string       `json:"assignedTo"`
	DND          *bool         `json:"dnd"`
	Tags         []string      `json:"tags"`
	CustomFields []CustomField `json:"customFields"`
	DateAdded    *time.Time    `json:"dateAdded"`
	DateUpdated  *time.Time    `json:"dateUpdated"`
}

type Conversation struct {
	ID                   string     `json:"id"`
	LocationID           string     `json:"locationId"`
	ContactID            string     `json:"contactId"`
	Type                 *string    `json:"type"`
	UnreadCount          *int       `json:"unreadCount"`
	Starred              *bool      `json:"starred"`
	LastMessageBody      *string    `json:"lastMessageBody"`
	LastMessageType      *string    `json:"lastMessageType"`
	LastMessageDirection *string    `json:"lastMessageDirection"`
	LastMessageDate      *time.Time `json:"lastMessageDate"`
	DateAdded            *time.Time `json:"dateAdded"`
	DateUpdated          *time.Time `json:"dateUpdated"`
}

// CallMeta carries call details attached to TYPE_CALL messages.
type CallMeta struct {
	Duration *int    `json:"duration"`
	Status   *string `json:"status"`
}

type MessageMeta struct {
	Call *CallMeta `json:"call"`
}

type Message struct {
	ID             string       `json:"id"`
	LocationID     string       `json:"locationId"`
	ConversationID string       `json:"conversationId"`
	ContactID      string       `json:"contactId"`
	Direction      *string      `json:"direction"`
	MessageType    *string      `json:"messageType"`
	ContentType    *string      `json:"contentType"`
	Body           *string      `json:"body"`
	Status         *string      `json:"status"`
	UserID         *string      `json:"userId"`
	Attachments    []string     `json:"attachments"`
	DateAdded      *time.Time   `json:"dateAdded"`
	RecordingURL   *string      `json:"recordingUrl"`
	Transcript     *string      `json:"transcript"`
	Meta           *MessageMeta `json:"meta"`
}

type Task struct {
	ID         string     `json:"id"`
	LocationID string     `json:"locationId"`
	ContactID  *string    `json:"contactId"`
	Title      *string    `json:"title"`
	Body       *string    `json:"body"`
	AssignedTo *string    `json:"assignedTo"`
	DueDate    *time.Time `json:"dueDate"`
	Completed  *bool      `json:"completed"`
}

type Opportunity struct {
	ID                 string     `json:"id"`
	LocationID         string     `json:"locationId"`
	ContactID          *string    `json:"contactId"`
	Name               *string    `json:"name"`
	PipelineID         *string    `json:"pipelineId"`
	PipelineStageID    *string    `json:"pipelineStageId"`
	Status             *string    `json:"status"`
	MonetaryValue      *float64   `json:"monetaryValue"`
	AssignedTo         *string    `json:"assignedTo"`
	Source             *string    `json:"source"`
	LastStatusChangeAt *time.Time `json:"lastStatusChangeAt"`
	CreatedAt          *time.Time `json:"createdAt"`
	UpdatedAt          *time.Time `json:"updatedAt"`
}

// LocationProfile is the profile subset carried by LOCATION_UPDATE webhooks.
type LocationProfile struct {
	ID         string  `json:"id"`
	CompanyID  string  `json:"companyId"`
	Name       *string `json:"name"`
	Email      *string `json:"email"`
	Phone      *string `json:"phone"`
	Address    *string `json:"address"`
	City       *string `json:"city"`
	State      *string `json:"state"`
	Country    *string `json:"country"`
	PostalCode *string `json:"postalCode"`
	Website    *string `json:"website"`
	Timezone   *string `json:"timezone"`
}
