package upsert

import (
	"reflect"
	"slices"
	"time"

	"gorm.io/datatypes"

	"github.com/vipul43/crmsync/internal/crm"
	"github.com/vipul43/crmsync/internal/models"
)

// The Merge* functions apply a remote payload onto a stored row. A nil remote
// field leaves the stored value alone; collections present in the payload
// replace the stored collection. Each reports whether anything changed.

func MergeContact(dst *models.Contact, src crm.Contact) bool {
	changed := false
	changed = setPtr(&dst.FirstName, src.FirstName) || changed
	changed = setPtr(&dst.LastName, src.LastName) || changed
	changed = setPtr(&dst.Name, src.ContactName) || changed
	changed = setPtr(&dst.Email, src.Email) || changed
	changed = setPtr(&dst.Phone, src.Phone) || changed
	changed = setPtr(&dst.CompanyName, src.CompanyName) || changed
	changed = setPtr(&dst.Source, src.Source) || changed
	changed = setPtr(&dst.Type, src.Type) || changed
	changed = setPtr(&dst.AssignedTo, src.AssignedTo) || changed
	changed = setPtr(&dst.DND, src.DND) || changed
	changed = setTime(&dst.DateAdded, src.DateAdded) || changed
	changed = setTime(&dst.DateUpdated, src.DateUpdated) || changed

	if src.Tags != nil && !slices.Equal([]string(dst.Tags), src.Tags) {
		dst.Tags = datatypes.JSONSlice[string](slices.Clone(src.Tags))
		changed = true
	}
	if src.CustomFields != nil {
		fields := customFieldMap(src.CustomFields)
		if !reflect.DeepEqual(map[string]interface{}(dst.CustomFields), map[string]interface{}(fields)) {
			dst.CustomFields = fields
			changed = true
		}
	}
	return changed
}

func MergeConversation(dst *models.Conversation, src crm.Conversation) bool {
	changed := false
	changed = setPtr(&dst.Type, src.Type) || changed
	changed = setPtr(&dst.UnreadCount, src.UnreadCount) || changed
	changed = setPtr(&dst.Starred, src.Starred) || changed
	changed = setPtr(&dst.LastMessageBody, src.LastMessageBody) || changed
	changed = setPtr(&dst.LastMessageType, src.LastMessageType) || changed
	changed = setPtr(&dst.LastMessageDirection, src.LastMessageDirection) || changed
	changed = setTime(&dst.LastMessageDate, src.LastMessageDate) || changed
	changed = setTime(&dst.DateAdded, src.DateAdded) || changed
	changed = setTime(&dst.DateUpdated, src.DateUpdated) || changed
	return changed
}

// MergeMessage only touches enrichment fields; the rest of a message is
// immutable once stored.
func MergeMessage(dst *models.Message, src crm.Message) bool {
	changed := false
	changed = setPtr(&dst.Status, src.Status) || changed
	changed = setPtr(&dst.RecordingURL, src.RecordingURL) || changed
	changed = setPtr(&dst.Transcript, src.Transcript) || changed
	if src.Meta != nil && src.Meta.Call != nil {
		changed = setPtr(&dst.CallDuration, src.Meta.Call.Duration) || changed
		changed = setPtr(&dst.CallStatus, src.Meta.Call.Status) || changed
	}
	return changed
}

func MergeTask(dst *models.Task, src crm.Task) bool {
	changed := false
	changed = setPtr(&dst.Title, src.Title) || changed
	changed = setPtr(&dst.Body, src.Body) || changed
	changed = setPtr(&dst.AssignedTo, src.AssignedTo) || changed
	changed = setTime(&dst.DueDate, src.DueDate) || changed
	if src.Completed != nil && dst.Completed != *src.Completed {
		dst.Completed = *src.Completed
		changed = true
	}
	return changed
}

func MergeOpportunity(dst *models.Opportunity, src crm.Opportunity) bool {
	changed := false
	changed = setPtr(&dst.Name, src.Name) || changed
	changed = setPtr(&dst.PipelineID, src.PipelineID) || changed
	changed = setPtr(&dst.PipelineStageID, src.PipelineStageID) || changed
	changed = setPtr(&dst.Status, src.Status) || changed
	changed = setPtr(&dst.MonetaryValue, src.MonetaryValue) || changed
	changed = setPtr(&dst.AssignedTo, src.AssignedTo) || changed
	changed = setPtr(&dst.Source, src.Source) || changed
	changed = setTime(&dst.LastStatusChangeAt, src.LastStatusChangeAt) || changed
	changed = setTime(&dst.DateAdded, src.CreatedAt) || changed
	changed = setTime(&dst.DateUpdated, src.UpdatedAt) || changed
	return changed
}

// MergeLocationProfile applies a LOCATION_UPDATE payload.
func MergeLocationProfile(dst *models.Location, src crm.LocationProfile) bool {
	changed := false
	if src.CompanyID != "" && dst.CompanyID != src.CompanyID {
		dst.CompanyID = src.CompanyID
		changed = true
	}
	changed = setPtr(&dst.Name, src.Name) || changed
	changed = setPtr(&dst.Email, src.Email) || changed
	changed = setPtr(&dst.Phone, src.Phone) || changed
	changed = setPtr(&dst.Address, src.Address) || changed
	changed = setPtr(&dst.City, src.City) || changed
	changed = setPtr(&dst.State, src.State) || changed
	changed = setPtr(&dst.Country, src.Country) || changed
	changed = setPtr(&dst.PostalCode, src.PostalCode) || changed
	changed = setPtr(&dst.Website, src.Website) || changed
	changed = setPtr(&dst.Timezone, src.Timezone) || changed
	return changed
}

func setPtr[T comparable](dst **T, src *T) bool {
	if src == nil {
		return false
	}
	if *dst != nil && **dst == *src {
		return false
	}
	v := *src
	*dst = &v
	return true
}

func setTime(dst **time.Time, src *time.Time) bool {
	if src == nil {
		return false
	}
	if *dst != nil && (*dst).Equal(*src) {
		return false
	}
	v := src.UTC()
	*dst = &v
	return true
}

func customFieldMap(fields []crm.CustomField) models.JSONB {
	out := make(models.JSONB, len(fields))
	for _, f := range fields {
		if f.ID == "" {
			continue
		}
		out[f.ID] = f.Value
	}
	return out
}
