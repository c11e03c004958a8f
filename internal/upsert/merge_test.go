package upsert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/vipul43/crmsync/internal/crm"
	"github.com/vipul43/crmsync/internal/models"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func boolPtr(b bool) *bool    { return &b }

func TestMergeContact_NonDestructive(t *testing.T) {
	stored := &models.Contact{
		Email:     strPtr("a@x.com"),
		FirstName: strPtr("Ann"),
		Tags:      datatypes.JSONSlice[string]{"vip"},
	}

	changed := MergeContact(stored, crm.Contact{ID: "c-1", FirstName: strPtr("Anna")})

	assert.True(t, changed)
	assert.Equal(t, "a@x.com", *stored.Email, "absent email must not blank the stored one")
	assert.Equal(t, "Anna", *stored.FirstName)
	assert.Equal(t, []string{"vip"}, []string(stored.Tags), "absent tags keep stored tags")
}

func TestMergeContact_ReplacesCollections(t *testing.T) {
	stored := &models.Contact{
		Tags:         datatypes.JSONSlice[string]{"a", "b"},
		CustomFields: models.JSONB{"old": "x"},
	}

	changed := MergeContact(stored, crm.Contact{
		Tags:         []string{"c"},
		CustomFields: []crm.CustomField{{ID: "f1", Value: "v1"}},
	})

	assert.True(t, changed)
	assert.Equal(t, []string{"c"}, []string(stored.Tags))
	assert.Equal(t, models.JSONB{"f1": "v1"}, stored.CustomFields)

	// An empty list in the payload clears the collection
	changed = MergeContact(stored, crm.Contact{Tags: []string{}})
	assert.True(t, changed)
	assert.Empty(t, stored.Tags)
}

func TestMergeContact_ReportsNoChange(t *testing.T) {
	added := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	stored := &models.Contact{
		Email:     strPtr("a@x.com"),
		DND:       boolPtr(false),
		DateAdded: &added,
		Tags:      datatypes.JSONSlice[string]{"vip"},
	}

	local := added.In(time.FixedZone("X", 3600))
	changed := MergeContact(stored, crm.Contact{
		Email:     strPtr("a@x.com"),
		DND:       boolPtr(false),
		DateAdded: &local,
		Tags:      []string{"vip"},
	})
	assert.False(t, changed)
}

func TestMergeContact_NeverTouchesAIFields(t *testing.T) {
	stored := &models.Contact{AISummary: strPtr("summary"), AIStatus: strPtr("done")}

	MergeContact(stored, crm.Contact{Email: strPtr("b@x.com"), ContactName: strPtr("B")})

	assert.Equal(t, "summary", *stored.AISummary)
	assert.Equal(t, "done", *stored.AIStatus)
	assert.Equal(t, "B", *stored.Name)
}

func TestMergeMessage_OnlyEnrichment(t *testing.T) {
	stored := &models.Message{
		Body:        strPtr("original"),
		Direction:   models.DirectionOutbound,
		MessageType: models.MessageTypeCall,
	}

	changed := MergeMessage(stored, crm.Message{
		Body:         strPtr("edited"),
		Direction:    strPtr(models.DirectionInbound),
		RecordingURL: strPtr("https://rec/1.mp3"),
		Meta:         &crm.MessageMeta{Call: &crm.CallMeta{Duration: intPtr(42), Status: strPtr("completed")}},
	})

	assert.True(t, changed)
	assert.Equal(t, "original", *stored.Body)
	assert.Equal(t, models.DirectionOutbound, stored.Direction)
	assert.Equal(t, "https://rec/1.mp3", *stored.RecordingURL)
	assert.Equal(t, 42, *stored.CallDuration)
	assert.Equal(t, "completed", *stored.CallStatus)

	assert.False(t, MergeMessage(stored, crm.Message{RecordingURL: strPtr("https://rec/1.mp3")}))
}

func TestMergeTask(t *testing.T) {
	stored := &models.Task{Title: strPtr("Call back")}

	assert.True(t, MergeTask(stored, crm.Task{Completed: boolPtr(true)}))
	assert.True(t, stored.Completed)
	assert.Equal(t, "Call back", *stored.Title)

	assert.False(t, MergeTask(stored, crm.Task{}))
}

func TestMergeOpportunity(t *testing.T) {
	value := 1500.0
	stored := &models.Opportunity{Name: strPtr("Deal"), Status: strPtr(models.OpportunityStatusOpen)}

	changed := MergeOpportunity(stored, crm.Opportunity{Status: strPtr(models.OpportunityStatusWon), MonetaryValue: &value})

	assert.True(t, changed)
	assert.Equal(t, models.OpportunityStatusWon, *stored.Status)
	assert.Equal(t, 1500.0, *stored.MonetaryValue)
	assert.Equal(t, "Deal", *stored.Name)
}

func TestMergeLocationProfile(t *testing.T) {
	stored := &models.Location{LocationID: "loc-1", Name: strPtr("Old"), Email: strPtr("shop@x.com")}

	changed := MergeLocationProfile(stored, crm.LocationProfile{ID: "loc-1", CompanyID: "company-1", Name: strPtr("New")})

	require.True(t, changed)
	assert.Equal(t, "New", *stored.Name)
	assert.Equal(t, "shop@x.com", *stored.Email)
	assert.Equal(t, "company-1", stored.CompanyID)

	assert.False(t, MergeLocationProfile(stored, crm.LocationProfile{ID: "loc-1"}))
}
