package engagement

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/vipul43/crmsync/internal/dbtest"
	"github.com/vipul43/crmsync/internal/models"
	"github.com/vipul43/crmsync/internal/writer"
)

func seedContact(t *testing.T, db *gorm.DB, externalID string) *models.Contact {
	t.Helper()
	c := &models.Contact{ID: uuid.New().String(), ExternalID: externalID, LocationID: "loc-1"}
	require.NoError(t, db.Create(c).Error)
	return c
}

func seedMessage(t *testing.T, db *gorm.DB, contactID, conversationID, direction string, minutes int) {
	t.Helper()
	body := "msg"
	require.NoError(t, db.Create(&models.Message{
		ID:             uuid.New().String(),
		ExternalID:     uuid.New().String(),
		LocationID:     "loc-1",
		ConversationID: conversationID,
		ContactID:      contactID,
		Direction:      direction,
		MessageType:    models.MessageTypeSMS,
		Body:           &body,
		DateAdded:      t0.Add(time.Duration(minutes) * time.Minute),
	}).Error)
}

func newTestAggregator(t *testing.T) (*Aggregator, *gorm.DB) {
	db := dbtest.Open(t)
	return NewAggregator(db, writer.New(db, writer.Options{})), db
}

func TestAggregator_RecomputeContact(t *testing.T) {
	agg, db := newTestAggregator(t)
	c := seedContact(t, db, "c-1")
	for i := 0; i < 3; i++ {
		seedMessage(t, db, c.ID, "conv-1", models.DirectionInbound, i)
	}
	seedMessage(t, db, c.ID, "conv-2", models.DirectionOutbound, 10)
	seedMessage(t, db, c.ID, "conv-2", models.DirectionOutbound, 11)

	summary, err := agg.RecomputeContact(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "2 SMS", summary.TouchSummary)

	var stored models.Contact
	require.NoError(t, db.First(&stored, "id = ?", c.ID).Error)
	assert.Equal(t, "2 SMS", *stored.TouchSummary)

	var engagement []TypeCount
	require.NoError(t, json.Unmarshal(stored.EngagementSummary, &engagement))
	assert.Equal(t, []TypeCount{{Type: "SMS", Count: 5}}, engagement)
	assert.True(t, stored.LastTouchDate.Equal(t0.Add(11*time.Minute)))
	assert.Equal(t, models.DirectionOutbound, *stored.LastMessageDirection)
}

func TestAggregator_RecomputeContacts(t *testing.T) {
	agg, db := newTestAggregator(t)
	quiet := seedContact(t, db, "quiet")
	busy := seedContact(t, db, "busy")
	seedMessage(t, db, busy.ID, "conv-1", models.DirectionOutbound, 0)

	res := agg.RecomputeContacts(context.Background(), []string{quiet.ID, busy.ID, "missing"})
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, 1, res.Failed)

	var stored models.Contact
	require.NoError(t, db.First(&stored, "id = ?", quiet.ID).Error)
	assert.Equal(t, NoTouches, *stored.TouchSummary)
	assert.Nil(t, stored.LastTouchDate)
}

func TestAggregator_RefreshConversations(t *testing.T) {
	agg, db := newTestAggregator(t)
	c := seedContact(t, db, "c-1")
	conv := &models.Conversation{ID: uuid.New().String(), ExternalID: "conv-1", LocationID: "loc-1", ContactID: c.ID}
	empty := &models.Conversation{ID: uuid.New().String(), ExternalID: "conv-2", LocationID: "loc-1", ContactID: c.ID}
	require.NoError(t, db.Create(conv).Error)
	require.NoError(t, db.Create(empty).Error)
	seedMessage(t, db, c.ID, conv.ID, models.DirectionInbound, 1)
	seedMessage(t, db, c.ID, conv.ID, models.DirectionOutbound, 7)

	res := agg.RefreshConversations(context.Background(), []string{conv.ID, empty.ID})
	assert.Equal(t, 2, res.Written)

	var stored models.Conversation
	require.NoError(t, db.First(&stored, "id = ?", conv.ID).Error)
	require.NotNil(t, stored.LastMessageDate)
	assert.True(t, stored.LastMessageDate.Equal(t0.Add(7*time.Minute)))
	assert.Equal(t, models.DirectionOutbound, *stored.LastMessageDirection)
	assert.NotNil(t, stored.MessagesSyncedAt)

	var emptyStored models.Conversation
	require.NoError(t, db.First(&emptyStored, "id = ?", empty.ID).Error)
	assert.Nil(t, emptyStored.LastMessageDate)
}
