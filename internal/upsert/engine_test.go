package upsert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/vipul43/crmsync/internal/crm"
	"github.com/vipul43/crmsync/internal/dbtest"
	"github.com/vipul43/crmsync/internal/models"
	"github.com/vipul43/crmsync/internal/syncerr"
	"github.com/vipul43/crmsync/internal/writer"
)

func newTestEngine(t *testing.T) (*Engine, *gorm.DB) {
	db := dbtest.Open(t)
	w := writer.New(db, writer.Options{
		Sleep: func(ctx context.Context, d time.Duration) error { return nil },
	})
	return NewEngine(db, w), db
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

func TestUpsertContact_Idempotent(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()
	rec := crm.Contact{ID: "c-1", LocationID: "loc-1", Email: strPtr("a@x.com"), FirstName: strPtr("Ann")}

	first, err := Upsert(ctx, e, "test", rec, func(ctx context.Context, tx *gorm.DB, c crm.Contact) (Result, error) {
		return e.UpsertContactTx(ctx, tx, "loc-1", c)
	})
	require.NoError(t, err)
	assert.Equal(t, Created, first.Outcome)
	assert.True(t, first.Changed)

	second, err := Upsert(ctx, e, "test", rec, func(ctx context.Context, tx *gorm.DB, c crm.Contact) (Result, error) {
		return e.UpsertContactTx(ctx, tx, "loc-1", c)
	})
	require.NoError(t, err)
	assert.Equal(t, Updated, second.Outcome)
	assert.False(t, second.Changed)
	assert.Equal(t, first.ID, second.ID)

	assert.Equal(t, int64(1), countRows(t, db, &models.Contact{}))
}

func TestUpsertContact_KeepsEmailWhenPayloadOmitsIt(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	_, err := e.UpsertContacts(ctx, "loc-1", []crm.Contact{{ID: "c-1", Email: strPtr("a@x.com")}})
	require.NoError(t, err)

	batch, err := e.UpsertContacts(ctx, "loc-1", []crm.Contact{{ID: "c-1", Phone: strPtr("+15550100")}})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Updated)

	var stored models.Contact
	require.NoError(t, db.First(&stored, "external_id = ?", "c-1").Error)
	require.NotNil(t, stored.Email)
	assert.Equal(t, "a@x.com", *stored.Email)
	assert.Equal(t, "+15550100", *stored.Phone)
}

func TestUpsertContact_PreservesAIAnnotations(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	_, err := e.UpsertContacts(ctx, "loc-1", []crm.Contact{{ID: "c-1"}})
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.Contact{}).Where("external_id = ?", "c-1").
		Updates(map[string]interface{}{"ai_summary": "warm", "ai_sales_grade": "A"}).Error)

	_, err = e.UpsertContacts(ctx, "loc-1", []crm.Contact{{ID: "c-1", Email: strPtr("b@x.com")}})
	require.NoError(t, err)

	var stored models.Contact
	require.NoError(t, db.First(&stored, "external_id = ?", "c-1").Error)
	assert.Equal(t, "warm", *stored.AISummary)
	assert.Equal(t, "A", *stored.AISalesGrade)
	assert.Equal(t, "b@x.com", *stored.Email)
}

func TestUpsertBatch_SkipsBadRecords(t *testing.T) {
	e, db := newTestEngine(t)

	batch, err := e.UpsertContacts(context.Background(), "loc-1", []crm.Contact{
		{ID: "c-1"},
		{ID: ""},
		{ID: "c-2"},
	})

	require.NoError(t, err)
	assert.Equal(t, 2, batch.Created)
	assert.Equal(t, 1, batch.Failed)
	assert.Equal(t, 2, batch.Fresh())
	assert.Equal(t, int64(2), countRows(t, db, &models.Contact{}))
}

func TestUpsertBatch_AbortsOnFatal(t *testing.T) {
	e, _ := newTestEngine(t)
	fatal := errors.New("schema missing")

	calls := 0
	batch, err := UpsertBatch(context.Background(), e, crm.EntityContacts, []string{"a", "b"},
		func(s string) string { return s },
		func(ctx context.Context, tx *gorm.DB, s string) (Result, error) {
			calls++
			return Result{}, fatal
		})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, batch.Created)
}

func TestUpsertContact_ConcurrentWritersConverge(t *testing.T) {
	e, db := newTestEngine(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.UpsertContacts(context.Background(), "loc-1", []crm.Contact{{ID: "c-1", Email: strPtr("a@x.com")}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), countRows(t, db, &models.Contact{}))
}

func TestUpsertConversationAndMessages(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := e.UpsertContacts(ctx, "loc-1", []crm.Contact{{ID: "c-1"}})
	require.NoError(t, err)

	convs, err := e.UpsertConversations(ctx, "loc-1", []crm.Conversation{
		{ID: "conv-1", ContactID: "c-1", UnreadCount: intPtr(2)},
		{ID: "conv-2", ContactID: "unknown"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, convs.Created)
	assert.Equal(t, 1, convs.Failed, "conversation for an unknown contact is a data error")

	msgs, err := e.UpsertMessages(ctx, "loc-1", []crm.Message{
		{ID: "m-1", ConversationID: "conv-1", Direction: strPtr("outbound"), MessageType: strPtr(models.MessageTypeCall), Body: strPtr("hello"), DateAdded: &at},
		{ID: "m-2", ConversationID: "missing", DateAdded: &at},
		{ID: "m-3", ConversationID: "conv-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, msgs.Created)
	assert.Equal(t, 2, msgs.Failed)

	var stored models.Message
	require.NoError(t, db.First(&stored, "external_id = ?", "m-1").Error)
	var contact models.Contact
	require.NoError(t, db.First(&contact, "external_id = ?", "c-1").Error)
	assert.Equal(t, contact.ID, stored.ContactID)
	assert.Equal(t, models.DirectionOutbound, stored.Direction)

	// Re-delivery with an edited body and a recording only enriches
	msgs, err = e.UpsertMessages(ctx, "loc-1", []crm.Message{
		{ID: "m-1", ConversationID: "conv-1", Body: strPtr("edited"), RecordingURL: strPtr("https://rec/1"), DateAdded: &at},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, msgs.Updated)

	require.NoError(t, db.First(&stored, "external_id = ?", "m-1").Error)
	assert.Equal(t, "hello", *stored.Body)
	assert.Equal(t, "https://rec/1", *stored.RecordingURL)
}

func TestUpsertTask_LinksContactWhenKnown(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	_, err := e.UpsertTasks(ctx, "loc-1", []crm.Task{{ID: "t-1", ContactID: strPtr("c-1"), Title: strPtr("Follow up")}})
	require.NoError(t, err)

	var task models.Task
	require.NoError(t, db.First(&task, "external_id = ?", "t-1").Error)
	assert.Nil(t, task.ContactID)
	assert.Equal(t, "c-1", *task.ContactExternalID)

	_, err = e.UpsertContacts(ctx, "loc-1", []crm.Contact{{ID: "c-1"}})
	require.NoError(t, err)

	batch, err := e.UpsertTasks(ctx, "loc-1", []crm.Task{{ID: "t-1", ContactID: strPtr("c-1")}})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Updated)

	require.NoError(t, db.First(&task, "external_id = ?", "t-1").Error)
	require.NotNil(t, task.ContactID)
	assert.Equal(t, "Follow up", *task.Title)
}

func TestUpsertOpportunities(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()
	value := 250.0

	batch, err := e.UpsertOpportunities(ctx, "loc-1", []crm.Opportunity{
		{ID: "o-1", Name: strPtr("Deal"), Status: strPtr("open"), MonetaryValue: &value},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Created)

	_, err = e.UpsertOpportunities(ctx, "loc-1", []crm.Opportunity{{ID: "o-1", Status: strPtr("won")}})
	require.NoError(t, err)

	var opp models.Opportunity
	require.NoError(t, db.First(&opp, "external_id = ?", "o-1").Error)
	assert.Equal(t, "won", *opp.Status)
	assert.Equal(t, 250.0, *opp.MonetaryValue)
}

func TestUpsertLocationProfile(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	res, err := e.UpsertLocationProfile(ctx, crm.LocationProfile{ID: "loc-1", CompanyID: "company-1", Name: strPtr("Shop")})
	require.NoError(t, err)
	assert.Equal(t, Created, res.Outcome)

	res, err = e.UpsertLocationProfile(ctx, crm.LocationProfile{ID: "loc-1", Phone: strPtr("+1555")})
	require.NoError(t, err)
	assert.Equal(t, Updated, res.Outcome)
	assert.True(t, res.Changed)

	var loc models.Location
	require.NoError(t, db.First(&loc, "location_id = ?", "loc-1").Error)
	assert.Equal(t, "Shop", *loc.Name)
	assert.Equal(t, "+1555", *loc.Phone)
	assert.Equal(t, int64(1), countRows(t, db, &models.Location{}))

	_, err = e.UpsertLocationProfile(ctx, crm.LocationProfile{})
	assert.Equal(t, syncerr.KindData, syncerr.Classify(err))
}

type item struct {
	id    string
	value string
}

func TestApply_LostInsertRace(t *testing.T) {
	winner := &item{id: "winner", value: "old"}

	t.Run("merges into the winner's row", func(t *testing.T) {
		finds := 0
		saved := false
		res, err := apply(context.Background(), "ext-1", keyed[item]{
			find: func(ctx context.Context) (*item, error) {
				finds++
				if finds == 1 {
					return nil, nil
				}
				return winner, nil
			},
			create: func(ctx context.Context, rec *item) (bool, error) { return false, nil },
			save:   func(ctx context.Context, rec *item) error { saved = true; return nil },
			build:  func(ctx context.Context) (*item, error) { return &item{id: "loser"}, nil },
			merge:  func(rec *item) bool { rec.value = "new"; return true },
			id:     func(rec *item) string { return rec.id },
		})

		require.NoError(t, err)
		assert.Equal(t, Updated, res.Outcome)
		assert.Equal(t, "winner", res.ID)
		assert.True(t, saved)
	})

	t.Run("asks for a retry when the winner is invisible", func(t *testing.T) {
		_, err := apply(context.Background(), "ext-1", keyed[item]{
			find:   func(ctx context.Context) (*item, error) { return nil, nil },
			create: func(ctx context.Context, rec *item) (bool, error) { return false, nil },
			build:  func(ctx context.Context) (*item, error) { return &item{}, nil },
		})

		assert.ErrorIs(t, err, syncerr.ErrConcurrentInsert)
		assert.True(t, syncerr.IsRetryable(err))
	})
}
