package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/vipul43/crmsync/internal/dbtest"
	"github.com/vipul43/crmsync/internal/models"
	"github.com/vipul43/crmsync/internal/repository"
	"github.com/vipul43/crmsync/internal/upsert"
	"github.com/vipul43/crmsync/internal/writer"
)

type mockSyncTrigger struct {
	mu          sync.Mutex
	calls       []string
	triggerFunc func(ctx context.Context, locationID string, opts SyncOptions) (*SyncTicket, error)
}

func (m *mockSyncTrigger) TriggerSync(ctx context.Context, locationID string, opts SyncOptions) (*SyncTicket, error) {
	m.mu.Lock()
	m.calls = append(m.calls, locationID)
	m.mu.Unlock()
	if m.triggerFunc != nil {
		return m.triggerFunc(ctx, locationID, opts)
	}
	return &SyncTicket{RunID: "run-1", LocationID: locationID, Mode: opts.Mode, State: models.SyncStateInProgress}, nil
}

func newTestProcessor(t *testing.T, syncer SyncTrigger) (*WebhookProcessor, *gorm.DB) {
	t.Helper()
	db := dbtest.Open(t)
	w := writer.New(db, writer.Options{})
	return NewWebhookProcessor(db, upsert.NewEngine(db, w), syncer, syncer != nil), db
}

func getLocation(t *testing.T, db *gorm.DB, locationID string) *models.Location {
	t.Helper()
	loc, err := repository.NewLocationRepository(db).GetByLocationID(context.Background(), locationID)
	require.NoError(t, err)
	return loc
}

func TestWebhook_InstallTwice(t *testing.T) {
	p, db := newTestProcessor(t, nil)
	ctx := context.Background()
	body := []byte(`{"type":"INSTALL","locationId":"loc-1","companyId":"company-1","userId":"u-1","timestamp":"2025-03-01T09:00:00Z"}`)

	for i := 0; i < 2; i++ {
		event, err := p.Receive(ctx, body)
		require.NoError(t, err)
		assert.Equal(t, models.WebhookStatusSuccess, event.Status)
	}

	var n int64
	require.NoError(t, db.Model(&models.Location{}).Where("location_id = ?", "loc-1").Count(&n).Error)
	assert.Equal(t, int64(1), n)

	loc := getLocation(t, db, "loc-1")
	assert.True(t, loc.Installed)
	assert.Equal(t, "company-1", loc.CompanyID)
	assert.NotNil(t, loc.InstalledAt)

	var events []models.WebhookEvent
	require.NoError(t, db.Find(&events).Error)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, models.WebhookStatusSuccess, e.Status)
		assert.Equal(t, 1, e.Attempts)
		assert.NotNil(t, e.ProcessedAt)
		assert.NotNil(t, e.EventTimestamp)
	}
}

func TestWebhook_UninstallKeepsRow(t *testing.T) {
	p, db := newTestProcessor(t, nil)
	ctx := context.Background()

	_, err := p.Receive(ctx, []byte(`{"type":"INSTALL","locationId":"loc-1","companyId":"company-1"}`))
	require.NoError(t, err)
	_, err = p.Receive(ctx, []byte(`{"type":"UNINSTALL","locationId":"loc-1","companyId":"company-1"}`))
	require.NoError(t, err)

	loc := getLocation(t, db, "loc-1")
	assert.False(t, loc.Installed)
	assert.NotNil(t, loc.UninstalledAt)

	// Reinstall flips the same row back
	_, err = p.Receive(ctx, []byte(`{"type":"INSTALL","locationId":"loc-1","companyId":"company-1"}`))
	require.NoError(t, err)
	assert.True(t, getLocation(t, db, "loc-1").Installed)
}

func TestWebhook_LocationUpdateMergesProfile(t *testing.T) {
	p, db := newTestProcessor(t, nil)
	ctx := context.Background()

	_, err := p.Receive(ctx, []byte(`{"type":"LOCATION_UPDATE","locationId":"loc-1","companyId":"company-1","data":{"name":"Acme","email":"hi@acme.test"}}`))
	require.NoError(t, err)
	_, err = p.Receive(ctx, []byte(`{"type":"LOCATION_UPDATE","locationId":"loc-1","data":{"phone":"+15550100"}}`))
	require.NoError(t, err)

	loc := getLocation(t, db, "loc-1")
	require.NotNil(t, loc.Name)
	assert.Equal(t, "Acme", *loc.Name)
	require.NotNil(t, loc.Email)
	assert.Equal(t, "hi@acme.test", *loc.Email)
	require.NotNil(t, loc.Phone)
	assert.Equal(t, "+15550100", *loc.Phone)
	assert.Equal(t, "company-1", loc.CompanyID)
}

func TestWebhook_ContactUpsert(t *testing.T) {
	p, db := newTestProcessor(t, nil)
	ctx := context.Background()

	_, err := p.Receive(ctx, []byte(`{"type":"CONTACT_CREATE","locationId":"loc-1","data":{"id":"c1","firstName":"Ada","email":"ada@example.com"}}`))
	require.NoError(t, err)
	_, err = p.Receive(ctx, []byte(`{"type":"CONTACT_UPDATE","locationId":"loc-1","data":{"id":"c1","lastName":"Lovelace"}}`))
	require.NoError(t, err)

	c, err := repository.NewContactRepository(db).FindByExternalID(ctx, "c1", "loc-1")
	require.NoError(t, err)
	require.NotNil(t, c.Email)
	assert.Equal(t, "ada@example.com", *c.Email)
	require.NotNil(t, c.LastName)
	assert.Equal(t, "Lovelace", *c.LastName)

	var n int64
	require.NoError(t, db.Model(&models.Contact{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestWebhook_FailuresAreRecorded(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		eventType string
	}{
		{"invalid json", `{not json`, ""},
		{"missing type", `{"locationId":"loc-1"}`, ""},
		{"install without location", `{"type":"INSTALL"}`, models.EventInstall},
		{"contact without data", `{"type":"CONTACT_CREATE","locationId":"loc-1"}`, models.EventContactCreate},
		{"contact without id", `{"type":"CONTACT_UPDATE","locationId":"loc-1","data":{"firstName":"x"}}`, models.EventContactUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, db := newTestProcessor(t, nil)

			event, err := p.Receive(context.Background(), []byte(tt.body))
			require.Error(t, err)
			require.NotNil(t, event)

			stored, err := repository.NewWebhookEventRepository(db).GetByID(context.Background(), event.ID)
			require.NoError(t, err)
			assert.Equal(t, models.WebhookStatusFailed, stored.Status)
			assert.Equal(t, tt.eventType, stored.EventType)
			assert.Equal(t, 1, stored.Attempts)
			require.NotNil(t, stored.Error)
			assert.NotEmpty(t, stored.Payload)
		})
	}
}

func TestWebhook_UnknownTypeIgnored(t *testing.T) {
	p, db := newTestProcessor(t, nil)

	event, err := p.Receive(context.Background(), []byte(`{"type":"NOTE_CREATE","locationId":"loc-1"}`))
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusSuccess, event.Status)
	require.NotNil(t, event.Error)
	assert.Contains(t, *event.Error, "ignored")

	var n int64
	require.NoError(t, db.Model(&models.Location{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestWebhook_InstallSchedulesInitialSync(t *testing.T) {
	syncer := &mockSyncTrigger{}
	p, _ := newTestProcessor(t, syncer)

	_, err := p.Receive(context.Background(), []byte(`{"type":"INSTALL","locationId":"loc-1","companyId":"company-1"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"loc-1"}, syncer.calls)

	// Scheduling failures do not fail the install
	syncer.triggerFunc = func(ctx context.Context, locationID string, opts SyncOptions) (*SyncTicket, error) {
		return nil, errors.New("pool closed")
	}
	event, err := p.Receive(context.Background(), []byte(`{"type":"INSTALL","locationId":"loc-2","companyId":"company-1"}`))
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusSuccess, event.Status)
}

func TestWebhook_Replay(t *testing.T) {
	p, db := newTestProcessor(t, nil)
	ctx := context.Background()
	events := repository.NewWebhookEventRepository(db)

	// Logged as failed by an earlier attempt
	failed := &models.WebhookEvent{
		EventType:  models.EventInstall,
		LocationID: "loc-1",
		Payload:    []byte(`{"type":"INSTALL","locationId":"loc-1","companyId":"company-1"}`),
		Status:     models.WebhookStatusFailed,
		Attempts:   1,
	}
	require.NoError(t, events.Create(ctx, failed))

	require.NoError(t, p.Replay(ctx, failed))

	stored, err := events.GetByID(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusSuccess, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
	assert.Nil(t, stored.Error)
	assert.True(t, getLocation(t, db, "loc-1").Installed)
}
