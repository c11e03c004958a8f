package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/vipul43/crmsync/internal/crm"
	"github.com/vipul43/crmsync/internal/models"
	"github.com/vipul43/crmsync/internal/repository"
	"github.com/vipul43/crmsync/internal/syncerr"
	"github.com/vipul43/crmsync/internal/upsert"
)

// WebhookPayload is the envelope of every event the CRM delivers.
type WebhookPayload struct {
	Type       string          `json:"type"`
	LocationID string          `json:"locationId"`
	CompanyID  string          `json:"companyId"`
	UserID     string          `json:"userId"`
	Timestamp  *time.Time      `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// SyncTrigger starts background syncs; satisfied by SyncOrchestrator.
type SyncTrigger interface {
	TriggerSync(ctx context.Context, locationID string, opts SyncOptions) (*SyncTicket, error)
}

// WebhookProcessor applies install, uninstall and update events to location
// records. Every event is logged before it is processed and the log row
// carries the outcome.
type WebhookProcessor struct {
	events        *repository.WebhookEventRepository
	locations     *repository.LocationRepository
	engine        *upsert.Engine
	syncer        SyncTrigger
	syncOnInstall bool
}

// NewWebhookProcessor creates a processor. syncer may be nil, in which case
// INSTALL never schedules an initial sync.
func NewWebhookProcessor(db *gorm.DB, engine *upsert.Engine, syncer SyncTrigger, syncOnInstall bool) *WebhookProcessor {
	return &WebhookProcessor{
		events:        repository.NewWebhookEventRepository(db),
		locations:     repository.NewLocationRepository(db),
		engine:        engine,
		syncer:        syncer,
		syncOnInstall: syncOnInstall && syncer != nil,
	}
}

// Receive logs the raw body as a pending event and processes it. Processing
// failures are recorded on the event and returned, but the event row exists
// either way. The returned event is nil only if logging itself failed.
func (p *WebhookProcessor) Receive(ctx context.Context, body []byte) (*models.WebhookEvent, error) {
	event := &models.WebhookEvent{Payload: datatypes.JSON(body)}

	var payload WebhookPayload
	decodeErr := json.Unmarshal(body, &payload)
	if decodeErr == nil {
		event.EventType = payload.Type
		event.LocationID = payload.LocationID
		event.CompanyID = payload.CompanyID
		event.UserID = payload.UserID
		event.EventTimestamp = payload.Timestamp
	} else {
		// Keep the audit row valid JSON
		raw, _ := json.Marshal(string(body))
		event.Payload = datatypes.JSON(raw)
	}

	if err := p.events.Create(ctx, event); err != nil {
		return nil, err
	}

	logger := log.With().Str("event_id", event.ID).Str("event_type", event.EventType).Str("location_id", event.LocationID).Logger()
	logger.Info().Msg("webhook received")

	if decodeErr != nil {
		err := syncerr.New(syncerr.KindData, "decode webhook", decodeErr)
		p.finish(ctx, event, err, "")
		return event, err
	}

	note, err := p.dispatch(ctx, payload)
	p.finish(ctx, event, err, note)
	return event, err
}

// Replay processes a stored event again from its payload.
func (p *WebhookProcessor) Replay(ctx context.Context, event *models.WebhookEvent) error {
	var payload WebhookPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		err = syncerr.New(syncerr.KindData, "decode webhook", err)
		p.finish(ctx, event, err, "")
		return err
	}

	note, err := p.dispatch(ctx, payload)
	p.finish(ctx, event, err, note)
	return err
}

func (p *WebhookProcessor) finish(ctx context.Context, event *models.WebhookEvent, procErr error, note string) {
	status := models.WebhookStatusSuccess
	var msg *string
	if procErr != nil {
		status = models.WebhookStatusFailed
		s := procErr.Error()
		msg = &s
		log.Error().Err(procErr).Str("event_id", event.ID).Str("event_type", event.EventType).Msg("webhook processing failed")
	} else if note != "" {
		msg = &note
	}

	if err := p.events.UpdateStatus(ctx, event.ID, status, msg); err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("failed to record webhook outcome")
		return
	}
	event.Status = status
	event.Error = msg
	event.Attempts++
}

// dispatch applies one event. The returned note is recorded on successful
// events that were not acted on.
func (p *WebhookProcessor) dispatch(ctx context.Context, payload WebhookPayload) (string, error) {
	if payload.Type == "" {
		return "", syncerr.New(syncerr.KindData, "dispatch webhook", errors.New("missing event type"))
	}

	switch payload.Type {
	case models.EventInstall:
		return "", p.handleInstall(ctx, payload)
	case models.EventUninstall:
		return "", p.handleUninstall(ctx, payload)
	case models.EventLocationUpdate:
		return "", p.handleLocationUpdate(ctx, payload)
	case models.EventContactCreate, models.EventContactUpdate:
		return "", p.handleContact(ctx, payload)
	default:
		log.Debug().Str("event_type", payload.Type).Msg("ignoring unsupported webhook")
		return fmt.Sprintf("ignored: unsupported event type %s", payload.Type), nil
	}
}

func requireLocation(op string, payload WebhookPayload) error {
	if payload.LocationID == "" {
		return syncerr.New(syncerr.KindData, op, errors.New("missing locationId"))
	}
	return nil
}

func (p *WebhookProcessor) handleInstall(ctx context.Context, payload WebhookPayload) error {
	const op = "install location"
	if err := requireLocation(op, payload); err != nil {
		return err
	}

	loc, created, err := p.locations.Ensure(ctx, payload.LocationID, payload.CompanyID)
	if err != nil {
		return syncerr.Wrap(op, err)
	}
	if err := p.locations.SetInstalled(ctx, payload.LocationID, true); err != nil {
		return syncerr.Wrap(op, err)
	}
	log.Info().Str("location_id", loc.LocationID).Bool("created", created).Msg("location installed")

	if p.syncOnInstall {
		ticket, err := p.syncer.TriggerSync(ctx, payload.LocationID, SyncOptions{
			Mode:      models.SyncModeBackground,
			CompanyID: payload.CompanyID,
		})
		if err != nil {
			// The install itself succeeded; the watcher picks the location up later
			log.Warn().Err(err).Str("location_id", payload.LocationID).Msg("failed to schedule initial sync")
			return nil
		}
		log.Info().Str("location_id", payload.LocationID).Str("run_id", ticket.RunID).Msg("initial sync scheduled")
	}
	return nil
}

func (p *WebhookProcessor) handleUninstall(ctx context.Context, payload WebhookPayload) error {
	const op = "uninstall location"
	if err := requireLocation(op, payload); err != nil {
		return err
	}

	if _, _, err := p.locations.Ensure(ctx, payload.LocationID, payload.CompanyID); err != nil {
		return syncerr.Wrap(op, err)
	}
	if err := p.locations.SetInstalled(ctx, payload.LocationID, false); err != nil {
		return syncerr.Wrap(op, err)
	}
	log.Info().Str("location_id", payload.LocationID).Msg("location uninstalled")
	return nil
}

func (p *WebhookProcessor) handleLocationUpdate(ctx context.Context, payload WebhookPayload) error {
	const op = "update location"

	var profile crm.LocationProfile
	if len(payload.Data) > 0 {
		if err := json.Unmarshal(payload.Data, &profile); err != nil {
			return syncerr.New(syncerr.KindData, op, err)
		}
	}
	if profile.ID == "" {
		profile.ID = payload.LocationID
	}
	if profile.CompanyID == "" {
		profile.CompanyID = payload.CompanyID
	}

	res, err := p.engine.UpsertLocationProfile(ctx, profile)
	if err != nil {
		return err
	}
	log.Info().Str("location_id", profile.ID).Bool("changed", res.Changed).Msg("location profile merged")
	return nil
}

func (p *WebhookProcessor) handleContact(ctx context.Context, payload WebhookPayload) error {
	const op = "upsert webhook contact"
	if err := requireLocation(op, payload); err != nil {
		return err
	}
	if len(payload.Data) == 0 {
		return syncerr.New(syncerr.KindData, op, errors.New("missing contact data"))
	}

	var contact crm.Contact
	if err := json.Unmarshal(payload.Data, &contact); err != nil {
		return syncerr.New(syncerr.KindData, op, err)
	}

	if _, _, err := p.locations.Ensure(ctx, payload.LocationID, payload.CompanyID); err != nil {
		return syncerr.Wrap(op, err)
	}

	res, err := upsert.Upsert(ctx, p.engine, op, contact, func(ctx context.Context, tx *gorm.DB, c crm.Contact) (upsert.Result, error) {
		return p.engine.UpsertContactTx(ctx, tx, payload.LocationID, c)
	})
	if err != nil {
		return err
	}
	log.Info().
		Str("location_id", payload.LocationID).
		Str("external_id", contact.ID).
		Str("outcome", string(res.Outcome)).
		Msg("webhook contact upserted")
	return nil
}
