package watcher

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vipul43/crmsync/internal/config"
	"github.com/vipul43/crmsync/internal/models"
	"github.com/vipul43/crmsync/internal/repository"
	"github.com/vipul43/crmsync/internal/service"
)

const (
	batchSize      = 20
	abandonedError = "abandoned: run did not finish within the stale run timeout"
)

// WebhookReplayer processes a stored webhook event again
type WebhookReplayer interface {
	Replay(ctx context.Context, event *models.WebhookEvent) error
}

type Watcher struct {
	cfg        *config.Config
	statusRepo *repository.SyncStatusRepository
	eventRepo  *repository.WebhookEventRepository
	locRepo    *repository.LocationRepository
	webhooks   WebhookReplayer
	syncer     service.SyncTrigger
	now        func() time.Time
}

func New(
	cfg *config.Config,
	statusRepo *repository.SyncStatusRepository,
	eventRepo *repository.WebhookEventRepository,
	locRepo *repository.LocationRepository,
	webhooks WebhookReplayer,
	syncer service.SyncTrigger,
) *Watcher {
	return &Watcher{
		cfg:        cfg,
		statusRepo: statusRepo,
		eventRepo:  eventRepo,
		locRepo:    locRepo,
		webhooks:   webhooks,
		syncer:     syncer,
		now:        time.Now,
	}
}

// Start runs maintenance once and then on every poll interval until ctx is done
func (w *Watcher) Start(ctx context.Context) error {
	log.Info().Dur("poll_interval", w.cfg.PollInterval).Msg("starting watcher")

	// Clean up after a previous process before the first tick
	w.RunOnce(ctx)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("watcher shutting down")
			return ctx.Err()
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs one maintenance pass. Each step logs its own failures so
// one failing step does not starve the others.
func (w *Watcher) RunOnce(ctx context.Context) {
	if err := w.failStaleRuns(ctx); err != nil {
		log.Error().Err(err).Msg("error processing stale sync runs")
	}

	if err := w.replayFailedWebhooks(ctx); err != nil {
		log.Error().Err(err).Msg("error replaying webhook events")
	}

	if err := w.scheduleDueSyncs(ctx); err != nil {
		log.Error().Err(err).Msg("error scheduling periodic syncs")
	}
}

// failStaleRuns marks runs stuck in progress (crashed process, lost worker)
// as failed. The run id guard leaves a newer run's status alone.
func (w *Watcher) failStaleRuns(ctx context.Context) error {
	if w.cfg.StaleRunTimeout <= 0 {
		return nil
	}

	cutoff := w.now().Add(-w.cfg.StaleRunTimeout)
	stale, err := w.statusRepo.GetStaleInProgress(ctx, cutoff, batchSize)
	if err != nil {
		return err
	}

	for _, st := range stale {
		applied, err := w.statusRepo.MarkFailed(ctx, st.LocationID, st.RunID, abandonedError)
		if err != nil {
			log.Error().Err(err).Str("location_id", st.LocationID).Str("run_id", st.RunID).Msg("failed to mark run abandoned")
			continue
		}
		if applied {
			log.Warn().Str("location_id", st.LocationID).Str("run_id", st.RunID).Msg("marked stale sync run as failed")
		}
	}
	return nil
}

// replayFailedWebhooks retries failed events that still have attempts left
func (w *Watcher) replayFailedWebhooks(ctx context.Context) error {
	if w.webhooks == nil {
		return nil
	}

	events, err := w.eventRepo.GetFailed(ctx, w.cfg.MaxRetries, batchSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	log.Info().Int("count", len(events)).Msg("replaying failed webhook events")

	for i := range events {
		event := &events[i]
		if err := w.webhooks.Replay(ctx, event); err != nil {
			log.Warn().
				Err(err).
				Str("event_id", event.ID).
				Int("attempts", event.Attempts).
				Msg("webhook replay failed")
		}
	}
	return nil
}

// scheduleDueSyncs enqueues background syncs for installed locations that
// have not synced within the sync interval
func (w *Watcher) scheduleDueSyncs(ctx context.Context) error {
	if w.cfg.SyncInterval <= 0 || w.syncer == nil {
		return nil
	}

	cutoff := w.now().Add(-w.cfg.SyncInterval)
	due, err := w.locRepo.ListDueForSync(ctx, cutoff, batchSize)
	if err != nil {
		return err
	}

	for _, loc := range due {
		ticket, err := w.syncer.TriggerSync(ctx, loc.LocationID, service.SyncOptions{
			Mode:      models.SyncModeBackground,
			CompanyID: loc.CompanyID,
		})
		if err != nil {
			log.Error().Err(err).Str("location_id", loc.LocationID).Msg("failed to schedule periodic sync")
			continue
		}
		log.Debug().
			Str("location_id", loc.LocationID).
			Str("run_id", ticket.RunID).
			Bool("coalesced", ticket.Coalesced).
			Msg("periodic sync scheduled")
	}
	return nil
}
