package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/vipul43/crmsync/internal/crm"
	"github.com/vipul43/crmsync/internal/engagement"
	"github.com/vipul43/crmsync/internal/fetcher"
	"github.com/vipul43/crmsync/internal/models"
	"github.com/vipul43/crmsync/internal/repository"
	"github.com/vipul43/crmsync/internal/syncerr"
	"github.com/vipul43/crmsync/internal/upsert"
	"github.com/vipul43/crmsync/internal/worker"
)

const DefaultRunTimeout = 30 * time.Minute

// SyncOptions controls one SyncLocation run.
type SyncOptions struct {
	Mode models.SyncMode
	// RunID is assigned when empty.
	RunID string
	// CompanyID lets a run create the location row on first sync.
	CompanyID string
	// Full ignores count targets and pages every entity until exhausted.
	Full bool
	// FullMessageSync fetches messages of every conversation, not only the
	// ones created or changed in this run.
	FullMessageSync bool
}

// EntityResult is the per-entity part of a run summary.
type EntityResult struct {
	fetcher.Stats
	RemoteTotal int `json:"remote_total"`
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	Unchanged   int `json:"unchanged"`
	Failed      int `json:"failed"`
}

func (r *EntityResult) add(b upsert.BatchResult) {
	r.Created += b.Created
	r.Updated += b.Updated
	r.Unchanged += b.Unchanged
	r.Failed += b.Failed
}

// SyncResult is the summary stored with a completed run.
type SyncResult struct {
	RunID                  string                  `json:"run_id"`
	LocationID             string                  `json:"location_id"`
	Entities               map[string]EntityResult `json:"entities"`
	ConversationsSynced    int                     `json:"conversations_synced"`
	ContactsRecomputed     int                     `json:"contacts_recomputed"`
	ConversationsRefreshed int                     `json:"conversations_refreshed"`
	StartedAt              time.Time               `json:"started_at"`
	FinishedAt             time.Time               `json:"finished_at"`
}

// SyncTicket describes a triggered run.
type SyncTicket struct {
	RunID      string           `json:"run_id"`
	LocationID string           `json:"location_id"`
	Mode       models.SyncMode  `json:"mode"`
	State      models.SyncState `json:"state"`
	Coalesced  bool             `json:"coalesced"`
	Error      string           `json:"error,omitempty"`
	Result     *SyncResult      `json:"result,omitempty"`
}

type OrchestratorConfig struct {
	PageSize   int
	MaxPages   int
	RunTimeout time.Duration
}

// SyncOrchestrator sequences token, fetch, upsert and engagement steps for
// one location and records progress in its SyncStatus row.
type SyncOrchestrator struct {
	tokens        *TokenManager
	engine        *upsert.Engine
	aggregator    *engagement.Aggregator
	pool          *worker.Pool
	locations     *repository.LocationRepository
	statuses      *repository.SyncStatusRepository
	contacts      *repository.ContactRepository
	conversations *repository.ConversationRepository
	tasks         *repository.TaskRepository
	opportunities *repository.OpportunityRepository
	cfg           OrchestratorConfig
}

func NewSyncOrchestrator(
	db *gorm.DB,
	tokens *TokenManager,
	engine *upsert.Engine,
	aggregator *engagement.Aggregator,
	pool *worker.Pool,
	cfg OrchestratorConfig,
) *SyncOrchestrator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = fetcher.DefaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = fetcher.DefaultMaxPages
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	return &SyncOrchestrator{
		tokens:        tokens,
		engine:        engine,
		aggregator:    aggregator,
		pool:          pool,
		locations:     repository.NewLocationRepository(db),
		statuses:      repository.NewSyncStatusRepository(db),
		contacts:      repository.NewContactRepository(db),
		conversations: repository.NewConversationRepository(db),
		tasks:         repository.NewTaskRepository(db),
		opportunities: repository.NewOpportunityRepository(db),
		cfg:           cfg,
	}
}

// run carries the state of one SyncLocation call.
type run struct {
	id         string
	locationID string
	src        fetcher.Source
	opts       SyncOptions
	logger     zerolog.Logger
	result     *SyncResult

	touchedContacts map[string]struct{}
	touchedConvs    map[string]struct{}
	remoteContacts  int
	remoteOpps      int
}

// SyncLocation runs the full sequence for one location and blocks until it
// finishes. Calling it while another run is in progress is allowed; keyed
// upserts make concurrent runs converge.
func (o *SyncOrchestrator) SyncLocation(ctx context.Context, locationID string, opts SyncOptions) (*SyncResult, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	if opts.Mode == "" {
		opts.Mode = models.SyncModeForeground
	}

	logger := log.With().Str("location_id", locationID).Str("run_id", opts.RunID).Str("mode", string(opts.Mode)).Logger()

	loc, err := o.resolveLocation(ctx, locationID, opts.CompanyID)
	if err != nil {
		return nil, err
	}

	// Resolve credentials before touching any state
	session, err := o.tokens.NewSession(ctx, loc.CompanyID, locationID)
	if err != nil {
		logger.Error().Err(err).Msg("no valid token for location")
		o.markStarted(ctx, logger, locationID, opts)
		o.markFailed(ctx, logger, locationID, opts.RunID, err)
		return nil, err
	}

	o.markStarted(ctx, logger, locationID, opts)
	logger.Info().Msg("sync started")

	r := &run{
		id:         opts.RunID,
		locationID: locationID,
		src:        session,
		opts:       opts,
		logger:     logger,
		result: &SyncResult{
			RunID:      opts.RunID,
			LocationID: locationID,
			Entities:   make(map[string]EntityResult),
			StartedAt:  time.Now().UTC(),
		},
		touchedContacts: make(map[string]struct{}),
		touchedConvs:    make(map[string]struct{}),
	}

	if err := o.execute(ctx, r); err != nil {
		logger.Error().Err(err).Str("kind", syncerr.Classify(err).String()).Msg("sync failed")
		o.markFailed(ctx, logger, locationID, opts.RunID, err)
		return r.result, err
	}

	r.result.FinishedAt = time.Now().UTC()
	summary, err := json.Marshal(r.result)
	if err != nil {
		return r.result, fmt.Errorf("failed to marshal sync result: %w", err)
	}
	if applied, err := o.statuses.MarkCompleted(ctx, locationID, opts.RunID, summary); err != nil {
		logger.Warn().Err(err).Msg("failed to record sync completion")
	} else if !applied {
		logger.Info().Msg("sync status taken over by a newer run")
	}

	logger.Info().
		Int("contacts_recomputed", r.result.ContactsRecomputed).
		Dur("duration", r.result.FinishedAt.Sub(r.result.StartedAt)).
		Msg("sync completed")
	return r.result, nil
}

func (o *SyncOrchestrator) resolveLocation(ctx context.Context, locationID, companyID string) (*models.Location, error) {
	loc, err := o.locations.GetByLocationID(ctx, locationID)
	if err == nil {
		if loc.CompanyID == "" && companyID != "" {
			loc, _, err = o.locations.Ensure(ctx, locationID, companyID)
			if err != nil {
				return nil, syncerr.Wrap("resolve location", err)
			}
		}
		return loc, nil
	}
	if !errors.Is(err, repository.ErrLocationNotFound) || companyID == "" {
		return nil, syncerr.Wrap("resolve location", err)
	}

	loc, _, err = o.locations.Ensure(ctx, locationID, companyID)
	if err != nil {
		return nil, syncerr.Wrap("resolve location", err)
	}
	return loc, nil
}

// markStarted is best-effort; the status row is not a lock.
func (o *SyncOrchestrator) markStarted(ctx context.Context, logger zerolog.Logger, locationID string, opts SyncOptions) {
	if err := o.statuses.MarkInProgress(ctx, locationID, opts.RunID, opts.Mode); err != nil {
		logger.Warn().Err(err).Msg("failed to mark sync in progress")
	}
}

func (o *SyncOrchestrator) markFailed(ctx context.Context, logger zerolog.Logger, locationID, runID string, cause error) {
	// The run context may be the reason we failed
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}
	if _, err := o.statuses.MarkFailed(ctx, locationID, runID, cause.Error()); err != nil {
		logger.Warn().Err(err).Msg("failed to record sync failure")
	}
}

func (o *SyncOrchestrator) execute(ctx context.Context, r *run) error {
	contacts, err := syncEntity(ctx, o, r, crm.EntityContacts, o.contacts.CountByLocation, o.engine.UpsertContacts,
		func(res upsert.Result) { r.touchedContacts[res.ID] = struct{}{} })
	if err != nil {
		return err
	}
	r.remoteContacts = contacts.RemoteTotal

	if _, err := syncEntity(ctx, o, r, crm.EntityTasks, o.tasks.CountByLocation, o.engine.UpsertTasks, nil); err != nil {
		return err
	}

	if _, err := syncEntity(ctx, o, r, crm.EntityConversations, o.conversations.CountByLocation, o.engine.UpsertConversations,
		func(res upsert.Result) { r.touchedConvs[res.ID] = struct{}{} }); err != nil {
		return err
	}

	opps, err := syncEntity(ctx, o, r, crm.EntityOpportunities, o.opportunities.CountByLocation, o.engine.UpsertOpportunities, nil)
	if err != nil {
		return err
	}
	r.remoteOpps = opps.RemoteTotal

	refresh, err := o.syncMessages(ctx, r)
	if err != nil {
		return err
	}

	contactIDs := sortedKeys(r.touchedContacts)
	recomputed := o.aggregator.RecomputeContacts(ctx, contactIDs)
	r.result.ContactsRecomputed = recomputed.Written
	refreshed := o.aggregator.RefreshConversations(ctx, refresh)
	r.result.ConversationsRefreshed = refreshed.Written
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := o.locations.UpdateCounters(ctx, r.locationID, r.remoteContacts, r.remoteOpps, time.Now().UTC()); err != nil {
		return syncerr.Wrap("update location counters", err)
	}
	return nil
}

// syncEntity drives one entity collection through fetch and upsert. The remote
// count is the fetch target; while the local table is behind it the fetch is
// exhaustive so unchanged leading pages do not end a backfill early.
func syncEntity[T any](
	ctx context.Context,
	o *SyncOrchestrator,
	r *run,
	entity crm.Entity,
	localCount func(ctx context.Context, locationID string) (int64, error),
	upsertPage func(ctx context.Context, locationID string, recs []T) (upsert.BatchResult, error),
	onFresh func(upsert.Result),
) (EntityResult, error) {
	q := fetcher.Query{
		Entity:     entity,
		LocationID: r.locationID,
		Sort:       []crm.Sort{{Field: "dateUpdated", Direction: "desc"}},
	}

	total, err := fetcher.Count(ctx, r.src, q)
	if err != nil {
		return EntityResult{}, err
	}
	local, err := localCount(ctx, r.locationID)
	if err != nil {
		return EntityResult{}, syncerr.Wrap("count local "+string(entity), err)
	}

	res := EntityResult{RemoteTotal: total}
	opts := fetcher.UntilOptions{
		TargetCount: total,
		PageSize:    o.cfg.PageSize,
		MaxPages:    o.cfg.MaxPages,
		LocalCount:  func(ctx context.Context) (int64, error) { return localCount(ctx, r.locationID) },
		Exhaustive:  r.opts.Full || local < int64(total),
	}
	if r.opts.Full {
		opts.TargetCount = 0
	}

	stats, err := fetcher.FetchUntil(ctx, r.src, q, opts, func(ctx context.Context, recs []T) (int, error) {
		batch, err := upsertPage(ctx, r.locationID, recs)
		res.add(batch)
		if onFresh != nil {
			for _, br := range batch.Results {
				if br.Changed {
					onFresh(br)
				}
			}
		}
		return batch.Fresh(), err
	})
	res.Stats = stats
	r.result.Entities[string(entity)] = res

	r.logger.Info().
		Str("entity", string(entity)).
		Int("remote_total", total).
		Int("pages", stats.Pages).
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("failed", res.Failed).
		Str("stop_reason", stats.StopReason).
		Msg("entity synced")

	if err != nil {
		return res, err
	}
	return res, nil
}

// syncMessages pulls messages for conversations touched in this run, or all of
// them for a full message sync. It returns the conversations whose
// last-message cache needs refreshing.
func (o *SyncOrchestrator) syncMessages(ctx context.Context, r *run) ([]string, error) {
	convs, err := o.conversations.ListByLocation(ctx, r.locationID)
	if err != nil {
		return nil, syncerr.Wrap("list conversations", err)
	}

	var res EntityResult
	var refresh []string
	for _, conv := range convs {
		if _, touched := r.touchedConvs[conv.ID]; !touched && !r.opts.FullMessageSync {
			continue
		}

		q := fetcher.Query{
			Entity:     crm.EntityMessages,
			LocationID: r.locationID,
			Sort:       []crm.Sort{{Field: "dateAdded", Direction: "desc"}},
			Filters:    []crm.Filter{{Field: "conversationId", Operator: "eq", Value: conv.ExternalID}},
		}
		opts := fetcher.UntilOptions{PageSize: o.cfg.PageSize, MaxPages: o.cfg.MaxPages, Exhaustive: r.opts.Full}

		fresh := 0
		stats, err := fetcher.FetchUntil(ctx, r.src, q, opts, func(ctx context.Context, recs []crm.Message) (int, error) {
			batch, err := o.engine.UpsertMessages(ctx, r.locationID, recs)
			res.add(batch)
			fresh += batch.Fresh()
			return batch.Fresh(), err
		})
		res.Pages += stats.Pages
		res.Fetched += stats.Fetched
		res.New += stats.New
		res.Skipped += stats.Skipped
		if err != nil {
			r.result.Entities[string(crm.EntityMessages)] = res
			return nil, err
		}

		r.result.ConversationsSynced++
		if fresh > 0 {
			r.touchedContacts[conv.ContactID] = struct{}{}
			refresh = append(refresh, conv.ID)
		}
	}
	r.result.Entities[string(crm.EntityMessages)] = res

	r.logger.Info().
		Int("conversations", r.result.ConversationsSynced).
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("failed", res.Failed).
		Msg("messages synced")
	return refresh, nil
}

// TriggerSync starts a run in the requested mode. Foreground runs block and
// are never coalesced, though they wait out a background run already in flight. Background runs return at once; a second background
// trigger for a location with a run in flight joins that run.
func (o *SyncOrchestrator) TriggerSync(ctx context.Context, locationID string, opts SyncOptions) (*SyncTicket, error) {
	if opts.Mode == "" {
		opts.Mode = models.SyncModeBackground
	}
	opts.RunID = uuid.New().String()

	// Missing tenants are a caller error in both modes
	if _, err := o.resolveLocation(ctx, locationID, opts.CompanyID); err != nil {
		return nil, err
	}

	ticket := &SyncTicket{RunID: opts.RunID, LocationID: locationID, Mode: opts.Mode}

	if opts.Mode == models.SyncModeForeground {
		// An in-flight background run for the location finishes first
		if job, ok := o.pool.Running(locationID); ok {
			if err := job.Wait(ctx); err != nil && ctx.Err() != nil {
				return nil, syncerr.Wrap("wait for background sync", ctx.Err())
			}
		}
		result, err := o.SyncLocation(ctx, locationID, opts)
		ticket.Result = result
		if err != nil {
			ticket.State = models.SyncStateFailed
			ticket.Error = err.Error()
			return ticket, err
		}
		ticket.State = models.SyncStateCompleted
		return ticket, nil
	}

	job, coalesced, err := o.pool.Submit(locationID, opts.RunID, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
		// Failures are recorded in the status row; nobody waits on them
		_, err := o.SyncLocation(ctx, locationID, opts)
		return err
	})
	if err != nil {
		return nil, syncerr.New(syncerr.KindFatal, "schedule background sync", err)
	}

	ticket.RunID = job.RunID
	ticket.State = models.SyncStateInProgress
	ticket.Coalesced = coalesced
	if coalesced {
		log.Debug().Str("location_id", locationID).Str("run_id", job.RunID).Msg("joined running background sync")
	}
	return ticket, nil
}

// Status returns the latest run state of a location.
func (o *SyncOrchestrator) Status(ctx context.Context, locationID string) (*models.SyncStatus, error) {
	return o.statuses.Get(ctx, locationID)
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
