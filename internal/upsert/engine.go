// Package upsert reconciles remote CRM records with local rows keyed by
// (external_id, location_id).
package upsert

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/vipul43/crmsync/internal/crm"
	"github.com/vipul43/crmsync/internal/models"
	"github.com/vipul43/crmsync/internal/repository"
	"github.com/vipul43/crmsync/internal/syncerr"
	"github.com/vipul43/crmsync/internal/writer"
)

type Outcome string

const (
	Created Outcome = "created"
	Updated Outcome = "updated"
)

// Result describes one upserted record. Changed is always true for Created.
type Result struct {
	Outcome    Outcome
	Changed    bool
	ID         string
	ExternalID string
}

// BatchResult counts the outcome of upserting a page of records.
type BatchResult struct {
	Created   int
	Updated   int
	Unchanged int
	Failed    int
	Results   []Result
}

// Fresh is the number of records that were created or changed.
func (b BatchResult) Fresh() int {
	return b.Created + b.Updated
}

func (b *BatchResult) add(r Result) {
	b.Results = append(b.Results, r)
	switch {
	case r.Outcome == Created:
		b.Created++
	case r.Changed:
		b.Updated++
	default:
		b.Unchanged++
	}
}

type Engine struct {
	writer        *writer.Writer
	locations     *repository.LocationRepository
	contacts      *repository.ContactRepository
	conversations *repository.ConversationRepository
	messages      *repository.MessageRepository
	tasks         *repository.TaskRepository
	opportunities *repository.OpportunityRepository
}

func NewEngine(db *gorm.DB, w *writer.Writer) *Engine {
	return &Engine{
		writer:        w,
		locations:     repository.NewLocationRepository(db),
		contacts:      repository.NewContactRepository(db),
		conversations: repository.NewConversationRepository(db),
		messages:      repository.NewMessageRepository(db),
		tasks:         repository.NewTaskRepository(db),
		opportunities: repository.NewOpportunityRepository(db),
	}
}

// keyed is the lookup/create/save triple shared by every entity.
type keyed[M any] struct {
	find   func(ctx context.Context) (*M, error)
	create func(ctx context.Context, rec *M) (bool, error)
	save   func(ctx context.Context, rec *M) error
	build  func(ctx context.Context) (*M, error)
	merge  func(rec *M) bool
	id     func(rec *M) string
}

// apply creates the row when absent, else merges into it. A lost insert race
// is resolved by reading back the winner's row and merging into that.
func apply[M any](ctx context.Context, externalID string, k keyed[M]) (Result, error) {
	existing, err := k.find(ctx)
	if err != nil {
		return Result{}, err
	}

	if existing == nil {
		rec, err := k.build(ctx)
		if err != nil {
			return Result{}, err
		}
		created, err := k.create(ctx, rec)
		if err != nil {
			return Result{}, err
		}
		if created {
			return Result{Outcome: Created, Changed: true, ID: k.id(rec), ExternalID: externalID}, nil
		}

		existing, err = k.find(ctx)
		if err != nil {
			return Result{}, err
		}
		if existing == nil {
			// Winner not visible to this snapshot yet; retry in a new transaction
			return Result{}, syncerr.ErrConcurrentInsert
		}
	}

	res := Result{Outcome: Updated, ID: k.id(existing), ExternalID: externalID}
	if !k.merge(existing) {
		return res, nil
	}
	if err := k.save(ctx, existing); err != nil {
		return Result{}, err
	}
	res.Changed = true
	return res, nil
}

func invalid(op, format string, args ...interface{}) error {
	return syncerr.New(syncerr.KindData, op, fmt.Errorf("%w: %s", syncerr.ErrInvalidRecord, fmt.Sprintf(format, args...)))
}

// UpsertContactTx upserts one contact inside tx.
func (e *Engine) UpsertContactTx(ctx context.Context, tx *gorm.DB, locationID string, src crm.Contact) (Result, error) {
	if src.ID == "" {
		return Result{}, invalid("upsert contact", "empty external id")
	}
	repo := e.contacts.WithTx(tx)

	return apply(ctx, src.ID, keyed[models.Contact]{
		find: func(ctx context.Context) (*models.Contact, error) {
			return repo.FindByExternalID(ctx, src.ID, locationID)
		},
		create: repo.CreateIfAbsent,
		save:   repo.Save,
		build: func(ctx context.Context) (*models.Contact, error) {
			c := &models.Contact{ID: uuid.New().String(), ExternalID: src.ID, LocationID: locationID}
			MergeContact(c, src)
			return c, nil
		},
		merge: func(c *models.Contact) bool { return MergeContact(c, src) },
		id:    func(c *models.Contact) string { return c.ID },
	})
}

// UpsertConversationTx upserts one conversation. The owning contact must
// already be stored.
func (e *Engine) UpsertConversationTx(ctx context.Context, tx *gorm.DB, locationID string, src crm.Conversation) (Result, error) {
	if src.ID == "" {
		return Result{}, invalid("upsert conversation", "empty external id")
	}
	repo := e.conversations.WithTx(tx)

	return apply(ctx, src.ID, keyed[models.Conversation]{
		find: func(ctx context.Context) (*models.Conversation, error) {
			return repo.FindByExternalID(ctx, src.ID, locationID)
		},
		create: repo.CreateIfAbsent,
		save:   repo.Save,
		build: func(ctx context.Context) (*models.Conversation, error) {
			contact, err := e.contacts.WithTx(tx).FindByExternalID(ctx, src.ContactID, locationID)
			if err != nil {
				return nil, err
			}
			if contact == nil {
				return nil, invalid("upsert conversation", "conversation %s references unknown contact %q", src.ID, src.ContactID)
			}
			c := &models.Conversation{
				ID:                uuid.New().String(),
				ExternalID:        src.ID,
				LocationID:        locationID,
				ContactID:         contact.ID,
				ContactExternalID: src.ContactID,
			}
			MergeConversation(c, src)
			return c, nil
		},
		merge: func(c *models.Conversation) bool { return MergeConversation(c, src) },
		id:    func(c *models.Conversation) string { return c.ID },
	})
}

// UpsertMessageTx upserts one message. The owning conversation must already be stored.
func (e *Engine) UpsertMessageTx(ctx context.Context, tx *gorm.DB, locationID string, src crm.Message) (Result, error) {
	if src.ID == "" {
		return Result{}, invalid("upsert message", "empty external id")
	}
	repo := e.messages.WithTx(tx)

	return apply(ctx, src.ID, keyed[models.Message]{
		find: func(ctx context.Context) (*models.Message, error) {
			return repo.FindByExternalID(ctx, src.ID, locationID)
		},
		create: repo.CreateIfAbsent,
		save:   repo.Save,
		build: func(ctx context.Context) (*models.Message, error) {
			return e.buildMessage(ctx, tx, locationID, src)
		},
		merge: func(m *models.Message) bool { return MergeMessage(m, src) },
		id:    func(m *models.Message) string { return m.ID },
	})
}

func (e *Engine) buildMessage(ctx context.Context, tx *gorm.DB, locationID string, src crm.Message) (*models.Message, error) {
	if src.DateAdded == nil {
		return nil, invalid("upsert message", "message %s has no dateAdded", src.ID)
	}
	conv, err := e.conversations.WithTx(tx).FindByExternalID(ctx, src.ConversationID, locationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, invalid("upsert message", "message %s references unknown conversation %q", src.ID, src.ConversationID)
	}

	m := &models.Message{
		ID:                     uuid.New().String(),
		ExternalID:             src.ID,
		LocationID:             locationID,
		ConversationID:         conv.ID,
		ConversationExternalID: src.ConversationID,
		ContactID:              conv.ContactID,
		ContentType:            src.ContentType,
		Body:                   src.Body,
		UserID:                 src.UserID,
		DateAdded:              src.DateAdded.UTC(),
	}
	if src.Direction != nil {
		m.Direction = *src.Direction
	}
	if src.MessageType != nil {
		m.MessageType = *src.MessageType
	}
	if src.Attachments != nil {
		m.Attachments = datatypes.JSONSlice[string](src.Attachments)
	}
	MergeMessage(m, src)
	return m, nil
}

// UpsertTaskTx upserts one task. An unknown contact is kept by external id only.
func (e *Engine) UpsertTaskTx(ctx context.Context, tx *gorm.DB, locationID string, src crm.Task) (Result, error) {
	if src.ID == "" {
		return Result{}, invalid("upsert task", "empty external id")
	}
	repo := e.tasks.WithTx(tx)

	return apply(ctx, src.ID, keyed[models.Task]{
		find: func(ctx context.Context) (*models.Task, error) {
			return repo.FindByExternalID(ctx, src.ID, locationID)
		},
		create: repo.CreateIfAbsent,
		save:   repo.Save,
		build: func(ctx context.Context) (*models.Task, error) {
			t := &models.Task{ID: uuid.New().String(), ExternalID: src.ID, LocationID: locationID}
			MergeTask(t, src)
			if _, err := e.linkContact(ctx, tx, locationID, src.ContactID, &t.ContactID, &t.ContactExternalID); err != nil {
				return nil, err
			}
			return t, nil
		},
		merge: func(t *models.Task) bool {
			changed := MergeTask(t, src)
			linked, err := e.linkContact(ctx, tx, locationID, src.ContactID, &t.ContactID, &t.ContactExternalID)
			if err != nil {
				log.Warn().Err(err).Str("task", src.ID).Msg("failed to resolve task contact")
			}
			return changed || linked
		},
		id: func(t *models.Task) string { return t.ID },
	})
}

// UpsertOpportunityTx upserts one opportunity. An unknown contact is kept by external id only.
func (e *Engine) UpsertOpportunityTx(ctx context.Context, tx *gorm.DB, locationID string, src crm.Opportunity) (Result, error) {
	if src.ID == "" {
		return Result{}, invalid("upsert opportunity", "empty external id")
	}
	repo := e.opportunities.WithTx(tx)

	return apply(ctx, src.ID, keyed[models.Opportunity]{
		find: func(ctx context.Context) (*models.Opportunity, error) {
			return repo.FindByExternalID(ctx, src.ID, locationID)
		},
		create: repo.CreateIfAbsent,
		save:   repo.Save,
		build: func(ctx context.Context) (*models.Opportunity, error) {
			o := &models.Opportunity{ID: uuid.New().String(), ExternalID: src.ID, LocationID: locationID}
			MergeOpportunity(o, src)
			if _, err := e.linkContact(ctx, tx, locationID, src.ContactID, &o.ContactID, &o.ContactExternalID); err != nil {
				return nil, err
			}
			return o, nil
		},
		merge: func(o *models.Opportunity) bool {
			changed := MergeOpportunity(o, src)
			linked, err := e.linkContact(ctx, tx, locationID, src.ContactID, &o.ContactID, &o.ContactExternalID)
			if err != nil {
				log.Warn().Err(err).Str("opportunity", src.ID).Msg("failed to resolve opportunity contact")
			}
			return changed || linked
		},
		id: func(o *models.Opportunity) string { return o.ID },
	})
}

// linkContact points a child row at its local contact when the payload names one.
func (e *Engine) linkContact(ctx context.Context, tx *gorm.DB, locationID string, externalID *string, contactID, contactExternalID **string) (bool, error) {
	if externalID == nil || *externalID == "" {
		return false, nil
	}
	changed := setPtr(contactExternalID, externalID)

	contact, err := e.contacts.WithTx(tx).FindByExternalID(ctx, *externalID, locationID)
	if err != nil {
		return changed, err
	}
	if contact == nil {
		return changed, nil
	}
	return setPtr(contactID, &contact.ID) || changed, nil
}

// UpsertLocationProfileTx creates the location if needed and merges the profile into it.
func (e *Engine) UpsertLocationProfileTx(ctx context.Context, tx *gorm.DB, src crm.LocationProfile) (Result, error) {
	if src.ID == "" {
		return Result{}, invalid("upsert location", "empty location id")
	}
	repo := e.locations.WithTx(tx)

	loc, created, err := repo.Ensure(ctx, src.ID, src.CompanyID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Outcome: Updated, ID: loc.ID, ExternalID: src.ID}
	if created {
		res.Outcome = Created
		res.Changed = true
	}
	if MergeLocationProfile(loc, src) {
		if err := repo.SaveProfile(ctx, loc); err != nil {
			return Result{}, err
		}
		res.Changed = true
	}
	return res, nil
}

// Upsert runs one record upsert in its own retried transaction.
func Upsert[T any](ctx context.Context, e *Engine, op string, rec T, fn func(ctx context.Context, tx *gorm.DB, rec T) (Result, error)) (Result, error) {
	var res Result
	err := e.writer.Write(ctx, op, func(tx *gorm.DB) error {
		r, err := fn(ctx, tx, rec)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}

// UpsertBatch upserts records one transaction each. Data errors and exhausted
// retries are logged and counted; the batch carries on. Only fatal or auth
// errors, or a cancelled context, abort the batch.
func UpsertBatch[T any](ctx context.Context, e *Engine, entity crm.Entity, records []T, externalID func(T) string, fn func(ctx context.Context, tx *gorm.DB, rec T) (Result, error)) (BatchResult, error) {
	var batch BatchResult
	op := "upsert " + string(entity)

	for _, rec := range records {
		res, err := Upsert(ctx, e, op, rec, fn)
		if err == nil {
			batch.add(res)
			continue
		}
		if ctx.Err() != nil {
			return batch, ctx.Err()
		}

		switch syncerr.Classify(err) {
		case syncerr.KindData, syncerr.KindTransient:
			batch.Failed++
			log.Warn().
				Err(err).
				Str("entity", string(entity)).
				Str("external_id", externalID(rec)).
				Msg("skipping record")
		default:
			return batch, err
		}
	}
	return batch, nil
}

// Convenience wrappers binding the per-entity upsert functions.

func (e *Engine) UpsertContacts(ctx context.Context, locationID string, recs []crm.Contact) (BatchResult, error) {
	return UpsertBatch(ctx, e, crm.EntityContacts, recs, func(c crm.Contact) string { return c.ID },
		func(ctx context.Context, tx *gorm.DB, c crm.Contact) (Result, error) {
			return e.UpsertContactTx(ctx, tx, locationID, c)
		})
}

func (e *Engine) UpsertConversations(ctx context.Context, locationID string, recs []crm.Conversation) (BatchResult, error) {
	return UpsertBatch(ctx, e, crm.EntityConversations, recs, func(c crm.Conversation) string { return c.ID },
		func(ctx context.Context, tx *gorm.DB, c crm.Conversation) (Result, error) {
			return e.UpsertConversationTx(ctx, tx, locationID, c)
		})
}

func (e *Engine) UpsertMessages(ctx context.Context, locationID string, recs []crm.Message) (BatchResult, error) {
	return UpsertBatch(ctx, e, crm.EntityMessages, recs, func(m crm.Message) string { return m.ID },
		func(ctx context.Context, tx *gorm.DB, m crm.Message) (Result, error) {
			return e.UpsertMessageTx(ctx, tx, locationID, m)
		})
}

func (e *Engine) UpsertTasks(ctx context.Context, locationID string, recs []crm.Task) (BatchResult, error) {
	return UpsertBatch(ctx, e, crm.EntityTasks, recs, func(t crm.Task) string { return t.ID },
		func(ctx context.Context, tx *gorm.DB, t crm.Task) (Result, error) {
			return e.UpsertTaskTx(ctx, tx, locationID, t)
		})
}

func (e *Engine) UpsertOpportunities(ctx context.Context, locationID string, recs []crm.Opportunity) (BatchResult, error) {
	return UpsertBatch(ctx, e, crm.EntityOpportunities, recs, func(o crm.Opportunity) string { return o.ID },
		func(ctx context.Context, tx *gorm.DB, o crm.Opportunity) (Result, error) {
			return e.UpsertOpportunityTx(ctx, tx, locationID, o)
		})
}

// UpsertLocationProfile merges a location profile in its own transaction.
func (e *Engine) UpsertLocationProfile(ctx context.Context, src crm.LocationProfile) (Result, error) {
	return Upsert(ctx, e, "upsert location", src, e.UpsertLocationProfileTx)
}
