package httpapi

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/vipul43/crmsync/internal/engagement"
	"github.com/vipul43/crmsync/internal/models"
	"github.com/vipul43/crmsync/internal/repository"
	"github.com/vipul43/crmsync/internal/service"
)

// WebhookReceiver logs and processes one raw webhook body
type WebhookReceiver interface {
	Receive(ctx context.Context, body []byte) (*models.WebhookEvent, error)
}

// Syncer triggers runs and reports their status
type Syncer interface {
	TriggerSync(ctx context.Context, locationID string, opts service.SyncOptions) (*service.SyncTicket, error)
	Status(ctx context.Context, locationID string) (*models.SyncStatus, error)
}

// ContactReader reads stored contacts
type ContactReader interface {
	Search(ctx context.Context, filter repository.ContactFilter) ([]models.Contact, error)
}

// EngagementRecomputer refreshes one contact's derived fields
type EngagementRecomputer interface {
	RecomputeContact(ctx context.Context, contactID string) (*engagement.Summary, error)
}

// Handler serves the HTTP surface of the sync engine
type Handler struct {
	webhooks   WebhookReceiver
	syncer     Syncer
	contacts   ContactReader
	engagement EngagementRecomputer
	ping       func(ctx context.Context) error
}

func NewHandler(webhooks WebhookReceiver, syncer Syncer, contacts ContactReader, recomputer EngagementRecomputer, ping func(ctx context.Context) error) *Handler {
	return &Handler{
		webhooks:   webhooks,
		syncer:     syncer,
		contacts:   contacts,
		engagement: recomputer,
		ping:       ping,
	}
}

// NewRouter wires the routes onto a fresh gin engine
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", h.Health)
	r.POST("/webhooks/crm", h.ReceiveWebhook)

	locations := r.Group("/locations/:id")
	locations.POST("/sync", h.TriggerSync)
	locations.GET("/sync-status", h.SyncStatus)
	locations.GET("/contacts", h.ListContacts)

	r.POST("/contacts/:id/engagement", h.RecomputeEngagement)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}
