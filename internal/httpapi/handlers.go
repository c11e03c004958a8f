package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/vipul43/crmsync/internal/models"
	"github.com/vipul43/crmsync/internal/repository"
	"github.com/vipul43/crmsync/internal/service"
	"github.com/vipul43/crmsync/internal/syncerr"
)

const (
	defaultContactLimit = 50
	maxContactLimit     = 500
	maxWebhookBody      = 1 << 20
)

type contactResponse struct {
	ID                   string      `json:"id"`
	ExternalID           string      `json:"external_id"`
	LocationID           string      `json:"location_id"`
	DisplayName          string      `json:"display_name"`
	Name                 *string     `json:"name"`
	FirstName            *string     `json:"first_name"`
	LastName             *string     `json:"last_name"`
	Email                *string     `json:"email"`
	Phone                *string     `json:"phone"`
	AssignedTo           *string     `json:"assigned_to"`
	Tags                 []string    `json:"tags"`
	TouchSummary         *string     `json:"touch_summary"`
	EngagementSummary    interface{} `json:"engagement_summary"`
	LastTouchDate        *time.Time  `json:"last_touch_date"`
	LastMessageBody      *string     `json:"last_message_body"`
	LastMessageType      *string     `json:"last_message_type"`
	LastMessageDirection *string     `json:"last_message_direction"`
	AIStatus             *string     `json:"ai_status"`
	AISummary            *string     `json:"ai_summary"`
	DateUpdated          *time.Time  `json:"date_updated"`
}

func toContactResponse(c models.Contact) contactResponse {
	resp := contactResponse{
		ID:                   c.ID,
		ExternalID:           c.ExternalID,
		LocationID:           c.LocationID,
		DisplayName:          c.DisplayName(),
		Name:                 c.Name,
		FirstName:            c.FirstName,
		LastName:             c.LastName,
		Email:                c.Email,
		Phone:                c.Phone,
		AssignedTo:           c.AssignedTo,
		Tags:                 []string(c.Tags),
		TouchSummary:         c.TouchSummary,
		LastTouchDate:        c.LastTouchDate,
		LastMessageBody:      c.LastMessageBody,
		LastMessageType:      c.LastMessageType,
		LastMessageDirection: c.LastMessageDirection,
		AIStatus:             c.AIStatus,
		AISummary:            c.AISummary,
		DateUpdated:          c.DateUpdated,
	}
	if len(c.EngagementSummary) > 0 {
		resp.EngagementSummary = c.EngagementSummary
	}
	return resp
}

// Health reports liveness and database reachability
func (h *Handler) Health(c *gin.Context) {
	if h.ping != nil {
		if err := h.ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReceiveWebhook always answers 200 so the CRM keeps delivering; failures
// are recorded on the stored event.
func (h *Handler) ReceiveWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		log.Error().Err(err).Msg("failed to read webhook body")
		c.JSON(http.StatusOK, gin.H{"status": "error"})
		return
	}

	event, err := h.webhooks.Receive(c.Request.Context(), body)
	resp := gin.H{"status": "received"}
	if event != nil {
		resp["event_id"] = event.ID
	}
	if err != nil {
		resp["status"] = "failed"
	}
	c.JSON(http.StatusOK, resp)
}

func parseMode(raw string, fallback models.SyncMode) (models.SyncMode, bool) {
	switch raw {
	case "":
		return fallback, true
	case string(models.SyncModeForeground):
		return models.SyncModeForeground, true
	case string(models.SyncModeBackground):
		return models.SyncModeBackground, true
	default:
		return "", false
	}
}

// TriggerSync starts a run for a location. mode=sync blocks until it ends.
func (h *Handler) TriggerSync(c *gin.Context) {
	mode, ok := parseMode(c.Query("mode"), models.SyncModeBackground)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be sync or async"})
		return
	}

	opts := service.SyncOptions{
		Mode:            mode,
		CompanyID:       c.Query("company_id"),
		Full:            c.Query("full") == "true",
		FullMessageSync: c.Query("full_messages") == "true",
	}

	ticket, err := h.syncer.TriggerSync(c.Request.Context(), c.Param("id"), opts)
	if err != nil && ticket == nil {
		writeError(c, err)
		return
	}
	if err != nil {
		c.JSON(statusFor(err), ticket)
		return
	}

	status := http.StatusAccepted
	if mode == models.SyncModeForeground {
		status = http.StatusOK
	}
	c.JSON(status, ticket)
}

// SyncStatus returns the latest run of a location
func (h *Handler) SyncStatus(c *gin.Context) {
	st, err := h.syncer.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{
		"location_id": st.LocationID,
		"run_id":      st.RunID,
		"state":       st.State,
		"mode":        st.Mode,
		"runs":        st.Runs,
		"started_at":  st.StartedAt,
		"finished_at": st.FinishedAt,
		"last_error":  st.LastError,
	}
	if len(st.Result) > 0 {
		resp["result"] = st.Result
	}
	c.JSON(http.StatusOK, resp)
}

// ListContacts returns stored contacts. With refresh=async a background sync
// is started and the stored (possibly stale) rows are returned at once; with
// refresh=sync the rows are read after the run finishes.
func (h *Handler) ListContacts(c *gin.Context) {
	locationID := c.Param("id")
	ctx := c.Request.Context()

	limit, err := queryInt(c, "limit", defaultContactLimit)
	if err != nil || limit <= 0 || limit > maxContactLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}

	var ticket *service.SyncTicket
	if refresh := c.Query("refresh"); refresh != "" {
		mode, ok := parseMode(refresh, models.SyncModeBackground)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "refresh must be sync or async"})
			return
		}
		ticket, err = h.syncer.TriggerSync(ctx, locationID, service.SyncOptions{Mode: mode})
		if err != nil {
			if ticket == nil {
				writeError(c, err)
				return
			}
			// Serve the last synced data; the ticket carries the failure
			log.Warn().Err(err).Str("location_id", locationID).Msg("refresh before listing contacts failed")
		}
	}

	contacts, err := h.contacts.Search(ctx, repository.ContactFilter{
		LocationID: locationID,
		AssignedTo: c.Query("assigned_to"),
		Query:      c.Query("q"),
		Tag:        c.Query("tag"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]contactResponse, 0, len(contacts))
	for _, contact := range contacts {
		out = append(out, toContactResponse(contact))
	}

	resp := gin.H{"contacts": out, "count": len(out)}
	if ticket != nil {
		resp["sync"] = ticket
	}
	c.JSON(http.StatusOK, resp)
}

// RecomputeEngagement refreshes one contact's touch and engagement fields
func (h *Handler) RecomputeEngagement(c *gin.Context) {
	summary, err := h.engagement.RecomputeContact(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, syncerr.ErrLocationNotFound),
		errors.Is(err, repository.ErrSyncStatusNotFound),
		errors.Is(err, repository.ErrContactNotFound):
		return http.StatusNotFound
	}

	switch syncerr.Classify(err) {
	case syncerr.KindData:
		return http.StatusUnprocessableEntity
	case syncerr.KindAuth:
		return http.StatusBadGateway
	case syncerr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
