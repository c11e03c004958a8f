package engagement

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/vipul43/crmsync/internal/repository"
	"github.com/vipul43/crmsync/internal/writer"
)

// Aggregator recomputes the derived engagement columns of contacts and the
// last-message cache of conversations.
type Aggregator struct {
	writer        *writer.Writer
	contacts      *repository.ContactRepository
	conversations *repository.ConversationRepository
	messages      *repository.MessageRepository
}

func NewAggregator(db *gorm.DB, w *writer.Writer) *Aggregator {
	return &Aggregator{
		writer:        w,
		contacts:      repository.NewContactRepository(db),
		conversations: repository.NewConversationRepository(db),
		messages:      repository.NewMessageRepository(db),
	}
}

// RecomputeContact refreshes one contact on demand and returns its summary.
func (a *Aggregator) RecomputeContact(ctx context.Context, contactID string) (*Summary, error) {
	var summary Summary
	err := a.writer.Write(ctx, "recompute engagement", func(tx *gorm.DB) error {
		s, err := a.recompute(ctx, tx, contactID)
		if err != nil {
			return err
		}
		summary = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// RecomputeContacts refreshes contacts in small chunked transactions.
func (a *Aggregator) RecomputeContacts(ctx context.Context, contactIDs []string) writer.BulkResult {
	res := writer.BulkWrite(ctx, a.writer, "recompute engagement", contactIDs, func(tx *gorm.DB, id string) error {
		_, err := a.recompute(ctx, tx, id)
		return err
	})
	if res.Failed > 0 {
		log.Warn().Int("failed", res.Failed).Int("written", res.Written).Msg("engagement recompute incomplete")
	}
	return res
}

func (a *Aggregator) recompute(ctx context.Context, tx *gorm.DB, contactID string) (Summary, error) {
	msgs, err := a.messages.WithTx(tx).ListByContact(ctx, contactID)
	if err != nil {
		return Summary{}, err
	}

	summary := Compute(msgs)
	fields, err := summary.Fields()
	if err != nil {
		return Summary{}, err
	}
	if err := a.contacts.WithTx(tx).UpdateEngagement(ctx, contactID, fields); err != nil {
		return Summary{}, fmt.Errorf("contact %s: %w", contactID, err)
	}
	return summary, nil
}

// RefreshConversations copies each conversation's newest stored message into
// its last-message cache. Conversations without messages are left alone.
func (a *Aggregator) RefreshConversations(ctx context.Context, conversationIDs []string) writer.BulkResult {
	return writer.BulkWrite(ctx, a.writer, "refresh last message", conversationIDs, func(tx *gorm.DB, id string) error {
		latest, err := a.messages.WithTx(tx).LatestByConversation(ctx, id)
		if err != nil {
			return err
		}
		if latest == nil {
			return nil
		}
		return a.conversations.WithTx(tx).UpdateLastMessage(ctx, id, latest)
	})
}
