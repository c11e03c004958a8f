// Package engagement derives touch and engagement metrics from stored messages.
package engagement

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vipul43/crmsync/internal/models"
	"github.com/vipul43/crmsync/internal/repository"
)

// NoTouches is the touch summary of a contact nobody has reached out to.
const NoTouches = "no_touches"

var typeNames = map[string]string{
	models.MessageTypeSMS:      "SMS",
	models.MessageTypeCall:     "Call",
	models.MessageTypeEmail:    "Email",
	models.MessageTypeWhatsApp: "WhatsApp",
	models.MessageTypeFacebook: "Facebook",
	models.MessageTypeGMB:      "GMB",
	models.MessageTypeLiveChat: "Live Chat",
	"TYPE_INSTAGRAM":           "Instagram",
}

// TypeName maps a remote message type tag to its display name.
func TypeName(messageType string) string {
	if name, ok := typeNames[messageType]; ok {
		return name
	}
	raw := strings.TrimPrefix(messageType, "TYPE_")
	if raw == "" {
		return "Other"
	}
	words := strings.Split(strings.ToLower(raw), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// TypeCount is one entry of an engagement summary.
type TypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// countByType groups messages by display name, largest group first.
func countByType(msgs []models.Message, keep func(models.Message) bool) []TypeCount {
	counts := make(map[string]int)
	for _, m := range msgs {
		if keep(m) {
			counts[TypeName(m.MessageType)]++
		}
	}

	out := make([]TypeCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, TypeCount{Type: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// TouchSummary counts outbound messages only: the work done by the team.
func TouchSummary(msgs []models.Message) string {
	counts := countByType(msgs, models.Message.IsOutbound)
	if len(counts) == 0 {
		return NoTouches
	}
	parts := make([]string, len(counts))
	for i, c := range counts {
		parts[i] = fmt.Sprintf("%d %s", c.Count, c.Type)
	}
	return strings.Join(parts, ", ")
}

// EngagementSummary counts every message regardless of direction.
func EngagementSummary(msgs []models.Message) []TypeCount {
	return countByType(msgs, func(models.Message) bool { return true })
}

// LastMessage returns the most recent message in either direction, or nil.
func LastMessage(msgs []models.Message) *models.Message {
	var last *models.Message
	for i := range msgs {
		m := &msgs[i]
		if last == nil || m.DateAdded.After(last.DateAdded) ||
			(m.DateAdded.Equal(last.DateAdded) && m.ExternalID > last.ExternalID) {
			last = m
		}
	}
	return last
}

// LastTouchDate is the timestamp of the most recent message, or nil.
func LastTouchDate(msgs []models.Message) *time.Time {
	last := LastMessage(msgs)
	if last == nil {
		return nil
	}
	t := last.DateAdded
	return &t
}

// Summary is every derived engagement value of one contact.
type Summary struct {
	TouchSummary      string      `json:"touch_summary"`
	EngagementSummary []TypeCount `json:"engagement_summary"`
	LastTouchDate     *time.Time  `json:"last_touch_date"`
	LastMessageBody   *string     `json:"last_message_body"`
	LastMessageType   *string     `json:"last_message_type"`
	LastMessageDir    *string     `json:"last_message_direction"`
}

// Compute derives the summary of one contact from its messages.
func Compute(msgs []models.Message) Summary {
	s := Summary{
		TouchSummary:      TouchSummary(msgs),
		EngagementSummary: EngagementSummary(msgs),
		LastTouchDate:     LastTouchDate(msgs),
	}
	if last := LastMessage(msgs); last != nil {
		msgType, dir := last.MessageType, last.Direction
		s.LastMessageBody = last.Body
		s.LastMessageType = &msgType
		s.LastMessageDir = &dir
	}
	return s
}

// Fields converts s into the contact columns it is stored in.
func (s Summary) Fields() (repository.EngagementFields, error) {
	data, err := json.Marshal(s.EngagementSummary)
	if err != nil {
		return repository.EngagementFields{}, fmt.Errorf("failed to marshal engagement summary: %w", err)
	}
	return repository.EngagementFields{
		TouchSummary:         s.TouchSummary,
		EngagementSummary:    data,
		LastTouchDate:        s.LastTouchDate,
		LastMessageBody:      s.LastMessageBody,
		LastMessageType:      s.LastMessageType,
		LastMessageDirection: s.LastMessageDir,
		LastMessageDate:      s.LastTouchDate,
	}, nil
}
