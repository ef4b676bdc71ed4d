// ABOUTME: Downstream event envelope published for messages, receipts, and line status changes
// ABOUTME: Publisher fan-out logs failures instead of failing the caller

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/wa-gateway/internal/store"
)

// Type names an event kind. It doubles as the AMQP routing key prefix.
type Type string

const (
	TypeMessageInbound  Type = "message.inbound"
	TypeMessageOutbound Type = "message.outbound"
	TypeMessageStatus   Type = "message.status"
	TypeLineStatus      Type = "line.status"
)

// Event is the envelope every publisher receives.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	TenantID  string    `json:"tenant_id"`
	LineIndex int       `json:"line_index"`
	Time      time.Time `json:"time"`
	Data      any       `json:"data"`
}

// Message is the published view of a canonical message event.
type Message struct {
	ExternalID  string             `json:"external_id"`
	Direction   string             `json:"direction"`
	ChatAddress string             `json:"chat_address"`
	ContentType string             `json:"content_type"`
	Body        string             `json:"body,omitempty"`
	Payload     json.RawMessage    `json:"payload,omitempty"`
	SenderName  string             `json:"sender_name,omitempty"`
	Provider    store.ProviderType `json:"provider"`
	Source      string             `json:"source"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Receipt is the published view of a delivery status.
type Receipt struct {
	ExternalID string    `json:"external_id"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// LineStatus is the published view of a line lifecycle transition.
type LineStatus struct {
	Provider store.ProviderType `json:"provider"`
	From     store.LineStatus   `json:"from"`
	To       store.LineStatus   `json:"to"`
	Reason   string             `json:"reason,omitempty"`
}

func newEvent(t Type, tenantID string, lineIndex int, data any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      t,
		TenantID:  tenantID,
		LineIndex: lineIndex,
		Time:      time.Now().UTC(),
		Data:      data,
	}
}

// NewMessageEvent builds a message.inbound or message.outbound event.
func NewMessageEvent(m *store.MessageEvent) *Event {
	t := TypeMessageInbound
	if m.Direction == store.DirectionOutbound {
		t = TypeMessageOutbound
	}
	return newEvent(t, m.TenantID, m.LineIndex, Message{
		ExternalID:  m.ExternalID,
		Direction:   m.Direction,
		ChatAddress: m.ChatAddress,
		ContentType: m.ContentType,
		Body:        m.Body,
		Payload:     m.Payload,
		SenderName:  m.SenderName,
		Provider:    m.Provider,
		Source:      m.Source,
		Timestamp:   m.Timestamp,
	})
}

// NewReceiptEvent builds a message.status event.
func NewReceiptEvent(lineIndex int, r *store.MessageReceipt) *Event {
	return newEvent(TypeMessageStatus, r.TenantID, lineIndex, Receipt{
		ExternalID: r.ExternalID,
		Status:     r.Status,
		Error:      r.Error,
		Timestamp:  r.Timestamp,
	})
}

// NewLineStatusEvent builds a line.status event.
func NewLineStatusEvent(tenantID string, lineIndex int, s LineStatus) *Event {
	return newEvent(TypeLineStatus, tenantID, lineIndex, s)
}

// Publisher delivers events downstream.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
}

// Multi publishes to every publisher. A failing publisher is logged and does
// not stop delivery to the rest; Publish never returns an error.
type Multi struct {
	publishers []Publisher
	logger     *slog.Logger
}

// NewMulti creates a fan-out publisher. Nil entries are skipped.
func NewMulti(logger *slog.Logger, publishers ...Publisher) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multi{logger: logger.With("component", "events")}
	for _, p := range publishers {
		if p != nil {
			m.publishers = append(m.publishers, p)
		}
	}
	return m
}

// Publish delivers ev to every publisher.
func (m *Multi) Publish(ctx context.Context, ev *Event) error {
	for _, p := range m.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			m.logger.Error("event publish failed",
				"event_id", ev.ID,
				"type", ev.Type,
				"tenant_id", ev.TenantID,
				"error", err)
		}
	}
	return nil
}
