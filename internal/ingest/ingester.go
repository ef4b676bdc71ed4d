// ABOUTME: WebhookIngester turning every backend's inbound traffic into canonical message events
// ABOUTME: Side effects (window refresh, publish, handler) run only for the delivery that created the event

package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/wa-gateway/internal/compat"
	"github.com/2389/wa-gateway/internal/events"
	"github.com/2389/wa-gateway/internal/provider/bsp"
	"github.com/2389/wa-gateway/internal/registry"
	"github.com/2389/wa-gateway/internal/store"
)

const (
	defaultDedupeTTL  = 10 * time.Minute
	defaultDedupeSize = 10000
	localTimeout      = 30 * time.Second
)

// Lines is the part of the connection registry the ingester drives.
type Lines interface {
	Config(ctx context.Context, tenantID string, lineIndex int) (*store.PhoneLine, error)
	FindByExternalChannel(ctx context.Context, p store.ProviderType, channelID string) (*store.PhoneLine, error)
	FindByBusinessAccount(ctx context.Context, businessAccountID string) ([]*store.PhoneLine, error)
	MarkReady(ctx context.Context, tenantID string, lineIndex int, credential string, details registry.ReadyDetails) error
	MarkDisconnected(ctx context.Context, tenantID string, lineIndex int, reason string) error
	MarkError(ctx context.Context, tenantID string, lineIndex int, reason string) error
}

// Sessions records conversation activity for the service window.
type Sessions interface {
	RecordCustomerMessage(ctx context.Context, key store.SessionKey, at time.Time) error
	RecordBusinessMessage(ctx context.Context, key store.SessionKey, at time.Time) error
}

// KeyIssuer issues relay API keys when a channel goes live.
type KeyIssuer interface {
	IssueAPIKey(ctx context.Context, channelID string) (*bsp.IssuedKey, error)
}

// InboundHandler receives every new live inbound message.
type InboundHandler func(ctx context.Context, msg compat.Message)

// Store is the persistence the ingester writes to.
type Store interface {
	store.EventStore
	store.ContactStore
}

// Deps wires the ingester to the rest of the gateway. Publisher, Hub and
// Handler are optional.
type Deps struct {
	Store     Store
	Lines     Lines
	Sessions  Sessions
	Publisher events.Publisher
	Hub       KeyIssuer
	Compat    compat.Deps
	Handler   InboundHandler
}

// Ingester normalizes inbound traffic from all three backends.
type Ingester struct {
	deps   Deps
	seen   *recentIDs
	logger *slog.Logger
}

// New creates an ingester. Pass nil logger for default.
func New(deps Deps, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		deps:   deps,
		seen:   newRecentIDs(defaultDedupeTTL, defaultDedupeSize),
		logger: logger.With("component", "ingest"),
	}
}

// record persists ev and, only when this call created the row, runs the
// side effects. It reports whether the event was new.
func (in *Ingester) record(ctx context.Context, ev *store.MessageEvent) (bool, error) {
	key := ev.TenantID + "|" + ev.ExternalID
	if !in.seen.claim(key) {
		in.logger.Debug("duplicate delivery dropped",
			"tenant_id", ev.TenantID,
			"external_id", ev.ExternalID)
		return false, nil
	}

	created, err := in.deps.Store.InsertMessageEvent(ctx, ev)
	if err != nil {
		in.seen.release(key)
		return false, fmt.Errorf("storing message %s: %w", ev.ExternalID, err)
	}
	if !created {
		in.logger.Debug("message already stored",
			"tenant_id", ev.TenantID,
			"external_id", ev.ExternalID)
		return false, nil
	}

	in.refreshWindow(ctx, ev)
	in.publish(ctx, events.NewMessageEvent(ev))

	if ev.Direction == store.DirectionInbound && ev.Source == store.SourceLive && in.deps.Handler != nil {
		in.deps.Handler(ctx, compat.New(ev, in.deps.Compat))
	}
	return true, nil
}

func (in *Ingester) refreshWindow(ctx context.Context, ev *store.MessageEvent) {
	if in.deps.Sessions == nil {
		return
	}
	key := store.SessionKey{TenantID: ev.TenantID, LineIndex: ev.LineIndex, ContactAddress: ev.ChatAddress}

	var err error
	if ev.Direction == store.DirectionInbound {
		err = in.deps.Sessions.RecordCustomerMessage(ctx, key, ev.Timestamp)
	} else {
		err = in.deps.Sessions.RecordBusinessMessage(ctx, key, ev.Timestamp)
	}
	if err != nil {
		in.logger.Error("failed to refresh session window",
			"tenant_id", ev.TenantID,
			"line_index", ev.LineIndex,
			"external_id", ev.ExternalID,
			"error", err)
	}
}

func (in *Ingester) publish(ctx context.Context, ev *events.Event) {
	if in.deps.Publisher == nil {
		return
	}
	if err := in.deps.Publisher.Publish(ctx, ev); err != nil {
		in.logger.Error("failed to publish event",
			"event_id", ev.ID,
			"type", ev.Type,
			"error", err)
	}
}

// recordReceipt stores a delivery status and publishes it once.
func (in *Ingester) recordReceipt(ctx context.Context, lineIndex int, r *store.MessageReceipt) error {
	created, err := in.deps.Store.InsertReceipt(ctx, r)
	if err != nil {
		return fmt.Errorf("storing receipt for %s: %w", r.ExternalID, err)
	}
	if created {
		in.publish(ctx, events.NewReceiptEvent(lineIndex, r))
	}
	return nil
}

// handleChange dispatches one classified change for a resolved line.
func (in *Ingester) handleChange(ctx context.Context, line *store.PhoneLine, ch Change) error {
	switch ch.Kind {
	case KindMessages:
		return in.ingestMessages(ctx, line, ch.Value)
	case KindStatuses:
		return in.ingestStatuses(ctx, line, ch.Value)
	case KindHistorySync:
		return in.ingestHistory(ctx, line, ch.Value)
	case KindContactStateSync:
		return in.ingestContactSync(ctx, line, ch.Value)
	case KindMessageEcho:
		return in.ingestEchoes(ctx, line, ch.Value)
	case KindAccountUpdate:
		return in.ingestAccountUpdate(ctx, []*store.PhoneLine{line}, ch.Value)
	case KindChannelLifecycle:
		return in.ingestLifecycle(ctx, line, ch)
	default:
		in.logger.Debug("ignoring unknown webhook change",
			"tenant_id", line.TenantID,
			"line_index", line.LineIndex,
			"field", ch.Field)
		return nil
	}
}
