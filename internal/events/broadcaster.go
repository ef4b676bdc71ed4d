// ABOUTME: In-memory fan-out of published events to per-tenant subscribers
// ABOUTME: Feeds the live websocket stream; slow subscribers lose events instead of blocking

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is how many events a stream client may fall behind
// before it starts missing events.
const subscriberBufferSize = 64

// Broadcaster fans published events out to the live stream clients of each
// tenant. A client only receives its own tenant's events. Delivery is best
// effort: a client that cannot keep up misses events and ingestion never
// waits on it.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // tenantID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe opens a stream of tenantID's events for one client. The stream
// ends, and the channel is closed, when ctx is cancelled; the returned id
// can also end it early through Unsubscribe.
func (b *Broadcaster) Subscribe(ctx context.Context, tenantID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[tenantID]; !ok {
		b.subscribers[tenantID] = make(map[string]chan *Event)
	}
	b.subscribers[tenantID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"tenant_id", tenantID,
		"sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(tenantID, subID)
	}()

	return ch, subID
}

// Publish hands ev to every open stream of ev.TenantID. It never blocks and
// always returns nil.
func (b *Broadcaster) Publish(_ context.Context, ev *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	for _, ch := range b.subscribers[ev.TenantID] {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"tenant_id", ev.TenantID,
				"event_id", ev.ID)
		}
	}
	return nil
}

// Unsubscribe ends one client's stream. Ending an unknown or already ended
// stream is a no-op.
func (b *Broadcaster) Unsubscribe(tenantID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[tenantID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, tenantID)
	}

	b.logger.Debug("subscriber removed",
		"tenant_id", tenantID,
		"sub_id", subID)
}

// SubscriberCount reports how many clients are streaming tenantID's events.
func (b *Broadcaster) SubscriberCount(tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[tenantID])
}

// Close ends every open stream, for shutdown.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for tenantID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, tenantID)
	}
	b.logger.Debug("broadcaster closed")
}
