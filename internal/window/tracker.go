// ABOUTME: Session window tracker for the vendor 24-hour customer service window
// ABOUTME: Computes open/closed state on every read from the conversation_sessions table

package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/2389/wa-gateway/internal/store"
)

// Duration is the length of the customer service window.
const Duration = 24 * time.Hour

// State is the window state for one conversation at the moment of the check.
type State struct {
	IsOpen                bool
	RequiresTemplate      bool
	HoursRemaining        float64 // floored at 0
	HoursExpired          float64 // hours since the window closed, 0 while open
	LastCustomerMessageAt *time.Time
}

// Store is the persistence the tracker needs.
type Store interface {
	store.SessionStore
	LatestInboundAt(ctx context.Context, key store.SessionKey) (time.Time, error)
}

// Tracker decides whether a free-form message may be sent to a contact.
//
// The conversation_sessions table is the single source of truth. The message
// log is consulted only when no session row exists, and the result is written
// back so later reads never take that path again.
//
// Reads are not isolated from concurrent writes: a send racing an inbound
// message may observe the window state from just before the inbound landed.
type Tracker struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker over the given store. Pass nil logger for default.
func NewTracker(s Store, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:  s,
		logger: logger.With("component", "window"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CheckWindow returns the current window state for a contact.
func (t *Tracker) CheckWindow(ctx context.Context, tenantID string, lineIndex int, contact string) (*State, error) {
	key := store.SessionKey{TenantID: tenantID, LineIndex: lineIndex, ContactAddress: contact}

	sess, err := t.store.GetSession(ctx, key)
	switch {
	case err == nil && sess.LastCustomerMessageAt != nil:
		return t.compute(*sess.LastCustomerMessageAt), nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("loading session: %w", err)
	}

	// No usable session row: repair it from the message log once.
	latest, err := t.store.LatestInboundAt(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return &State{IsOpen: false, RequiresTemplate: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message log: %w", err)
	}

	if err := t.store.RecordCustomerMessage(ctx, key, latest); err != nil {
		return nil, fmt.Errorf("repairing session: %w", err)
	}
	t.logger.Info("session repaired from message log",
		"tenant_id", tenantID,
		"line_index", lineIndex,
		"last_customer_message_at", latest)

	return t.compute(latest), nil
}

// RecordCustomerMessage refreshes the customer side of the window.
func (t *Tracker) RecordCustomerMessage(ctx context.Context, key store.SessionKey, at time.Time) error {
	if err := t.store.RecordCustomerMessage(ctx, key, at); err != nil {
		return fmt.Errorf("recording customer message: %w", err)
	}
	return nil
}

// RecordBusinessMessage refreshes the business side of the window.
func (t *Tracker) RecordBusinessMessage(ctx context.Context, key store.SessionKey, at time.Time) error {
	if err := t.store.RecordBusinessMessage(ctx, key, at); err != nil {
		return fmt.Errorf("recording business message: %w", err)
	}
	return nil
}

// Now returns the tracker's current time.
func (t *Tracker) Now() time.Time {
	return t.now()
}

func (t *Tracker) compute(last time.Time) *State {
	elapsed := t.now().Sub(last)
	open := elapsed < Duration

	st := &State{
		IsOpen:                open,
		RequiresTemplate:      !open,
		HoursRemaining:        math.Max(0, (Duration - elapsed).Hours()),
		LastCustomerMessageAt: &last,
	}
	if !open {
		st.HoursExpired = (elapsed - Duration).Hours()
	}
	return st
}
