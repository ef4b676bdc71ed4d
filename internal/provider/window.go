// ABOUTME: Service-window decorator for adapters whose vendor enforces the 24-hour rule
// ABOUTME: Rejects free-form sends on a closed window before any vendor call is made

package provider

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/wa-gateway/internal/store"
	"github.com/2389/wa-gateway/internal/window"
)

// WindowTracker is the subset of window.Tracker the decorator needs.
type WindowTracker interface {
	CheckWindow(ctx context.Context, tenantID string, lineIndex int, contact string) (*window.State, error)
	RecordBusinessMessage(ctx context.Context, key store.SessionKey, at time.Time) error
	Now() time.Time
}

// EnforceWindow wraps inner so that SendText, SendMedia, and SendInteractive
// fail with *TemplateRequiredError while the window is closed. SendTemplate is
// always allowed. Every successful send refreshes lastBusinessMessageAt.
func EnforceWindow(inner Adapter, tracker WindowTracker, logger *slog.Logger) Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &windowedAdapter{
		Adapter: inner,
		tracker: tracker,
		logger:  logger.With("component", "window_guard", "provider", string(inner.Provider())),
	}
}

type windowedAdapter struct {
	Adapter
	tracker WindowTracker
	logger  *slog.Logger
}

func (w *windowedAdapter) SendText(ctx context.Context, line *Line, to, text string) (*SendResult, error) {
	if err := w.requireOpen(ctx, line, to); err != nil {
		return nil, err
	}
	res, err := w.Adapter.SendText(ctx, line, to, text)
	return w.recorded(ctx, line, to, res, err)
}

func (w *windowedAdapter) SendMedia(ctx context.Context, line *Line, to string, media Media) (*SendResult, error) {
	if err := w.requireOpen(ctx, line, to); err != nil {
		return nil, err
	}
	res, err := w.Adapter.SendMedia(ctx, line, to, media)
	return w.recorded(ctx, line, to, res, err)
}

func (w *windowedAdapter) SendInteractive(ctx context.Context, line *Line, to string, spec Interactive) (*SendResult, error) {
	if err := w.requireOpen(ctx, line, to); err != nil {
		return nil, err
	}
	res, err := w.Adapter.SendInteractive(ctx, line, to, spec)
	return w.recorded(ctx, line, to, res, err)
}

func (w *windowedAdapter) SendTemplate(ctx context.Context, line *Line, to string, tmpl Template) (*SendResult, error) {
	res, err := w.Adapter.SendTemplate(ctx, line, to, tmpl)
	return w.recorded(ctx, line, to, res, err)
}

// Unwrap returns the decorated adapter.
func (w *windowedAdapter) Unwrap() Adapter {
	return w.Adapter
}

func (w *windowedAdapter) requireOpen(ctx context.Context, line *Line, to string) error {
	st, err := w.tracker.CheckWindow(ctx, line.TenantID, line.LineIndex, to)
	if err != nil {
		return err
	}
	if st.RequiresTemplate {
		return &TemplateRequiredError{
			LastCustomerMessageAt: st.LastCustomerMessageAt,
			HoursExpired:          st.HoursExpired,
		}
	}
	return nil
}

func (w *windowedAdapter) recorded(ctx context.Context, line *Line, to string, res *SendResult, err error) (*SendResult, error) {
	if err != nil {
		return nil, err
	}
	key := store.SessionKey{TenantID: line.TenantID, LineIndex: line.LineIndex, ContactAddress: to}
	if recErr := w.tracker.RecordBusinessMessage(ctx, key, w.tracker.Now()); recErr != nil {
		// The vendor already accepted the message; only the bookkeeping failed.
		w.logger.Warn("failed to record business message",
			"tenant_id", line.TenantID,
			"line_index", line.LineIndex,
			"error", recErr)
	}
	return res, nil
}
