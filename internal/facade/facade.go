// ABOUTME: Gateway facade giving collaborators one send/status surface per (tenant, line)
// ABOUTME: Routes every call to the adapter of the persisted provider and records outbound traffic

package facade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/2389/wa-gateway/internal/compat"
	"github.com/2389/wa-gateway/internal/events"
	"github.com/2389/wa-gateway/internal/provider"
	"github.com/2389/wa-gateway/internal/store"
	"github.com/2389/wa-gateway/internal/waformat"
	"github.com/2389/wa-gateway/internal/window"
)

// ErrInvalidRequest is returned for calls rejected before reaching an adapter.
var ErrInvalidRequest = errors.New("invalid request")

// Lines is the part of the connection registry the facade reads.
type Lines interface {
	Get(ctx context.Context, tenantID string, lineIndex int) (*provider.Line, error)
	Config(ctx context.Context, tenantID string, lineIndex int) (*store.PhoneLine, error)
}

// Windows answers service window questions.
type Windows interface {
	CheckWindow(ctx context.Context, tenantID string, lineIndex int, contact string) (*window.State, error)
}

// Config wires a Factory. Events and Publisher are optional.
type Config struct {
	Lines     Lines
	Windows   Windows
	Events    store.EventStore
	Publisher events.Publisher
	// Markdown converts outgoing text and captions from Markdown to WhatsApp markup.
	Markdown bool
}

// Factory hands out facades and holds the adapter for each provider type.
type Factory struct {
	cfg      Config
	adapters map[store.ProviderType]provider.Adapter
	logger   *slog.Logger
}

// NewFactory creates a factory. Pass nil logger for default.
func NewFactory(cfg Config, logger *slog.Logger, adapters ...provider.Adapter) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		cfg:      cfg,
		adapters: make(map[store.ProviderType]provider.Adapter, len(adapters)),
		logger:   logger.With("component", "facade"),
	}
	for _, a := range adapters {
		f.adapters[a.Provider()] = a
	}
	return f
}

// For returns a facade for one line. Nothing is loaded until the first call.
func (f *Factory) For(tenantID string, lineIndex int) *Facade {
	return &Facade{factory: f, tenantID: tenantID, lineIndex: lineIndex}
}

// Gateway resolves a line's facade for compatibility messages.
func (f *Factory) Gateway(_ context.Context, tenantID string, lineIndex int) (compat.Gateway, error) {
	return f.For(tenantID, lineIndex), nil
}

// Facade is the per-line surface. The line configuration and credential are
// loaded on first use and kept for the facade's lifetime, so a facade should
// live no longer than the request or conversation that created it.
type Facade struct {
	factory   *Factory
	tenantID  string
	lineIndex int

	mu      sync.Mutex
	line    *provider.Line
	adapter provider.Adapter
}

// Status is the reported connection state of a line.
type Status struct {
	TenantID      string             `json:"tenant_id"`
	LineIndex     int                `json:"line_index"`
	Provider      store.ProviderType `json:"provider"`
	Status        store.LineStatus   `json:"status"`
	Reason        string             `json:"reason,omitempty"`
	DisplayNumber string             `json:"display_number,omitempty"`
}

func (fa *Facade) load(ctx context.Context) (*provider.Line, provider.Adapter, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if fa.line != nil {
		return fa.line, fa.adapter, nil
	}

	line, err := fa.factory.cfg.Lines.Get(ctx, fa.tenantID, fa.lineIndex)
	if err != nil {
		return nil, nil, err
	}
	adapter, ok := fa.factory.adapters[line.Provider]
	if !ok {
		return nil, nil, fmt.Errorf("%w: no adapter registered for %s", provider.ErrUnsupportedOperation, line.Provider)
	}
	fa.line, fa.adapter = line, adapter
	return line, adapter, nil
}

// Provider returns the line's configured provider type.
func (fa *Facade) Provider(ctx context.Context) (store.ProviderType, error) {
	line, _, err := fa.load(ctx)
	if err != nil {
		return "", err
	}
	return line.Provider, nil
}

// SendText sends a free-form text message.
func (fa *Facade) SendText(ctx context.Context, to, text string) (*provider.SendResult, error) {
	to, err := recipient(to)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text is empty", ErrInvalidRequest)
	}
	line, adapter, err := fa.load(ctx)
	if err != nil {
		return nil, err
	}

	text = fa.format(text)
	res, err := adapter.SendText(ctx, line, to, text)
	if err != nil {
		return nil, err
	}
	fa.recordOutbound(ctx, line, res, to, "text", text, nil)
	return res, nil
}

// SendMedia sends an image, video, audio clip or document.
func (fa *Facade) SendMedia(ctx context.Context, to string, media provider.Media) (*provider.SendResult, error) {
	to, err := recipient(to)
	if err != nil {
		return nil, err
	}
	if err := provider.ValidateMediaType(media.Type); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	line, adapter, err := fa.load(ctx)
	if err != nil {
		return nil, err
	}

	if media.Caption != "" {
		media.Caption = fa.format(media.Caption)
	}
	res, err := adapter.SendMedia(ctx, line, to, media)
	if err != nil {
		return nil, err
	}
	desc, _ := json.Marshal(map[string]string{
		"link":      media.URL,
		"mime_type": media.MimeType,
		"filename":  media.Filename,
	})
	fa.recordOutbound(ctx, line, res, to, string(media.Type), media.Caption, desc)
	return res, nil
}

// SendTemplate sends a pre-approved template. Templates are allowed outside
// the service window.
func (fa *Facade) SendTemplate(ctx context.Context, to string, tmpl provider.Template) (*provider.SendResult, error) {
	to, err := recipient(to)
	if err != nil {
		return nil, err
	}
	if tmpl.Name == "" || tmpl.Language == "" {
		return nil, fmt.Errorf("%w: template name and language are required", ErrInvalidRequest)
	}
	line, adapter, err := fa.load(ctx)
	if err != nil {
		return nil, err
	}

	res, err := adapter.SendTemplate(ctx, line, to, tmpl)
	if err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(tmpl)
	fa.recordOutbound(ctx, line, res, to, "template", tmpl.Name, payload)
	return res, nil
}

// SendInteractive sends a button or list message.
func (fa *Facade) SendInteractive(ctx context.Context, to string, spec provider.Interactive) (*provider.SendResult, error) {
	to, err := recipient(to)
	if err != nil {
		return nil, err
	}
	parsed, err := spec.Parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	line, adapter, err := fa.load(ctx)
	if err != nil {
		return nil, err
	}

	res, err := adapter.SendInteractive(ctx, line, to, spec)
	if err != nil {
		return nil, err
	}
	fa.recordOutbound(ctx, line, res, to, "interactive", parsed.Body, spec.Raw)
	return res, nil
}

// MarkAsRead marks an inbound message as read.
func (fa *Facade) MarkAsRead(ctx context.Context, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidRequest)
	}
	line, adapter, err := fa.load(ctx)
	if err != nil {
		return err
	}
	return adapter.MarkAsRead(ctx, line, messageID)
}

// DownloadMedia fetches the binary content of a received attachment.
func (fa *Facade) DownloadMedia(ctx context.Context, mediaID string) (*provider.MediaBlob, error) {
	if mediaID == "" {
		return nil, fmt.Errorf("%w: media id is required", ErrInvalidRequest)
	}
	line, adapter, err := fa.load(ctx)
	if err != nil {
		return nil, err
	}
	return adapter.DownloadMedia(ctx, line, mediaID)
}

// GetStatus reports the persisted status for vendor lines and a live check
// of the session for local lines.
func (fa *Facade) GetStatus(ctx context.Context) (*Status, error) {
	line, adapter, err := fa.load(ctx)
	if err != nil {
		return nil, err
	}

	// Re-read so a lifecycle transition after the facade was built is visible.
	current, err := fa.factory.cfg.Lines.Config(ctx, fa.tenantID, fa.lineIndex)
	if err != nil {
		return nil, err
	}
	st := &Status{
		TenantID:      current.TenantID,
		LineIndex:     current.LineIndex,
		Provider:      current.Provider,
		Status:        current.Status,
		Reason:        current.StatusReason,
		DisplayNumber: current.DisplayNumber,
	}
	if !line.Provider.EnforcesWindow() {
		live, err := adapter.LiveStatus(ctx, line)
		if err != nil {
			return nil, err
		}
		st.Status = live
	}
	return st, nil
}

// CheckWindow reports the service window for a contact. Lines whose provider
// has no window are always open.
func (fa *Facade) CheckWindow(ctx context.Context, contact string) (*window.State, error) {
	contact, err := recipient(contact)
	if err != nil {
		return nil, err
	}
	line, _, err := fa.load(ctx)
	if err != nil {
		return nil, err
	}
	if !line.Provider.EnforcesWindow() {
		return &window.State{IsOpen: true}, nil
	}
	return fa.factory.cfg.Windows.CheckWindow(ctx, fa.tenantID, fa.lineIndex, contact)
}

func (fa *Facade) format(text string) string {
	if !fa.factory.cfg.Markdown {
		return text
	}
	return waformat.Convert(text)
}

// recordOutbound persists and publishes a successful send. The vendor has
// already accepted the message, so failures here are only logged.
func (fa *Facade) recordOutbound(ctx context.Context, line *provider.Line, res *provider.SendResult, to, contentType, body string, payload json.RawMessage) {
	logger := fa.factory.logger
	if res == nil || res.VendorMessageID == "" {
		logger.Warn("send returned no message id, not recorded",
			"tenant_id", line.TenantID,
			"line_index", line.LineIndex,
			"provider", line.Provider)
		return
	}

	ev := &store.MessageEvent{
		TenantID:    line.TenantID,
		LineIndex:   line.LineIndex,
		ExternalID:  res.VendorMessageID,
		Direction:   store.DirectionOutbound,
		ChatAddress: to,
		ContentType: contentType,
		Body:        body,
		Payload:     payload,
		Provider:    line.Provider,
		Source:      store.SourceAPI,
	}

	if es := fa.factory.cfg.Events; es != nil {
		created, err := es.InsertMessageEvent(ctx, ev)
		if err != nil {
			logger.Error("failed to record outbound message",
				"tenant_id", line.TenantID,
				"line_index", line.LineIndex,
				"external_id", ev.ExternalID,
				"error", err)
			return
		}
		if !created {
			return
		}
	}

	if pub := fa.factory.cfg.Publisher; pub != nil {
		if err := pub.Publish(ctx, events.NewMessageEvent(ev)); err != nil {
			logger.Error("failed to publish outbound message",
				"external_id", ev.ExternalID,
				"error", err)
		}
	}
}

func recipient(to string) (string, error) {
	to = store.NormalizeAddress(to)
	if to == "" {
		return "", fmt.Errorf("%w: recipient is required", ErrInvalidRequest)
	}
	return to, nil
}

var _ compat.Gateway = (*Facade)(nil)
