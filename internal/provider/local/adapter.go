// ABOUTME: Local adapter that sends through an in-process WhatsApp Web session
// ABOUTME: Has no service window and no templates; interactive messages degrade to numbered text

package local

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/wa-gateway/internal/provider"
	"github.com/2389/wa-gateway/internal/store"
	"github.com/2389/wa-gateway/internal/websession"
)

// Sessions is the part of websession.Registry the adapter borrows from.
type Sessions interface {
	Lookup(key websession.Key) (websession.Session, bool)
}

// Adapter implements provider.Adapter over websession sessions.
type Adapter struct {
	sessions Sessions
	logger   *slog.Logger
}

// NewAdapter creates a local adapter. Pass nil logger for default.
func NewAdapter(sessions Sessions, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		sessions: sessions,
		logger:   logger.With("component", "local_adapter"),
	}
}

// Provider returns store.ProviderLocal.
func (a *Adapter) Provider() store.ProviderType {
	return store.ProviderLocal
}

func (a *Adapter) SendText(ctx context.Context, line *provider.Line, to, text string) (*provider.SendResult, error) {
	sess, err := a.session(line)
	if err != nil {
		return nil, err
	}
	id, err := sess.SendText(ctx, to, text)
	if err != nil {
		return nil, err
	}
	return &provider.SendResult{VendorMessageID: id}, nil
}

// SendMedia accepts either a URL or inline Data.
func (a *Adapter) SendMedia(ctx context.Context, line *provider.Line, to string, media provider.Media) (*provider.SendResult, error) {
	if err := provider.ValidateMediaType(media.Type); err != nil {
		return nil, err
	}
	if media.URL == "" && len(media.Data) == 0 {
		return nil, fmt.Errorf("media needs a url or inline data")
	}
	sess, err := a.session(line)
	if err != nil {
		return nil, err
	}
	id, err := sess.SendMedia(ctx, to, media)
	if err != nil {
		return nil, err
	}
	return &provider.SendResult{VendorMessageID: id}, nil
}

// SendTemplate is not available without the vendor API.
func (a *Adapter) SendTemplate(context.Context, *provider.Line, string, provider.Template) (*provider.SendResult, error) {
	return nil, provider.Unsupported(store.ProviderLocal, "templates")
}

// SendInteractive renders button and list messages as numbered text options.
func (a *Adapter) SendInteractive(ctx context.Context, line *provider.Line, to string, spec provider.Interactive) (*provider.SendResult, error) {
	parsed, err := spec.Parse()
	if err != nil {
		return nil, err
	}
	switch parsed.Type {
	case "button", "list":
	default:
		return nil, provider.Unsupported(store.ProviderLocal, "interactive "+parsed.Type)
	}
	if len(parsed.Options) == 0 {
		return nil, provider.Unsupported(store.ProviderLocal, "interactive without options")
	}
	return a.SendText(ctx, line, to, RenderOptions(parsed))
}

// MarkAsRead is a no-op: the web client marks chats read when they are opened.
func (a *Adapter) MarkAsRead(context.Context, *provider.Line, string) error {
	return nil
}

// LiveStatus checks the session itself instead of the persisted status.
func (a *Adapter) LiveStatus(_ context.Context, line *provider.Line) (store.LineStatus, error) {
	sess, ok := a.sessions.Lookup(key(line))
	if !ok || !sess.Connected() {
		return store.LineStatusDisconnected, nil
	}
	return store.LineStatusReady, nil
}

func (a *Adapter) DownloadMedia(ctx context.Context, line *provider.Line, mediaID string) (*provider.MediaBlob, error) {
	sess, err := a.session(line)
	if err != nil {
		return nil, err
	}
	return sess.DownloadMedia(ctx, mediaID)
}

func (a *Adapter) session(line *provider.Line) (websession.Session, error) {
	sess, ok := a.sessions.Lookup(key(line))
	if !ok {
		return nil, fmt.Errorf("%w: no active session for tenant %s line %d",
			provider.ErrConfigNotFound, line.TenantID, line.LineIndex)
	}
	return sess, nil
}

func key(line *provider.Line) websession.Key {
	return websession.Key{TenantID: line.TenantID, LineIndex: line.LineIndex}
}

// RenderOptions formats an interactive message as plain text with numbered choices.
func RenderOptions(p *provider.ParsedInteractive) string {
	var b strings.Builder
	if p.Header != "" {
		b.WriteString("*" + p.Header + "*\n\n")
	}
	if p.Body != "" {
		b.WriteString(p.Body + "\n\n")
	}
	for i, opt := range p.Options {
		fmt.Fprintf(&b, "%d. %s\n", i+1, opt.Title)
	}
	if p.Footer != "" {
		b.WriteString("\n_" + p.Footer + "_")
	}
	return strings.TrimRight(b.String(), "\n")
}

var _ provider.Adapter = (*Adapter)(nil)
