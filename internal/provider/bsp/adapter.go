// ABOUTME: BSP relay adapter sending through the provider's Graph-compatible REST relay
// ABOUTME: Authenticates every call with the per-channel API key header

package bsp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/2389/wa-gateway/internal/provider"
	"github.com/2389/wa-gateway/internal/store"
)

// APIKeyHeader carries the per-channel API key.
const APIKeyHeader = "D360-API-KEY"

// Adapter implements provider.Adapter over the BSP relay.
type Adapter struct {
	baseURL string
	client  *provider.HTTPClient
	logger  *slog.Logger
}

// NewAdapter creates a relay adapter. Pass nil httpClient or logger for defaults.
func NewAdapter(baseURL string, httpClient *http.Client, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  provider.NewHTTPClient(store.ProviderBSP, httpClient),
		logger:  logger.With("component", "bsp_adapter"),
	}
}

// Provider returns store.ProviderBSP.
func (a *Adapter) Provider() store.ProviderType {
	return store.ProviderBSP
}

func (a *Adapter) SendText(ctx context.Context, line *provider.Line, to, text string) (*provider.SendResult, error) {
	return a.send(ctx, line, provider.TextEnvelope(to, text))
}

func (a *Adapter) SendMedia(ctx context.Context, line *provider.Line, to string, media provider.Media) (*provider.SendResult, error) {
	if err := media.RequireURL(store.ProviderBSP); err != nil {
		return nil, err
	}
	env, err := provider.MediaEnvelope(to, media)
	if err != nil {
		return nil, err
	}
	return a.send(ctx, line, env)
}

func (a *Adapter) SendTemplate(ctx context.Context, line *provider.Line, to string, tmpl provider.Template) (*provider.SendResult, error) {
	env, err := provider.TemplateEnvelope(to, tmpl)
	if err != nil {
		return nil, err
	}
	return a.send(ctx, line, env)
}

func (a *Adapter) SendInteractive(ctx context.Context, line *provider.Line, to string, spec provider.Interactive) (*provider.SendResult, error) {
	env, err := provider.InteractiveEnvelope(to, spec)
	if err != nil {
		return nil, err
	}
	return a.send(ctx, line, env)
}

// MarkAsRead marks an inbound message as read on the relay.
func (a *Adapter) MarkAsRead(ctx context.Context, line *provider.Line, messageID string) error {
	header, err := a.auth(line)
	if err != nil {
		return err
	}
	return a.client.DoJSON(ctx, http.MethodPost, a.baseURL+"/messages", header, provider.NewReadReceipt(messageID), nil)
}

// LiveStatus returns the persisted status; the relay reports changes by webhook.
func (a *Adapter) LiveStatus(_ context.Context, line *provider.Line) (store.LineStatus, error) {
	return line.Status, nil
}

// DownloadMedia resolves a media id and fetches the binary through the relay host.
func (a *Adapter) DownloadMedia(ctx context.Context, line *provider.Line, mediaID string) (*provider.MediaBlob, error) {
	header, err := a.auth(line)
	if err != nil {
		return nil, err
	}

	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := a.client.DoJSON(ctx, http.MethodGet, a.baseURL+"/"+url.PathEscape(mediaID), header, nil, &meta); err != nil {
		return nil, err
	}
	if meta.URL == "" {
		return nil, fmt.Errorf("relay returned no url for media %s", mediaID)
	}

	// The relay proxies the vendor CDN: keep path and query, swap the host.
	u, err := url.Parse(meta.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing media url: %w", err)
	}
	target := a.baseURL + u.EscapedPath()
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}

	blob, err := a.client.Fetch(ctx, target, header)
	if err != nil {
		return nil, err
	}
	if meta.MimeType != "" {
		blob.MimeType = meta.MimeType
	}
	return blob, nil
}

// ListTemplates returns the templates registered for the channel.
func (a *Adapter) ListTemplates(ctx context.Context, line *provider.Line) ([]*store.MessageTemplate, error) {
	header, err := a.auth(line)
	if err != nil {
		return nil, err
	}

	var resp struct {
		WabaTemplates []templateItem `json:"waba_templates"`
	}
	if err := a.client.DoJSON(ctx, http.MethodGet, a.baseURL+"/v1/configs/templates", header, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]*store.MessageTemplate, 0, len(resp.WabaTemplates))
	for _, t := range resp.WabaTemplates {
		out = append(out, t.toStore(line))
	}
	return out, nil
}

func (a *Adapter) send(ctx context.Context, line *provider.Line, env *provider.Envelope) (*provider.SendResult, error) {
	header, err := a.auth(line)
	if err != nil {
		return nil, err
	}

	var resp provider.SendResponse
	if err := a.client.DoJSON(ctx, http.MethodPost, a.baseURL+"/messages", header, env, &resp); err != nil {
		return nil, err
	}
	id, err := resp.MessageID()
	if err != nil {
		return nil, err
	}

	a.logger.Debug("message sent",
		"tenant_id", line.TenantID,
		"line_index", line.LineIndex,
		"type", env.Type,
		"external_id", id)
	return &provider.SendResult{VendorMessageID: id}, nil
}

func (a *Adapter) auth(line *provider.Line) (http.Header, error) {
	if line.Credential == "" {
		return nil, fmt.Errorf("%w: tenant %s line %d has no api key (status %s)",
			provider.ErrConfigNotFound, line.TenantID, line.LineIndex, line.Status)
	}
	h := http.Header{}
	h.Set(APIKeyHeader, line.Credential)
	return h, nil
}

var (
	_ provider.Adapter        = (*Adapter)(nil)
	_ provider.TemplateLister = (*Adapter)(nil)
)
