// ABOUTME: Direct cloud adapter speaking the vendor's versioned Graph REST API
// ABOUTME: Sends messages per phone number id with the line's bearer token

package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"

	"github.com/2389/wa-gateway/internal/provider"
	"github.com/2389/wa-gateway/internal/store"
)

// mediaURLTTL bounds how long a resolved media URL is reused. The vendor
// signs these URLs for a few minutes only.
const mediaURLTTL = 5 * time.Minute

// Config configures the cloud adapter.
type Config struct {
	GraphURL   string
	APIVersion string
	AppID      string
	AppSecret  string
	HTTPClient *http.Client
}

// Adapter implements provider.Adapter over the vendor Cloud API.
type Adapter struct {
	base       string
	client     *provider.HTTPClient
	httpClient *http.Client
	oauth      oauth2.Config
	mediaURLs  *cache.Cache
	logger     *slog.Logger
}

// NewAdapter creates a cloud adapter. Pass nil logger for default.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	client := provider.NewHTTPClient(store.ProviderCloud, cfg.HTTPClient)
	base := strings.TrimRight(cfg.GraphURL, "/") + "/" + strings.Trim(cfg.APIVersion, "/")

	return &Adapter{
		base:       base,
		client:     client,
		httpClient: client.HTTP,
		oauth: oauth2.Config{
			ClientID:     cfg.AppID,
			ClientSecret: cfg.AppSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  base + "/oauth/access_token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		mediaURLs: cache.New(mediaURLTTL, 2*mediaURLTTL),
		logger:    logger.With("component", "cloud_adapter"),
	}
}

// Provider returns store.ProviderCloud.
func (a *Adapter) Provider() store.ProviderType {
	return store.ProviderCloud
}

func (a *Adapter) SendText(ctx context.Context, line *provider.Line, to, text string) (*provider.SendResult, error) {
	return a.send(ctx, line, provider.TextEnvelope(to, text))
}

func (a *Adapter) SendMedia(ctx context.Context, line *provider.Line, to string, media provider.Media) (*provider.SendResult, error) {
	if err := media.RequireURL(store.ProviderCloud); err != nil {
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

// MarkAsRead marks an inbound message as read.
func (a *Adapter) MarkAsRead(ctx context.Context, line *provider.Line, messageID string) error {
	header, err := a.auth(line)
	if err != nil {
		return err
	}
	return a.client.DoJSON(ctx, http.MethodPost, a.messagesURL(line), header, provider.NewReadReceipt(messageID), nil)
}

// LiveStatus returns the persisted status; the vendor reports changes by webhook.
func (a *Adapter) LiveStatus(_ context.Context, line *provider.Line) (store.LineStatus, error) {
	return line.Status, nil
}

type mediaMeta struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

// DownloadMedia resolves a media id to its signed URL and fetches it.
func (a *Adapter) DownloadMedia(ctx context.Context, line *provider.Line, mediaID string) (*provider.MediaBlob, error) {
	header, err := a.auth(line)
	if err != nil {
		return nil, err
	}

	// Keyed per line: the vendor only resolves a media id for the token that
	// can see it, so another line must go through its own lookup.
	key := fmt.Sprintf("%s|%d|%s", line.TenantID, line.LineIndex, mediaID)
	var meta mediaMeta
	if cached, ok := a.mediaURLs.Get(key); ok {
		meta = cached.(mediaMeta)
	} else {
		if err := a.client.DoJSON(ctx, http.MethodGet, a.base+"/"+url.PathEscape(mediaID), header, nil, &meta); err != nil {
			return nil, err
		}
		if meta.URL == "" {
			return nil, fmt.Errorf("vendor returned no url for media %s", mediaID)
		}
		a.mediaURLs.Set(key, meta, cache.DefaultExpiration)
	}

	blob, err := a.client.Fetch(ctx, meta.URL, header)
	if err != nil {
		return nil, err
	}
	if meta.MimeType != "" {
		blob.MimeType = meta.MimeType
	}
	return blob, nil
}

func (a *Adapter) send(ctx context.Context, line *provider.Line, env *provider.Envelope) (*provider.SendResult, error) {
	header, err := a.auth(line)
	if err != nil {
		return nil, err
	}

	var resp provider.SendResponse
	if err := a.client.DoJSON(ctx, http.MethodPost, a.messagesURL(line), header, env, &resp); err != nil {
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

func (a *Adapter) messagesURL(line *provider.Line) string {
	return a.base + "/" + url.PathEscape(line.ExternalChannelID) + "/messages"
}

func (a *Adapter) auth(line *provider.Line) (http.Header, error) {
	if line.Credential == "" || line.ExternalChannelID == "" {
		return nil, fmt.Errorf("%w: tenant %s line %d has no access token or phone number id (status %s)",
			provider.ErrConfigNotFound, line.TenantID, line.LineIndex, line.Status)
	}
	return bearer(line.Credential), nil
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

var (
	_ provider.Adapter        = (*Adapter)(nil)
	_ provider.TemplateLister = (*Adapter)(nil)
)
