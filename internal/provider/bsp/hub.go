// ABOUTME: Partner hub client that issues per-channel API keys and decodes relay templates
// ABOUTME: Used when a channel lifecycle webhook reports the channel as live

package bsp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/2389/wa-gateway/internal/provider"
	"github.com/2389/wa-gateway/internal/store"
)

// HubClient talks to the partner hub with the partner bearer token.
type HubClient struct {
	hubURL       string
	partnerID    string
	partnerToken string
	client       *provider.HTTPClient
}

// NewHubClient creates a hub client. Pass nil httpClient for the default.
func NewHubClient(hubURL, partnerID, partnerToken string, httpClient *http.Client) *HubClient {
	return &HubClient{
		hubURL:       strings.TrimRight(hubURL, "/"),
		partnerID:    partnerID,
		partnerToken: partnerToken,
		client:       provider.NewHTTPClient(store.ProviderBSP, httpClient),
	}
}

// IssuedKey is the hub response to an API key request.
type IssuedKey struct {
	APIKey  string `json:"api_key"`
	Address string `json:"address"`
	AppID   string `json:"app_id"`
}

// IssueAPIKey generates a new API key for the channel. The previous key, if
// any, stops working once the new one is issued.
func (h *HubClient) IssueAPIKey(ctx context.Context, channelID string) (*IssuedKey, error) {
	if h.partnerID == "" {
		return nil, fmt.Errorf("bsp partner id is not configured")
	}

	endpoint := fmt.Sprintf("%s/api/v2/partners/%s/channels/%s/api_keys",
		h.hubURL, url.PathEscape(h.partnerID), url.PathEscape(channelID))

	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.partnerToken)

	var key IssuedKey
	if err := h.client.DoJSON(ctx, http.MethodPost, endpoint, header, struct{}{}, &key); err != nil {
		return nil, err
	}
	if key.APIKey == "" {
		return nil, fmt.Errorf("hub returned no api key for channel %s", channelID)
	}
	return &key, nil
}

// templateItem is one entry of the relay template listing.
type templateItem struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Language   string          `json:"language"`
	Category   string          `json:"category"`
	Status     string          `json:"status"`
	Components json.RawMessage `json:"components"`
}

func (t templateItem) toStore(line *provider.Line) *store.MessageTemplate {
	id := t.ID
	if id == "" {
		// Older relay listings have no id; name and language are unique per account.
		id = t.Name + ":" + t.Language
	}
	return &store.MessageTemplate{
		TenantID:       line.TenantID,
		LineIndex:      line.LineIndex,
		TemplateID:     id,
		Name:           t.Name,
		Language:       t.Language,
		Category:       t.Category,
		ApprovalStatus: strings.ToUpper(t.Status),
		Components:     t.Components,
	}
}
