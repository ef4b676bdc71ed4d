// ABOUTME: Cloud API account operations: embedded signup code exchange, verification, and templates
// ABOUTME: Covers phone_numbers, subscribed_apps, and paginated message_templates listings

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/2389/wa-gateway/internal/provider"
	"github.com/2389/wa-gateway/internal/store"
)

// maxTemplatePages stops a runaway paging.next chain.
const maxTemplatePages = 50

// PhoneNumber is a business phone number as reported by the vendor.
type PhoneNumber struct {
	ID                 string `json:"id"`
	DisplayPhoneNumber string `json:"display_phone_number"`
	VerifiedName       string `json:"verified_name"`
	QualityRating      string `json:"quality_rating"`
}

// ExchangeCode trades an embedded-signup authorization code for a business token.
func (a *Adapter) ExchangeCode(ctx context.Context, code string) (string, error) {
	if a.oauth.ClientID == "" || a.oauth.ClientSecret == "" {
		return "", fmt.Errorf("cloud app id and secret are required for code exchange")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return "", provider.DecodeVendorError(store.ProviderCloud, re.Response.StatusCode, re.Body)
		}
		return "", fmt.Errorf("exchanging signup code: %w", err)
	}
	return tok.AccessToken, nil
}

// VerifyCredential checks that token can read the phone number and returns its details.
func (a *Adapter) VerifyCredential(ctx context.Context, token, phoneNumberID string) (*PhoneNumber, error) {
	var pn PhoneNumber
	endpoint := a.base + "/" + url.PathEscape(phoneNumberID) +
		"?fields=id,display_phone_number,verified_name,quality_rating"
	if err := a.client.DoJSON(ctx, http.MethodGet, endpoint, bearer(token), nil, &pn); err != nil {
		return nil, err
	}
	return &pn, nil
}

// ListPhoneNumbers returns the phone numbers under a business account.
func (a *Adapter) ListPhoneNumbers(ctx context.Context, token, businessAccountID string) ([]PhoneNumber, error) {
	var resp struct {
		Data []PhoneNumber `json:"data"`
	}
	endpoint := a.base + "/" + url.PathEscape(businessAccountID) + "/phone_numbers"
	if err := a.client.DoJSON(ctx, http.MethodGet, endpoint, bearer(token), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// SubscribeApp subscribes the app to the business account's webhooks.
func (a *Adapter) SubscribeApp(ctx context.Context, token, businessAccountID string) error {
	var resp struct {
		Success bool `json:"success"`
	}
	endpoint := a.base + "/" + url.PathEscape(businessAccountID) + "/subscribed_apps"
	if err := a.client.DoJSON(ctx, http.MethodPost, endpoint, bearer(token), nil, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("subscribing app to business account %s was not acknowledged", businessAccountID)
	}
	return nil
}

type templatePage struct {
	Data []struct {
		ID         string          `json:"id"`
		Name       string          `json:"name"`
		Language   string          `json:"language"`
		Category   string          `json:"category"`
		Status     string          `json:"status"`
		Components json.RawMessage `json:"components"`
	} `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

// ListTemplates returns every template of the line's business account, following pagination.
func (a *Adapter) ListTemplates(ctx context.Context, line *provider.Line) ([]*store.MessageTemplate, error) {
	if line.BusinessAccountID == "" {
		return nil, fmt.Errorf("%w: tenant %s line %d has no business account id",
			provider.ErrConfigNotFound, line.TenantID, line.LineIndex)
	}
	header, err := a.auth(line)
	if err != nil {
		return nil, err
	}

	next := a.base + "/" + url.PathEscape(line.BusinessAccountID) +
		"/message_templates?fields=id,name,language,category,status,components&limit=100"

	var out []*store.MessageTemplate
	for page := 0; next != "" && page < maxTemplatePages; page++ {
		var resp templatePage
		if err := a.client.DoJSON(ctx, http.MethodGet, next, header, nil, &resp); err != nil {
			return nil, err
		}
		for _, t := range resp.Data {
			out = append(out, &store.MessageTemplate{
				TenantID:       line.TenantID,
				LineIndex:      line.LineIndex,
				TemplateID:     t.ID,
				Name:           t.Name,
				Language:       t.Language,
				Category:       t.Category,
				ApprovalStatus: strings.ToUpper(t.Status),
				Components:     t.Components,
			})
		}
		next = resp.Paging.Next
	}
	return out, nil
}
