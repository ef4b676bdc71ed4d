// ABOUTME: Line API handlers over the facade: send, read receipts, status, window and media
// ABOUTME: Maps the provider error taxonomy onto HTTP status codes with a JSON error body

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/wa-gateway/internal/facade"
	"github.com/2389/wa-gateway/internal/provider"
	"github.com/2389/wa-gateway/internal/registry"
	"github.com/2389/wa-gateway/internal/vault"
)

// maxRequestBody bounds API request bodies; inline media is the largest case.
const maxRequestBody = 16 << 20

// Message types accepted by the send endpoint.
const (
	messageText        = "text"
	messageMedia       = "media"
	messageTemplate    = "template"
	messageInteractive = "interactive"
)

// SendRequest is the body of POST .../messages.
type SendRequest struct {
	To          string           `json:"to"`
	Type        string           `json:"type,omitempty"` // defaults to text
	Text        string           `json:"text,omitempty"`
	Media       *MediaRequest    `json:"media,omitempty"`
	Template    *TemplateRequest `json:"template,omitempty"`
	Interactive json.RawMessage  `json:"interactive,omitempty"`
}

// MediaRequest describes an attachment. Data is base64 in JSON and only
// accepted by local lines.
type MediaRequest struct {
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// TemplateRequest names an approved template. Components are forwarded verbatim.
type TemplateRequest struct {
	Name       string          `json:"name"`
	Language   string          `json:"language"`
	Components json.RawMessage `json:"components,omitempty"`
}

// SendResponse acknowledges an accepted message.
type SendResponse struct {
	MessageID string `json:"message_id"`
}

// WindowResponse reports the service window for one contact.
type WindowResponse struct {
	Contact               string     `json:"contact"`
	IsOpen                bool       `json:"is_open"`
	RequiresTemplate      bool       `json:"requires_template"`
	HoursRemaining        float64    `json:"hours_remaining"`
	HoursExpired          float64    `json:"hours_expired"`
	LastCustomerMessageAt *time.Time `json:"last_customer_message_at,omitempty"`
}

type readRequest struct {
	MessageID string `json:"message_id"`
}

// errorResponse is the JSON error body of every API failure.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`

	LastCustomerMessageAt *time.Time `json:"last_customer_message_at,omitempty"`
	HoursExpired          *float64   `json:"hours_expired,omitempty"`

	VendorStatus int    `json:"vendor_status,omitempty"`
	VendorCode   int    `json:"vendor_code,omitempty"`
	VendorBody   string `json:"vendor_body,omitempty"`
}

func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	fa, ok := g.lineFacade(w, r)
	if !ok {
		return
	}
	var req SendRequest
	if !g.decode(w, r, &req) {
		return
	}

	var (
		res *provider.SendResult
		err error
	)
	switch req.Type {
	case "", messageText:
		res, err = fa.SendText(r.Context(), req.To, req.Text)
	case messageMedia:
		if req.Media == nil {
			err = fmt.Errorf("%w: media is required", facade.ErrInvalidRequest)
			break
		}
		res, err = fa.SendMedia(r.Context(), req.To, provider.Media{
			Type:     provider.MediaType(req.Media.Type),
			URL:      req.Media.URL,
			Data:     req.Media.Data,
			MimeType: req.Media.MimeType,
			Filename: req.Media.Filename,
			Caption:  req.Media.Caption,
		})
	case messageTemplate:
		if req.Template == nil {
			err = fmt.Errorf("%w: template is required", facade.ErrInvalidRequest)
			break
		}
		res, err = fa.SendTemplate(r.Context(), req.To, provider.Template{
			Name:       req.Template.Name,
			Language:   req.Template.Language,
			Components: req.Template.Components,
		})
	case messageInteractive:
		res, err = fa.SendInteractive(r.Context(), req.To, provider.Interactive{Raw: req.Interactive})
	default:
		err = fmt.Errorf("%w: unknown message type %q", facade.ErrInvalidRequest, req.Type)
	}
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SendResponse{MessageID: res.VendorMessageID})
}

func (g *Gateway) handleMarkAsRead(w http.ResponseWriter, r *http.Request) {
	fa, ok := g.lineFacade(w, r)
	if !ok {
		return
	}
	var req readRequest
	if !g.decode(w, r, &req) {
		return
	}
	if err := fa.MarkAsRead(r.Context(), req.MessageID); err != nil {
		g.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	fa, ok := g.lineFacade(w, r)
	if !ok {
		return
	}
	st, err := fa.GetStatus(r.Context())
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (g *Gateway) handleWindow(w http.ResponseWriter, r *http.Request) {
	fa, ok := g.lineFacade(w, r)
	if !ok {
		return
	}
	contact := r.URL.Query().Get("contact")
	st, err := fa.CheckWindow(r.Context(), contact)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WindowResponse{
		Contact:               contact,
		IsOpen:                st.IsOpen,
		RequiresTemplate:      st.RequiresTemplate,
		HoursRemaining:        st.HoursRemaining,
		HoursExpired:          st.HoursExpired,
		LastCustomerMessageAt: st.LastCustomerMessageAt,
	})
}

func (g *Gateway) handleDownloadMedia(w http.ResponseWriter, r *http.Request) {
	fa, ok := g.lineFacade(w, r)
	if !ok {
		return
	}
	blob, err := fa.DownloadMedia(r.Context(), chi.URLParam(r, "mediaID"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	contentType := blob.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if blob.Filename != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": blob.Filename}))
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob.Data)
}

// lineParams parses the tenant and line path parameters.
func lineParams(r *http.Request) (string, int, error) {
	tenant := chi.URLParam(r, "tenant")
	line, err := strconv.Atoi(chi.URLParam(r, "line"))
	if err != nil || line < 0 {
		return "", 0, fmt.Errorf("%w: line must be a non-negative integer", facade.ErrInvalidRequest)
	}
	return tenant, line, nil
}

// lineFacade returns the facade for the addressed line, writing an error when
// the path is malformed.
func (g *Gateway) lineFacade(w http.ResponseWriter, r *http.Request) (*facade.Facade, bool) {
	tenant, line, err := lineParams(r)
	if err != nil {
		g.writeError(w, err)
		return nil, false
	}
	return g.facades.For(tenant, line), true
}

// decode reads a JSON body into v, writing a 400 on failure.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		g.writeError(w, fmt.Errorf("%w: decoding body: %v", facade.ErrInvalidRequest, err))
		return false
	}
	return true
}

// writeError maps an error kind onto a status code and JSON body.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	status, body := classifyError(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("api request failed", "kind", body.Kind, "error", err)
	}
	writeJSON(w, status, body)
}

func classifyError(err error) (int, errorResponse) {
	body := errorResponse{Error: err.Error()}

	var tmpl *provider.TemplateRequiredError
	var vendor *provider.VendorAPIError
	switch {
	case errors.As(err, &tmpl):
		body.Kind = "template_required"
		body.LastCustomerMessageAt = tmpl.LastCustomerMessageAt
		hours := tmpl.HoursExpired
		body.HoursExpired = &hours
		return http.StatusConflict, body
	case errors.Is(err, provider.ErrTemplateRequired):
		body.Kind = "template_required"
		return http.StatusConflict, body
	case errors.Is(err, provider.ErrConfigNotFound):
		body.Kind = "config_not_found"
		return http.StatusNotFound, body
	case errors.Is(err, provider.ErrUnsupportedOperation):
		body.Kind = "unsupported_operation"
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &vendor):
		body.Kind = "vendor_api_error"
		body.VendorStatus = vendor.StatusCode
		body.VendorCode = vendor.Code
		body.VendorBody = vendor.Body
		return http.StatusBadGateway, body
	case errors.Is(err, vault.ErrDecryption):
		body.Kind = "decryption_error"
		// Never echo credential handling details to API callers.
		body.Error = "stored credential could not be decrypted"
		return http.StatusInternalServerError, body
	case errors.Is(err, facade.ErrInvalidRequest), errors.Is(err, registry.ErrProviderConflict):
		body.Kind = "invalid_request"
		return http.StatusBadRequest, body
	}
	body.Kind = "internal"
	return http.StatusInternalServerError, body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// blank reports whether s is empty after trimming whitespace.
func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
