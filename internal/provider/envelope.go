// ABOUTME: Outbound message envelope shared by the BSP relay and the direct cloud API
// ABOUTME: Both vendors accept the same messaging_product/to/type body on their send endpoint

package provider

import (
	"encoding/json"
	"fmt"
)

const messagingProduct = "whatsapp"

// Envelope is the JSON body of a vendor send request.
type Envelope struct {
	MessagingProduct string          `json:"messaging_product"`
	RecipientType    string          `json:"recipient_type,omitempty"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Text             *TextBody       `json:"text,omitempty"`
	Image            *MediaBody      `json:"image,omitempty"`
	Video            *MediaBody      `json:"video,omitempty"`
	Audio            *MediaBody      `json:"audio,omitempty"`
	Document         *MediaBody      `json:"document,omitempty"`
	Template         *TemplateBody   `json:"template,omitempty"`
	Interactive      json.RawMessage `json:"interactive,omitempty"`
}

// TextBody is the text object of an envelope.
type TextBody struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

// MediaBody is the media object of an envelope.
type MediaBody struct {
	Link     string `json:"link"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// TemplateBody is the template object of an envelope.
type TemplateBody struct {
	Name       string          `json:"name"`
	Language   TemplateLang    `json:"language"`
	Components json.RawMessage `json:"components,omitempty"`
}

// TemplateLang selects the template translation.
type TemplateLang struct {
	Code string `json:"code"`
}

// ReadReceipt is the body that marks an inbound message as read.
type ReadReceipt struct {
	MessagingProduct string `json:"messaging_product"`
	Status           string `json:"status"`
	MessageID        string `json:"message_id"`
}

// SendResponse is the vendor reply to a successful send.
type SendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// MessageID returns the first vendor message id, or an error if none was returned.
func (r *SendResponse) MessageID() (string, error) {
	if len(r.Messages) == 0 || r.Messages[0].ID == "" {
		return "", fmt.Errorf("vendor response carried no message id")
	}
	return r.Messages[0].ID, nil
}

func newEnvelope(to, typ string) *Envelope {
	return &Envelope{
		MessagingProduct: messagingProduct,
		RecipientType:    "individual",
		To:               to,
		Type:             typ,
	}
}

// TextEnvelope builds a text send.
func TextEnvelope(to, text string) *Envelope {
	env := newEnvelope(to, "text")
	env.Text = &TextBody{Body: text}
	return env
}

// MediaEnvelope builds a media send from a URL-addressed attachment.
func MediaEnvelope(to string, m Media) (*Envelope, error) {
	if err := ValidateMediaType(m.Type); err != nil {
		return nil, err
	}

	body := &MediaBody{Link: m.URL, Caption: m.Caption}
	env := newEnvelope(to, string(m.Type))
	switch m.Type {
	case MediaImage:
		env.Image = body
	case MediaVideo:
		env.Video = body
	case MediaAudio:
		// Audio does not accept captions
		body.Caption = ""
		env.Audio = body
	case MediaDocument:
		body.Filename = m.Filename
		env.Document = body
	}
	return env, nil
}

// TemplateEnvelope builds a template send.
func TemplateEnvelope(to string, t Template) (*Envelope, error) {
	if t.Name == "" || t.Language == "" {
		return nil, fmt.Errorf("template name and language are required")
	}
	env := newEnvelope(to, "template")
	env.Template = &TemplateBody{
		Name:       t.Name,
		Language:   TemplateLang{Code: t.Language},
		Components: t.Components,
	}
	return env, nil
}

// InteractiveEnvelope builds an interactive send, forwarding the spec unchanged.
func InteractiveEnvelope(to string, spec Interactive) (*Envelope, error) {
	if !json.Valid(spec.Raw) {
		return nil, fmt.Errorf("interactive spec is not valid JSON")
	}
	env := newEnvelope(to, "interactive")
	env.Interactive = spec.Raw
	return env, nil
}

// NewReadReceipt builds a mark-as-read body.
func NewReadReceipt(messageID string) *ReadReceipt {
	return &ReadReceipt{
		MessagingProduct: messagingProduct,
		Status:           "read",
		MessageID:        messageID,
	}
}
