// ABOUTME: ProviderAdapter contract implemented by the local, BSP relay, and direct cloud backends
// ABOUTME: Defines the resolved Line plus the outbound media, template, and interactive payload types

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/2389/wa-gateway/internal/store"
)

// Line is a phone line configuration with its credential already decrypted.
// It lives only in memory and is never persisted.
type Line struct {
	store.PhoneLine
	Credential string
}

// MediaType is the kind of media attachment.
type MediaType string

const (
	MediaImage    MediaType = "image"
	MediaVideo    MediaType = "video"
	MediaAudio    MediaType = "audio"
	MediaDocument MediaType = "document"
)

// ValidateMediaType returns an error unless t is one of the four media types.
func ValidateMediaType(t MediaType) error {
	switch t {
	case MediaImage, MediaVideo, MediaAudio, MediaDocument:
		return nil
	}
	return fmt.Errorf("invalid media type %q", t)
}

// Media is an outbound attachment. Cloud providers require URL; the local
// provider also accepts inline Data.
type Media struct {
	Type     MediaType
	URL      string
	Data     []byte
	MimeType string
	Filename string
	Caption  string
}

// RequireURL checks that the media is addressed by a fetchable http(s) URL.
func (m Media) RequireURL(p store.ProviderType) error {
	if m.URL == "" {
		return Unsupported(p, "inline media upload")
	}
	u, err := url.Parse(m.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Unsupported(p, "non-http media locator")
	}
	return nil
}

// Template is a pre-approved template send.
type Template struct {
	Name       string
	Language   string
	Components json.RawMessage // forwarded verbatim
}

// Interactive is an interactive message spec. Cloud providers forward Raw as-is.
type Interactive struct {
	Raw json.RawMessage
}

// InteractiveOption is one selectable choice inside an interactive message.
type InteractiveOption struct {
	ID    string
	Title string
}

// ParsedInteractive is the subset of an interactive spec needed to render it as plain text.
type ParsedInteractive struct {
	Type    string
	Header  string
	Body    string
	Footer  string
	Options []InteractiveOption
}

// Parse extracts the button or list options from the spec.
func (i Interactive) Parse() (*ParsedInteractive, error) {
	var spec struct {
		Type   string `json:"type"`
		Header struct {
			Text string `json:"text"`
		} `json:"header"`
		Body struct {
			Text string `json:"text"`
		} `json:"body"`
		Footer struct {
			Text string `json:"text"`
		} `json:"footer"`
		Action struct {
			Buttons []struct {
				Reply struct {
					ID    string `json:"id"`
					Title string `json:"title"`
				} `json:"reply"`
			} `json:"buttons"`
			Sections []struct {
				Title string `json:"title"`
				Rows  []struct {
					ID    string `json:"id"`
					Title string `json:"title"`
				} `json:"rows"`
			} `json:"sections"`
		} `json:"action"`
	}
	if err := json.Unmarshal(i.Raw, &spec); err != nil {
		return nil, fmt.Errorf("parsing interactive spec: %w", err)
	}

	p := &ParsedInteractive{
		Type:   spec.Type,
		Header: spec.Header.Text,
		Body:   spec.Body.Text,
		Footer: spec.Footer.Text,
	}
	for _, b := range spec.Action.Buttons {
		p.Options = append(p.Options, InteractiveOption{ID: b.Reply.ID, Title: b.Reply.Title})
	}
	for _, s := range spec.Action.Sections {
		for _, r := range s.Rows {
			p.Options = append(p.Options, InteractiveOption{ID: r.ID, Title: r.Title})
		}
	}
	return p, nil
}

// SendResult is the vendor acknowledgement of an outbound message.
type SendResult struct {
	VendorMessageID string
}

// MediaBlob is downloaded media content.
type MediaBlob struct {
	Data     []byte
	MimeType string
	Filename string
}

// Adapter is the uniform send contract over one backend. Implementations are
// stateless with respect to lines: every call receives the resolved Line.
type Adapter interface {
	Provider() store.ProviderType
	SendText(ctx context.Context, line *Line, to, text string) (*SendResult, error)
	SendMedia(ctx context.Context, line *Line, to string, media Media) (*SendResult, error)
	SendTemplate(ctx context.Context, line *Line, to string, tmpl Template) (*SendResult, error)
	SendInteractive(ctx context.Context, line *Line, to string, spec Interactive) (*SendResult, error)
	MarkAsRead(ctx context.Context, line *Line, messageID string) error
	// LiveStatus reports the connection status. Cloud-style adapters return
	// the persisted status; the local adapter checks its session.
	LiveStatus(ctx context.Context, line *Line) (store.LineStatus, error)
	DownloadMedia(ctx context.Context, line *Line, mediaID string) (*MediaBlob, error)
}

// TemplateLister is implemented by adapters whose vendor keeps a template catalogue.
type TemplateLister interface {
	ListTemplates(ctx context.Context, line *Line) ([]*store.MessageTemplate, error)
}
