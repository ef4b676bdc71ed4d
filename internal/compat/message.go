// ABOUTME: Compatibility message objects shaped like the web client's message model
// ABOUTME: One concrete type per provider so handlers never branch on which backend delivered a message

package compat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/wa-gateway/internal/provider"
	"github.com/2389/wa-gateway/internal/store"
	"github.com/2389/wa-gateway/internal/window"
)

// Message is the object conversation handlers receive for every inbound
// message, whichever provider delivered it.
type Message interface {
	ID() string
	// From is the sender in chat id form, e.g. "15551234567@c.us".
	From() string
	Body() string
	// Type uses the web client's vocabulary: chat, image, video, audio, ptt,
	// document, sticker, location, vcard, multi_vcard, buttons_response,
	// list_response, reaction.
	Type() string
	// Timestamp is unix seconds.
	Timestamp() int64
	FromMe() bool
	HasMedia() bool
	// Event returns the canonical event behind the message.
	Event() *store.MessageEvent

	GetChat(ctx context.Context) (*Chat, error)
	GetContact(ctx context.Context) (*Contact, error)
	DownloadMedia(ctx context.Context) (*provider.MediaBlob, error)
	Reply(ctx context.Context, text string) (*provider.SendResult, error)
}

// Chat describes the conversation a message belongs to. Window is nil for
// providers without a service window.
type Chat struct {
	ID      string
	Name    string
	IsGroup bool
	Window  *window.State
}

// Contact describes the sender.
type Contact struct {
	ID         string
	Number     string
	Name       string
	IsBusiness bool
}

// Gateway is the per-line send surface a message replies through.
type Gateway interface {
	SendText(ctx context.Context, to, text string) (*provider.SendResult, error)
	DownloadMedia(ctx context.Context, mediaID string) (*provider.MediaBlob, error)
	CheckWindow(ctx context.Context, contact string) (*window.State, error)
}

// GatewayFunc resolves the gateway for a line.
type GatewayFunc func(ctx context.Context, tenantID string, lineIndex int) (Gateway, error)

// Deps are the collaborators compatibility messages call back into.
type Deps struct {
	Gateway  GatewayFunc
	Contacts store.ContactStore // optional; enriches cloud contacts with synced names
}

// ErrNoMedia is returned by DownloadMedia for messages without an attachment.
var ErrNoMedia = errors.New("message has no media")

// New wraps ev in the compatibility object for its provider.
func New(ev *store.MessageEvent, deps Deps) Message {
	base := baseMessage{ev: ev, deps: deps}
	switch ev.Provider {
	case store.ProviderLocal:
		return &localMessage{base}
	case store.ProviderBSP:
		return &bspMessage{base}
	default:
		return &cloudMessage{base}
	}
}

type baseMessage struct {
	ev   *store.MessageEvent
	deps Deps
}

func (m *baseMessage) ID() string                 { return m.ev.ExternalID }
func (m *baseMessage) Body() string               { return m.ev.Body }
func (m *baseMessage) Timestamp() int64           { return m.ev.Timestamp.Unix() }
func (m *baseMessage) FromMe() bool               { return m.ev.Direction == store.DirectionOutbound }
func (m *baseMessage) Event() *store.MessageEvent { return m.ev }

func (m *baseMessage) From() string {
	return ChatID(m.ev.ChatAddress)
}

func (m *baseMessage) Type() string {
	return webType(m.ev.ContentType, m.ev.Payload)
}

func (m *baseMessage) HasMedia() bool {
	switch m.ev.ContentType {
	case "image", "video", "audio", "document", "sticker":
		return true
	}
	return false
}

func (m *baseMessage) gateway(ctx context.Context) (Gateway, error) {
	if m.deps.Gateway == nil {
		return nil, fmt.Errorf("no gateway configured for replies")
	}
	return m.deps.Gateway(ctx, m.ev.TenantID, m.ev.LineIndex)
}

func (m *baseMessage) Reply(ctx context.Context, text string) (*provider.SendResult, error) {
	gw, err := m.gateway(ctx)
	if err != nil {
		return nil, err
	}
	return gw.SendText(ctx, m.ev.ChatAddress, text)
}

// vendorMediaID reads the media id out of a vendor media descriptor.
func (m *baseMessage) vendorMediaID() (string, error) {
	if !m.HasMedia() {
		return "", ErrNoMedia
	}
	var desc struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(m.ev.Payload, &desc); err != nil || desc.ID == "" {
		return "", fmt.Errorf("%w: no media id in descriptor", ErrNoMedia)
	}
	return desc.ID, nil
}

func (m *baseMessage) contact() *Contact {
	return &Contact{
		ID:     ChatID(m.ev.ChatAddress),
		Number: m.ev.ChatAddress,
		Name:   m.ev.SenderName,
	}
}

// localMessage came from an in-process web session. There is no service
// window and media is fetched by message id.
type localMessage struct{ baseMessage }

func (m *localMessage) GetChat(context.Context) (*Chat, error) {
	return &Chat{
		ID:      ChatID(m.ev.ChatAddress),
		Name:    m.ev.SenderName,
		IsGroup: strings.HasSuffix(m.ev.ChatAddress, "@g.us"),
	}, nil
}

func (m *localMessage) GetContact(context.Context) (*Contact, error) {
	return m.contact(), nil
}

func (m *localMessage) DownloadMedia(ctx context.Context) (*provider.MediaBlob, error) {
	if !m.HasMedia() {
		return nil, ErrNoMedia
	}
	gw, err := m.gateway(ctx)
	if err != nil {
		return nil, err
	}
	return gw.DownloadMedia(ctx, m.ev.ExternalID)
}

// bspMessage came through the BSP relay.
type bspMessage struct{ baseMessage }

func (m *bspMessage) GetChat(ctx context.Context) (*Chat, error) {
	return vendorChat(ctx, &m.baseMessage)
}

func (m *bspMessage) GetContact(context.Context) (*Contact, error) {
	return m.contact(), nil
}

func (m *bspMessage) DownloadMedia(ctx context.Context) (*provider.MediaBlob, error) {
	return vendorDownload(ctx, &m.baseMessage)
}

// cloudMessage came from the vendor Cloud API. Contact names prefer the
// business app address book when it has been synced.
type cloudMessage struct{ baseMessage }

func (m *cloudMessage) GetChat(ctx context.Context) (*Chat, error) {
	return vendorChat(ctx, &m.baseMessage)
}

func (m *cloudMessage) GetContact(ctx context.Context) (*Contact, error) {
	c := m.contact()
	if m.deps.Contacts == nil {
		return c, nil
	}
	synced, err := m.deps.Contacts.GetContact(ctx, m.ev.TenantID, m.ev.LineIndex, m.ev.ChatAddress)
	switch {
	case err == nil && !synced.Removed && synced.Name != "":
		c.Name = synced.Name
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("loading contact: %w", err)
	}
	return c, nil
}

func (m *cloudMessage) DownloadMedia(ctx context.Context) (*provider.MediaBlob, error) {
	return vendorDownload(ctx, &m.baseMessage)
}

func vendorChat(ctx context.Context, m *baseMessage) (*Chat, error) {
	gw, err := m.gateway(ctx)
	if err != nil {
		return nil, err
	}
	st, err := gw.CheckWindow(ctx, m.ev.ChatAddress)
	if err != nil {
		return nil, err
	}
	return &Chat{
		ID:     ChatID(m.ev.ChatAddress),
		Name:   m.ev.SenderName,
		Window: st,
	}, nil
}

func vendorDownload(ctx context.Context, m *baseMessage) (*provider.MediaBlob, error) {
	id, err := m.vendorMediaID()
	if err != nil {
		return nil, err
	}
	gw, err := m.gateway(ctx)
	if err != nil {
		return nil, err
	}
	return gw.DownloadMedia(ctx, id)
}

// ChatID renders an address as a web client chat id.
func ChatID(address string) string {
	if strings.Contains(address, "@") {
		return address
	}
	return address + "@c.us"
}

func webType(contentType string, payload json.RawMessage) string {
	switch contentType {
	case "text":
		return "chat"
	case "audio":
		var a struct {
			Voice bool `json:"voice"`
		}
		if json.Unmarshal(payload, &a) == nil && a.Voice {
			return "ptt"
		}
		return "audio"
	case "contacts":
		var cs []json.RawMessage
		if json.Unmarshal(payload, &cs) == nil && len(cs) > 1 {
			return "multi_vcard"
		}
		return "vcard"
	case "button":
		return "buttons_response"
	case "interactive":
		var i struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(payload, &i) == nil && i.Type == "list_reply" {
			return "list_response"
		}
		return "buttons_response"
	}
	return contentType
}
