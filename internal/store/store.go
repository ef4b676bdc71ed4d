// ABOUTME: Store interfaces and data types for wa-gateway persistence
// ABOUTME: Defines phone lines, conversation sessions, message events, templates, and contacts

package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateLine is returned when creating a line that already exists
var ErrDuplicateLine = errors.New("phone line already exists")

// ProviderType identifies the backend a phone line talks through
type ProviderType string

const (
	ProviderLocal ProviderType = "local"        // in-process browser automation session
	ProviderBSP   ProviderType = "bsp_relay"    // Business Solution Provider REST relay
	ProviderCloud ProviderType = "direct_cloud" // vendor Cloud API
)

// Valid reports whether p is a known provider type.
func (p ProviderType) Valid() bool {
	switch p {
	case ProviderLocal, ProviderBSP, ProviderCloud:
		return true
	}
	return false
}

// EnforcesWindow reports whether the vendor enforces the 24-hour service window.
func (p ProviderType) EnforcesWindow() bool {
	return p == ProviderBSP || p == ProviderCloud
}

// LineStatus is the connection lifecycle state of a phone line
type LineStatus string

const (
	LineStatusPending      LineStatus = "pending"
	LineStatusReady        LineStatus = "ready"
	LineStatusDisconnected LineStatus = "disconnected"
	LineStatusError        LineStatus = "error"
)

// PhoneLine is the per-(tenant, line) provider configuration.
// EncryptedCredential is always vault ciphertext, never plaintext.
type PhoneLine struct {
	TenantID            string
	LineIndex           int
	Provider            ProviderType
	EncryptedCredential string
	ExternalChannelID   string // BSP channel id or Cloud phone number id
	BusinessAccountID   string // Cloud business account (WABA) id
	DisplayNumber       string
	Status              LineStatus
	StatusReason        string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SessionKey addresses one conversation: a contact on a tenant's line.
type SessionKey struct {
	TenantID       string
	LineIndex      int
	ContactAddress string
}

// NormalizeAddress reduces a contact address to the form used in session
// keys and the message log: digits only for personal chats. Group ids and
// addresses without digits are returned trimmed but otherwise unchanged.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasSuffix(addr, "@g.us") {
		return addr
	}
	user, _, _ := strings.Cut(addr, "@")
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, user)
	if digits == "" {
		return addr
	}
	return digits
}

// ConversationSession tracks the activity timestamps that drive the service window.
type ConversationSession struct {
	SessionKey
	LastCustomerMessageAt *time.Time
	LastBusinessMessageAt *time.Time
	UpdatedAt             time.Time
}

// Direction constants for message events
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Source constants describe how a message event reached the gateway
const (
	SourceLive    = "live"    // webhook or session push
	SourceHistory = "history" // coexistence history sync
	SourceEcho    = "echo"    // sent from the business app on the same number
	SourceAPI     = "api"     // sent through the gateway
)

// MessageEvent is the provider-independent record of one message.
// (TenantID, ExternalID) is unique; events are never updated once written.
type MessageEvent struct {
	ID          string
	TenantID    string
	LineIndex   int
	ExternalID  string
	Direction   string
	ChatAddress string
	ContentType string
	Body        string          // text body or caption
	Payload     json.RawMessage // structured content (media descriptor, location, interactive reply, ...)
	SenderName  string
	Provider    ProviderType
	Source      string
	Timestamp   time.Time
	CreatedAt   time.Time
}

// MessageReceipt is a delivery status reported by the vendor for an outbound message.
type MessageReceipt struct {
	TenantID   string
	ExternalID string
	Status     string // sent, delivered, read, failed
	Error      string
	Timestamp  time.Time
}

// MessageTemplate is a cached copy of a vendor-approved template.
// The vendor listing is authoritative.
type MessageTemplate struct {
	TenantID       string
	LineIndex      int
	TemplateID     string
	Name           string
	Language       string
	Category       string
	ApprovalStatus string
	Components     json.RawMessage
	UpdatedAt      time.Time
}

// Contact is an address-book entry synced from the business app.
type Contact struct {
	TenantID  string
	LineIndex int
	Address   string
	Name      string
	Removed   bool
	UpdatedAt time.Time
}

// LineStore persists phone line configuration and status.
type LineStore interface {
	CreateLine(ctx context.Context, line *PhoneLine) error
	GetLine(ctx context.Context, tenantID string, lineIndex int) (*PhoneLine, error)
	GetLineByExternalChannel(ctx context.Context, provider ProviderType, channelID string) (*PhoneLine, error)
	ListLinesByBusinessAccount(ctx context.Context, businessAccountID string) ([]*PhoneLine, error)
	ListLines(ctx context.Context) ([]*PhoneLine, error)
	UpdateLine(ctx context.Context, line *PhoneLine) error
	SetLineStatus(ctx context.Context, tenantID string, lineIndex int, status LineStatus, reason string) error
}

// SessionStore persists conversation window timestamps.
type SessionStore interface {
	GetSession(ctx context.Context, key SessionKey) (*ConversationSession, error)
	RecordCustomerMessage(ctx context.Context, key SessionKey, at time.Time) error
	RecordBusinessMessage(ctx context.Context, key SessionKey, at time.Time) error
}

// EventStore persists the canonical message log and delivery receipts.
type EventStore interface {
	// InsertMessageEvent reports whether a new row was created. A duplicate
	// (tenant, external id) is not an error.
	InsertMessageEvent(ctx context.Context, event *MessageEvent) (bool, error)
	GetMessageEvent(ctx context.Context, tenantID, externalID string) (*MessageEvent, error)
	ListMessageEvents(ctx context.Context, key SessionKey, limit int) ([]*MessageEvent, error)
	LatestInboundAt(ctx context.Context, key SessionKey) (time.Time, error)
	InsertReceipt(ctx context.Context, receipt *MessageReceipt) (bool, error)
	ListReceipts(ctx context.Context, tenantID, externalID string) ([]*MessageReceipt, error)
}

// TemplateStore persists the template cache.
type TemplateStore interface {
	// ReplaceTemplates upserts the given templates and deletes any cached
	// template for the line that is absent from the list.
	ReplaceTemplates(ctx context.Context, tenantID string, lineIndex int, templates []*MessageTemplate) (deleted int, err error)
	ListTemplates(ctx context.Context, tenantID string, lineIndex int) ([]*MessageTemplate, error)
}

// ContactStore persists contacts synced from the business app.
type ContactStore interface {
	UpsertContact(ctx context.Context, contact *Contact) error
	RemoveContact(ctx context.Context, tenantID string, lineIndex int, address string) error
	GetContact(ctx context.Context, tenantID string, lineIndex int, address string) (*Contact, error)
}

// Store combines every persistence concern of the gateway.
type Store interface {
	LineStore
	SessionStore
	EventStore
	TemplateStore
	ContactStore

	// Close releases any resources held by the store
	Close() error
}
