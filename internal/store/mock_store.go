// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	lines     map[string]*PhoneLine          // keyed by "tenant:line"
	sessions  map[SessionKey]*ConversationSession
	events    map[string]*MessageEvent       // keyed by "tenant:externalID"
	receipts  map[string][]*MessageReceipt   // keyed by "tenant:externalID"
	templates map[string][]*MessageTemplate  // keyed by "tenant:line"
	contacts  map[SessionKey]*Contact
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		lines:     make(map[string]*PhoneLine),
		sessions:  make(map[SessionKey]*ConversationSession),
		events:    make(map[string]*MessageEvent),
		receipts:  make(map[string][]*MessageReceipt),
		templates: make(map[string][]*MessageTemplate),
		contacts:  make(map[SessionKey]*Contact),
	}
}

func lineKey(tenantID string, lineIndex int) string {
	return fmt.Sprintf("%s:%d", tenantID, lineIndex)
}

// CreateLine stores a new line.
func (m *MockStore) CreateLine(ctx context.Context, line *PhoneLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := lineKey(line.TenantID, line.LineIndex)
	if _, ok := m.lines[key]; ok {
		return ErrDuplicateLine
	}
	if line.ExternalChannelID != "" {
		for _, l := range m.lines {
			if l.Provider == line.Provider && l.ExternalChannelID == line.ExternalChannelID {
				return ErrDuplicateLine
			}
		}
	}

	now := time.Now().UTC()
	if line.CreatedAt.IsZero() {
		line.CreatedAt = now
	}
	if line.UpdatedAt.IsZero() {
		line.UpdatedAt = now
	}
	if line.Status == "" {
		line.Status = LineStatusPending
	}

	// Make a copy to avoid external modification
	l := *line
	m.lines[key] = &l
	return nil
}

// GetLine retrieves a line by tenant and index.
func (m *MockStore) GetLine(ctx context.Context, tenantID string, lineIndex int) (*PhoneLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.lines[lineKey(tenantID, lineIndex)]
	if !ok {
		return nil, ErrNotFound
	}
	result := *l
	return &result, nil
}

// GetLineByExternalChannel resolves a vendor channel id.
func (m *MockStore) GetLineByExternalChannel(ctx context.Context, provider ProviderType, channelID string) (*PhoneLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, l := range m.lines {
		if l.Provider == provider && l.ExternalChannelID == channelID && channelID != "" {
			result := *l
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// ListLinesByBusinessAccount returns lines registered under a business account.
func (m *MockStore) ListLinesByBusinessAccount(ctx context.Context, businessAccountID string) ([]*PhoneLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PhoneLine
	for _, l := range m.lines {
		if l.BusinessAccountID == businessAccountID && businessAccountID != "" {
			c := *l
			result = append(result, &c)
		}
	}
	sortLines(result)
	return result, nil
}

// ListLines returns all lines.
func (m *MockStore) ListLines(ctx context.Context) ([]*PhoneLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*PhoneLine, 0, len(m.lines))
	for _, l := range m.lines {
		c := *l
		result = append(result, &c)
	}
	sortLines(result)
	return result, nil
}

func sortLines(lines []*PhoneLine) {
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].TenantID != lines[j].TenantID {
			return lines[i].TenantID < lines[j].TenantID
		}
		return lines[i].LineIndex < lines[j].LineIndex
	})
}

// UpdateLine updates the mutable fields of a line.
func (m *MockStore) UpdateLine(ctx context.Context, line *PhoneLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.lines[lineKey(line.TenantID, line.LineIndex)]
	if !ok {
		return ErrNotFound
	}

	line.UpdatedAt = time.Now().UTC()
	existing.EncryptedCredential = line.EncryptedCredential
	existing.ExternalChannelID = line.ExternalChannelID
	existing.BusinessAccountID = line.BusinessAccountID
	existing.DisplayNumber = line.DisplayNumber
	existing.UpdatedAt = line.UpdatedAt
	return nil
}

// SetLineStatus records a status transition.
func (m *MockStore) SetLineStatus(ctx context.Context, tenantID string, lineIndex int, status LineStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lines[lineKey(tenantID, lineIndex)]
	if !ok {
		return ErrNotFound
	}
	l.Status = status
	l.StatusReason = reason
	return nil
}

// GetSession retrieves a conversation session.
func (m *MockStore) GetSession(ctx context.Context, key SessionKey) (*ConversationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// RecordCustomerMessage upserts the customer activity timestamp.
func (m *MockStore) RecordCustomerMessage(ctx context.Context, key SessionKey, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessionLocked(key)
	s.LastCustomerMessageAt = laterOf(s.LastCustomerMessageAt, at)
	return nil
}

// RecordBusinessMessage upserts the business activity timestamp.
func (m *MockStore) RecordBusinessMessage(ctx context.Context, key SessionKey, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessionLocked(key)
	s.LastBusinessMessageAt = laterOf(s.LastBusinessMessageAt, at)
	return nil
}

func (m *MockStore) sessionLocked(key SessionKey) *ConversationSession {
	s, ok := m.sessions[key]
	if !ok {
		s = &ConversationSession{SessionKey: key}
		m.sessions[key] = s
	}
	s.UpdatedAt = time.Now().UTC()
	return s
}

func laterOf(current *time.Time, at time.Time) *time.Time {
	at = at.UTC().Truncate(time.Second)
	if current != nil && !at.After(*current) {
		return current
	}
	return &at
}

// InsertMessageEvent stores an event unless it is a duplicate.
func (m *MockStore) InsertMessageEvent(ctx context.Context, event *MessageEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := event.TenantID + ":" + event.ExternalID
	if _, ok := m.events[key]; ok {
		return false, nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = event.CreatedAt
	}
	if event.Source == "" {
		event.Source = SourceLive
	}

	e := *event
	m.events[key] = &e
	return true, nil
}

// GetMessageEvent retrieves an event by vendor message id.
func (m *MockStore) GetMessageEvent(ctx context.Context, tenantID, externalID string) (*MessageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.events[tenantID+":"+externalID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *e
	return &result, nil
}

// ListMessageEvents returns the most recent events of a conversation in chronological order.
func (m *MockStore) ListMessageEvents(ctx context.Context, key SessionKey, limit int) ([]*MessageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*MessageEvent
	for _, e := range m.events {
		if e.TenantID == key.TenantID && e.LineIndex == key.LineIndex && e.ChatAddress == key.ContactAddress {
			c := *e
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	if len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// LatestInboundAt returns the newest inbound timestamp of a conversation.
func (m *MockStore) LatestInboundAt(ctx context.Context, key SessionKey) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest time.Time
	found := false
	for _, e := range m.events {
		if e.TenantID != key.TenantID || e.LineIndex != key.LineIndex ||
			e.ChatAddress != key.ContactAddress || e.Direction != DirectionInbound {
			continue
		}
		if !found || e.Timestamp.After(latest) {
			latest = e.Timestamp
			found = true
		}
	}
	if !found {
		return time.Time{}, ErrNotFound
	}
	return latest, nil
}

// InsertReceipt records a delivery status unless it is a repeat.
func (m *MockStore) InsertReceipt(ctx context.Context, receipt *MessageReceipt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := receipt.TenantID + ":" + receipt.ExternalID
	for _, r := range m.receipts[key] {
		if r.Status == receipt.Status {
			return false, nil
		}
	}
	if receipt.Timestamp.IsZero() {
		receipt.Timestamp = time.Now().UTC()
	}
	r := *receipt
	m.receipts[key] = append(m.receipts[key], &r)
	return true, nil
}

// ListReceipts returns every recorded status of a message.
func (m *MockStore) ListReceipts(ctx context.Context, tenantID, externalID string) ([]*MessageReceipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.receipts[tenantID+":"+externalID]
	result := make([]*MessageReceipt, 0, len(src))
	for _, r := range src {
		c := *r
		result = append(result, &c)
	}
	return result, nil
}

// ReplaceTemplates mirrors the vendor listing for a line.
func (m *MockStore) ReplaceTemplates(ctx context.Context, tenantID string, lineIndex int, templates []*MessageTemplate) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := lineKey(tenantID, lineIndex)
	keep := make(map[string]bool, len(templates))
	next := make([]*MessageTemplate, 0, len(templates))
	for _, t := range templates {
		c := *t
		c.TenantID = tenantID
		c.LineIndex = lineIndex
		c.UpdatedAt = time.Now().UTC()
		keep[c.TemplateID] = true
		next = append(next, &c)
	}

	deleted := 0
	for _, t := range m.templates[key] {
		if !keep[t.TemplateID] {
			deleted++
		}
	}
	m.templates[key] = next
	return deleted, nil
}

// ListTemplates returns the cached templates for a line.
func (m *MockStore) ListTemplates(ctx context.Context, tenantID string, lineIndex int) ([]*MessageTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.templates[lineKey(tenantID, lineIndex)]
	result := make([]*MessageTemplate, 0, len(src))
	for _, t := range src {
		c := *t
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].Language < result[j].Language
	})
	return result, nil
}

// UpsertContact creates or refreshes a contact.
func (m *MockStore) UpsertContact(ctx context.Context, contact *Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := SessionKey{TenantID: contact.TenantID, LineIndex: contact.LineIndex, ContactAddress: contact.Address}
	c := *contact
	if existing, ok := m.contacts[key]; ok && c.Name == "" {
		c.Name = existing.Name
	}
	c.Removed = false
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	m.contacts[key] = &c
	return nil
}

// RemoveContact marks a contact as removed.
func (m *MockStore) RemoveContact(ctx context.Context, tenantID string, lineIndex int, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := SessionKey{TenantID: tenantID, LineIndex: lineIndex, ContactAddress: address}
	c, ok := m.contacts[key]
	if !ok {
		c = &Contact{TenantID: tenantID, LineIndex: lineIndex, Address: address}
		m.contacts[key] = c
	}
	c.Removed = true
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// GetContact retrieves a contact.
func (m *MockStore) GetContact(ctx context.Context, tenantID string, lineIndex int, address string) (*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contacts[SessionKey{TenantID: tenantID, LineIndex: lineIndex, ContactAddress: address}]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
