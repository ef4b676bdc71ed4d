// ABOUTME: Tests for the in-memory MockStore
// ABOUTME: Checks that the mock mirrors SQLite semantics callers depend on

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_ReturnsCopies(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	line := &PhoneLine{TenantID: "t", LineIndex: 1, Provider: ProviderLocal}
	require.NoError(t, m.CreateLine(ctx, line))

	got, err := m.GetLine(ctx, "t", 1)
	require.NoError(t, err)
	got.Provider = ProviderCloud

	again, err := m.GetLine(ctx, "t", 1)
	require.NoError(t, err)
	assert.Equal(t, ProviderLocal, again.Provider)
	assert.Equal(t, LineStatusPending, again.Status)
}

func TestMockStore_IdempotentEvents(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	ev := &MessageEvent{TenantID: "t", ExternalID: "x", Direction: DirectionInbound}
	created, err := m.InsertMessageEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = m.InsertMessageEvent(ctx, &MessageEvent{TenantID: "t", ExternalID: "x"})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestMockStore_SessionKeepsLater(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	key := SessionKey{TenantID: "t", LineIndex: 1, ContactAddress: "c"}

	now := time.Now().UTC()
	require.NoError(t, m.RecordCustomerMessage(ctx, key, now))
	require.NoError(t, m.RecordCustomerMessage(ctx, key, now.Add(-time.Hour)))

	sess, err := m.GetSession(ctx, key)
	require.NoError(t, err)
	assert.WithinDuration(t, now, *sess.LastCustomerMessageAt, time.Second)
}

func TestMockStore_ReplaceTemplates(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	_, err := m.ReplaceTemplates(ctx, "t", 1, []*MessageTemplate{{TemplateID: "a"}, {TemplateID: "b"}})
	require.NoError(t, err)

	deleted, err := m.ReplaceTemplates(ctx, "t", 1, []*MessageTemplate{{TemplateID: "b"}})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	list, err := m.ListTemplates(ctx, "t", 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].TemplateID)
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "15551234567", NormalizeAddress("+1 555-123-4567"))
	assert.Equal(t, "15551234567", NormalizeAddress("15551234567@c.us"))
	assert.Equal(t, "120363@g.us", NormalizeAddress("120363@g.us"))
	assert.Equal(t, "status", NormalizeAddress(" status "))
}
