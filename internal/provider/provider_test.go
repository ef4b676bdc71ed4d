// ABOUTME: Tests for the provider contract helpers and the service-window decorator
// ABOUTME: Verifies closed windows never reach the inner adapter

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wa-gateway/internal/store"
	"github.com/2389/wa-gateway/internal/window"
)

var testNow = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func cloudLine() *Line {
	return &Line{PhoneLine: store.PhoneLine{
		TenantID: "t", LineIndex: 1, Provider: store.ProviderCloud, Status: store.LineStatusReady,
	}, Credential: "token"}
}

func newGuarded(t *testing.T) (Adapter, *FakeAdapter, *window.Tracker, *store.MockStore) {
	t.Helper()
	s := store.NewMockStore()
	tr := window.NewTracker(s, nil, window.WithClock(func() time.Time { return testNow }))
	inner := NewFakeAdapter(store.ProviderCloud)
	return EnforceWindow(inner, tr, nil), inner, tr, s
}

func TestEnforceWindow_ClosedWindowSkipsVendor(t *testing.T) {
	guarded, inner, tr, _ := newGuarded(t)
	ctx := context.Background()
	key := store.SessionKey{TenantID: "t", LineIndex: 1, ContactAddress: "c"}
	require.NoError(t, tr.RecordCustomerMessage(ctx, key, testNow.Add(-30*time.Hour)))

	_, err := guarded.SendText(ctx, cloudLine(), "c", "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTemplateRequired)

	var tre *TemplateRequiredError
	require.True(t, errors.As(err, &tre))
	assert.InDelta(t, 6.0, tre.HoursExpired, 0.01)
	require.NotNil(t, tre.LastCustomerMessageAt)

	_, err = guarded.SendMedia(ctx, cloudLine(), "c", Media{Type: MediaImage, URL: "https://x/y.png"})
	assert.ErrorIs(t, err, ErrTemplateRequired)
	_, err = guarded.SendInteractive(ctx, cloudLine(), "c", Interactive{Raw: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrTemplateRequired)

	assert.Empty(t, inner.Calls(), "vendor must not be called while the window is closed")
}

func TestEnforceWindow_NeverWroteIn(t *testing.T) {
	guarded, inner, _, _ := newGuarded(t)

	_, err := guarded.SendText(context.Background(), cloudLine(), "stranger", "hi")
	var tre *TemplateRequiredError
	require.ErrorAs(t, err, &tre)
	assert.Nil(t, tre.LastCustomerMessageAt)
	assert.Empty(t, inner.Calls())
}

func TestEnforceWindow_TemplateAlwaysAllowed(t *testing.T) {
	guarded, inner, _, s := newGuarded(t)
	ctx := context.Background()

	res, err := guarded.SendTemplate(ctx, cloudLine(), "c", Template{Name: "welcome", Language: "en"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.VendorMessageID)
	assert.Len(t, inner.Calls(), 1)

	sess, err := s.GetSession(ctx, store.SessionKey{TenantID: "t", LineIndex: 1, ContactAddress: "c"})
	require.NoError(t, err)
	require.NotNil(t, sess.LastBusinessMessageAt)
	assert.True(t, sess.LastBusinessMessageAt.Equal(testNow))
}

func TestEnforceWindow_OpenWindowRecordsBusinessMessage(t *testing.T) {
	guarded, inner, tr, s := newGuarded(t)
	ctx := context.Background()
	key := store.SessionKey{TenantID: "t", LineIndex: 1, ContactAddress: "c"}
	require.NoError(t, tr.RecordCustomerMessage(ctx, key, testNow.Add(-time.Hour)))

	_, err := guarded.SendText(ctx, cloudLine(), "c", "hi")
	require.NoError(t, err)
	require.Len(t, inner.Calls(), 1)
	assert.Equal(t, "SendText", inner.Calls()[0].Method)

	sess, err := s.GetSession(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, sess.LastBusinessMessageAt)
}

func TestEnforceWindow_VendorErrorNotRecorded(t *testing.T) {
	guarded, inner, tr, s := newGuarded(t)
	ctx := context.Background()
	key := store.SessionKey{TenantID: "t", LineIndex: 1, ContactAddress: "c"}
	require.NoError(t, tr.RecordCustomerMessage(ctx, key, testNow.Add(-time.Hour)))

	vendorErr := &VendorAPIError{Provider: store.ProviderCloud, StatusCode: 400, Message: "bad"}
	inner.Err = vendorErr

	_, err := guarded.SendText(ctx, cloudLine(), "c", "hi")
	assert.Same(t, vendorErr, err, "vendor errors pass through unmodified")

	sess, err := s.GetSession(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, sess.LastBusinessMessageAt)
}

func TestMediaRequireURL(t *testing.T) {
	tests := []struct {
		name    string
		media   Media
		wantErr bool
	}{
		{"https", Media{URL: "https://cdn.example.com/a.jpg"}, false},
		{"http", Media{URL: "http://cdn.example.com/a.jpg"}, false},
		{"inline data", Media{Data: []byte{1, 2}}, true},
		{"file scheme", Media{URL: "file:///etc/passwd"}, true},
		{"no host", Media{URL: "https:///x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.media.RequireURL(store.ProviderCloud)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedOperation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMediaEnvelope(t *testing.T) {
	env, err := MediaEnvelope("123", Media{Type: MediaDocument, URL: "https://x/a.pdf", Caption: "invoice", Filename: "a.pdf"})
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"messaging_product": "whatsapp",
		"recipient_type": "individual",
		"to": "123",
		"type": "document",
		"document": {"link": "https://x/a.pdf", "caption": "invoice", "filename": "a.pdf"}
	}`, string(data))

	_, err = MediaEnvelope("123", Media{Type: "sticker", URL: "https://x"})
	assert.Error(t, err)
}

func TestInteractiveParse(t *testing.T) {
	spec := Interactive{Raw: json.RawMessage(`{
		"type": "list",
		"body": {"text": "Pick one"},
		"action": {"button": "Menu", "sections": [
			{"title": "A", "rows": [{"id": "a1", "title": "First"}]},
			{"title": "B", "rows": [{"id": "b1", "title": "Second"}]}
		]}
	}`)}

	p, err := spec.Parse()
	require.NoError(t, err)
	assert.Equal(t, "list", p.Type)
	assert.Equal(t, "Pick one", p.Body)
	require.Len(t, p.Options, 2)
	assert.Equal(t, "Second", p.Options[1].Title)
}

func TestDecodeVendorError(t *testing.T) {
	graph := DecodeVendorError(store.ProviderCloud, 400,
		[]byte(`{"error":{"message":"Invalid parameter","type":"OAuthException","code":100}}`))
	assert.Equal(t, 100, graph.Code)
	assert.Equal(t, "Invalid parameter", graph.Message)

	legacy := DecodeVendorError(store.ProviderBSP, 401, []byte(`{"meta":{"developer_message":"Invalid api key"}}`))
	assert.Equal(t, "Invalid api key", legacy.Message)

	opaque := DecodeVendorError(store.ProviderBSP, 503, []byte(`<html>down</html>`))
	assert.Equal(t, "Service Unavailable", opaque.Message)
	assert.Equal(t, `<html>down</html>`, opaque.Body)
}
