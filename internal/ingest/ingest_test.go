// ABOUTME: Tests for webhook ingestion across relay, cloud, and local session traffic
// ABOUTME: Covers idempotent re-delivery, channel go-live, echoes, coexistence sync, and receipts

package ingest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wa-gateway/internal/compat"
	"github.com/2389/wa-gateway/internal/events"
	"github.com/2389/wa-gateway/internal/provider/bsp"
	"github.com/2389/wa-gateway/internal/registry"
	"github.com/2389/wa-gateway/internal/store"
	"github.com/2389/wa-gateway/internal/vault"
	"github.com/2389/wa-gateway/internal/websession"
	"github.com/2389/wa-gateway/internal/window"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) Publish(_ context.Context, ev *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) ofType(t events.Type) []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeHub struct {
	calls []string
	err   error
}

func (h *fakeHub) IssueAPIKey(_ context.Context, channelID string) (*bsp.IssuedKey, error) {
	h.calls = append(h.calls, channelID)
	if h.err != nil {
		return nil, h.err
	}
	return &bsp.IssuedKey{APIKey: "issued-key-" + channelID, Address: "+4915112345"}, nil
}

type harness struct {
	store    *store.MockStore
	registry *registry.Registry
	vault    *vault.Vault
	pub      *recorder
	hub      *fakeHub
	handled  []compat.Message
	in       *Ingester
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	v, err := vault.New(testKey)
	require.NoError(t, err)

	h := &harness{
		store: store.NewMockStore(),
		vault: v,
		pub:   &recorder{},
		hub:   &fakeHub{},
	}
	h.registry = registry.New(h.store, v, nil)
	h.in = h.newIngester()
	return h
}

// newIngester builds a fresh ingester over the same store, with an empty
// recently-seen set.
func (h *harness) newIngester() *Ingester {
	return New(Deps{
		Store:     h.store,
		Lines:     h.registry,
		Sessions:  window.NewTracker(h.store, nil),
		Publisher: h.pub,
		Hub:       h.hub,
		Handler: func(_ context.Context, msg compat.Message) {
			h.handled = append(h.handled, msg)
		},
	}, nil)
}

func (h *harness) readyLine(t *testing.T, tenant string, idx int, p store.ProviderType, channel, account string) {
	t.Helper()
	ctx := context.Background()
	_, err := h.registry.CreatePending(ctx, store.PhoneLine{
		TenantID: tenant, LineIndex: idx, Provider: p,
		ExternalChannelID: channel, BusinessAccountID: account,
	})
	require.NoError(t, err)
	require.NoError(t, h.registry.MarkReady(ctx, tenant, idx, "secret", registry.ReadyDetails{}))
}

const cloudInbound = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "PN1"},
        "contacts": [{"profile": {"name": "Ana"}, "wa_id": "15551234567"}],
        "messages": [{
          "from": "15551234567",
          "id": "wamid.IN1",
          "timestamp": "1700000000",
          "type": "text",
          "text": {"body": "hello"}
        }]
      }
    }]
  }]
}`

func TestIngestCloud_DuplicateDeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.readyLine(t, "t1", 0, store.ProviderCloud, "PN1", "WABA1")
	ctx := context.Background()

	require.NoError(t, h.in.IngestCloud(ctx, []byte(cloudInbound)))
	require.NoError(t, h.in.IngestCloud(ctx, []byte(cloudInbound)))

	// A restarted process has an empty recently-seen set; the store still dedupes.
	require.NoError(t, h.newIngester().IngestCloud(ctx, []byte(cloudInbound)))

	key := store.SessionKey{TenantID: "t1", LineIndex: 0, ContactAddress: "15551234567"}
	stored, err := h.store.ListMessageEvents(ctx, key, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "hello", stored[0].Body)
	assert.Equal(t, "Ana", stored[0].SenderName)
	assert.Equal(t, store.DirectionInbound, stored[0].Direction)

	assert.Len(t, h.pub.ofType(events.TypeMessageInbound), 1)
	require.Len(t, h.handled, 1)
	assert.Equal(t, "15551234567@c.us", h.handled[0].From())
	assert.Equal(t, "chat", h.handled[0].Type())

	sess, err := h.store.GetSession(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, sess.LastCustomerMessageAt)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), sess.LastCustomerMessageAt.UTC())
}

// A failed insert releases its claim, so the next copy of the same message
// that reaches this ingester is stored instead of dropped as a duplicate.
func TestIngestCloud_StoreFailureReleasesClaim(t *testing.T) {
	h := newHarness(t)
	h.readyLine(t, "t1", 0, store.ProviderCloud, "PN1", "WABA1")

	failing := &failingEvents{MockStore: h.store, fail: true}
	h.in.deps.Store = failing

	err := h.in.IngestCloud(context.Background(), []byte(cloudInbound))
	require.Error(t, err)

	failing.fail = false
	require.NoError(t, h.in.IngestCloud(context.Background(), []byte(cloudInbound)))
	assert.Len(t, h.handled, 1)
}

type failingEvents struct {
	*store.MockStore
	fail bool
}

func (f *failingEvents) InsertMessageEvent(ctx context.Context, ev *store.MessageEvent) (bool, error) {
	if f.fail {
		return false, errors.New("disk full")
	}
	return f.MockStore.InsertMessageEvent(ctx, ev)
}

func TestIngestCloud_EchoIsOutbound(t *testing.T) {
	h := newHarness(t)
	h.readyLine(t, "t1", 0, store.ProviderCloud, "PN1", "WABA1")
	ctx := context.Background()

	body := `{"object":"whatsapp_business_account","entry":[{"id":"WABA1","changes":[{
		"field":"smb_message_echoes",
		"value":{
			"messaging_product":"whatsapp",
			"metadata":{"display_phone_number":"15550001111","phone_number_id":"PN1"},
			"message_echoes":[{
				"from":"15550001111","to":"15551234567","id":"wamid.ECHO1",
				"timestamp":"1700000100","type":"text","text":{"body":"sent from the phone"}
			}]
		}
	}]}]}`
	require.NoError(t, h.in.IngestCloud(ctx, []byte(body)))

	ev, err := h.store.GetMessageEvent(ctx, "t1", "wamid.ECHO1")
	require.NoError(t, err)
	assert.Equal(t, store.DirectionOutbound, ev.Direction)
	assert.Equal(t, store.SourceEcho, ev.Source)
	assert.Equal(t, "15551234567", ev.ChatAddress)

	assert.Len(t, h.pub.ofType(events.TypeMessageOutbound), 1)
	assert.Empty(t, h.pub.ofType(events.TypeMessageInbound))
	assert.Empty(t, h.handled)

	sess, err := h.store.GetSession(ctx, store.SessionKey{TenantID: "t1", LineIndex: 0, ContactAddress: "15551234567"})
	require.NoError(t, err)
	assert.Nil(t, sess.LastCustomerMessageAt)
	assert.NotNil(t, sess.LastBusinessMessageAt)
}

func TestIngestCloud_StatusesBecomeReceipts(t *testing.T) {
	h := newHarness(t)
	h.readyLine(t, "t1", 0, store.ProviderCloud, "PN1", "WABA1")
	ctx := context.Background()

	body := `{"entry":[{"id":"WABA1","changes":[{"field":"messages","value":{
		"metadata":{"phone_number_id":"PN1"},
		"statuses":[
			{"id":"wamid.OUT1","status":"delivered","timestamp":"1700000200","recipient_id":"15551234567"},
			{"id":"wamid.OUT2","status":"failed","timestamp":"1700000300","recipient_id":"15551234567",
			 "errors":[{"code":131047,"title":"Re-engagement message","error_data":{"details":"More than 24 hours have passed"}}]}
		]
	}}]}]}`
	require.NoError(t, h.in.IngestCloud(ctx, []byte(body)))
	require.NoError(t, h.in.IngestCloud(ctx, []byte(body)))

	failed, err := h.store.ListReceipts(ctx, "t1", "wamid.OUT2")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "failed", failed[0].Status)
	assert.Equal(t, "More than 24 hours have passed", failed[0].Error)

	assert.Len(t, h.pub.ofType(events.TypeMessageStatus), 2)
}

func TestIngestCloud_HistorySync(t *testing.T) {
	h := newHarness(t)
	h.readyLine(t, "t1", 0, store.ProviderCloud, "PN1", "WABA1")
	ctx := context.Background()

	body := `{"entry":[{"id":"WABA1","changes":[{"field":"history","value":{
		"metadata":{"phone_number_id":"PN1"},
		"history":[
			{"metadata":{"phase":0,"chunk_order":1,"progress":50},
			 "threads":[{"id":"15551234567","messages":[
				{"from":"15551234567","id":"wamid.H1","timestamp":"1699990000","type":"text","text":{"body":"old question"}},
				{"from":"15550001111","id":"wamid.H2","timestamp":"1699990100","type":"text","text":{"body":"old answer"}}
			 ]}]},
			{"errors":[{"code":2593109,"title":"History sync declined"}]}
		]
	}}]}]}`
	require.NoError(t, h.in.IngestCloud(ctx, []byte(body)))

	q, err := h.store.GetMessageEvent(ctx, "t1", "wamid.H1")
	require.NoError(t, err)
	assert.Equal(t, store.DirectionInbound, q.Direction)
	assert.Equal(t, store.SourceHistory, q.Source)

	a, err := h.store.GetMessageEvent(ctx, "t1", "wamid.H2")
	require.NoError(t, err)
	assert.Equal(t, store.DirectionOutbound, a.Direction)
	assert.Equal(t, "15551234567", a.ChatAddress)

	assert.Empty(t, h.handled, "history is not handed to conversation handlers")
}

func TestIngestCloud_ContactStateSync(t *testing.T) {
	h := newHarness(t)
	h.readyLine(t, "t1", 0, store.ProviderCloud, "PN1", "WABA1")
	ctx := context.Background()

	add := `{"entry":[{"id":"WABA1","changes":[{"field":"smb_app_state_sync","value":{
		"metadata":{"phone_number_id":"PN1"},
		"state_sync":[{"type":"contact","action":"add","contact":{"full_name":"Ana Souza","first_name":"Ana","phone_number":"+1 555 123 4567"}}]
	}}]}]}`
	require.NoError(t, h.in.IngestCloud(ctx, []byte(add)))

	c, err := h.store.GetContact(ctx, "t1", 0, "15551234567")
	require.NoError(t, err)
	assert.Equal(t, "Ana Souza", c.Name)

	remove := `{"entry":[{"id":"WABA1","changes":[{"field":"smb_app_state_sync","value":{
		"metadata":{"phone_number_id":"PN1"},
		"state_sync":[{"type":"contact","action":"remove","contact":{"phone_number":"15551234567"}}]
	}}]}]}`
	require.NoError(t, h.in.IngestCloud(ctx, []byte(remove)))

	c, err = h.store.GetContact(ctx, "t1", 0, "15551234567")
	if err == nil {
		assert.True(t, c.Removed)
	} else {
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
}

func TestIngestCloud_AccountUpdateDisconnects(t *testing.T) {
	h := newHarness(t)
	h.readyLine(t, "t1", 0, store.ProviderCloud, "PN1", "WABA1")
	h.readyLine(t, "t1", 1, store.ProviderCloud, "PN2", "WABA1")
	ctx := context.Background()

	body := `{"entry":[{"id":"WABA1","changes":[{"field":"account_update","value":{
		"event":"PARTNER_REMOVED","waba_info":{"waba_id":"WABA1"}
	}}]}]}`
	require.NoError(t, h.in.IngestCloud(ctx, []byte(body)))

	for _, idx := range []int{0, 1} {
		line, err := h.registry.Config(ctx, "t1", idx)
		require.NoError(t, err)
		assert.Equal(t, store.LineStatusDisconnected, line.Status)
	}
}

func TestIngestCloud_UnknownLineIsConfigNotFound(t *testing.T) {
	h := newHarness(t)
	err := h.in.IngestCloud(context.Background(), []byte(cloudInbound))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PN1")
}

func TestIngestBSP_FlatMessages(t *testing.T) {
	h := newHarness(t)
	h.readyLine(t, "t2", 3, store.ProviderBSP, "chan-1", "")
	ctx := context.Background()

	body := `{
		"contacts":[{"profile":{"name":"Bruno"},"wa_id":"4915112345678"}],
		"messages":[{"from":"4915112345678","id":"ABGG1","timestamp":"1700000000","type":"image",
			"image":{"id":"media-1","mime_type":"image/jpeg","caption":"look"}}]
	}`
	require.NoError(t, h.in.IngestBSP(ctx, "t2", 3, []byte(body)))

	ev, err := h.store.GetMessageEvent(ctx, "t2", "ABGG1")
	require.NoError(t, err)
	assert.Equal(t, "image", ev.ContentType)
	assert.Equal(t, "look", ev.Body)
	assert.JSONEq(t, `{"id":"media-1","mime_type":"image/jpeg","caption":"look"}`, string(ev.Payload))
	assert.Equal(t, store.ProviderBSP, ev.Provider)

	require.Len(t, h.handled, 1)
	assert.True(t, h.handled[0].HasMedia())
}

func TestIngestBSP_UndecodableContentIsLogged(t *testing.T) {
	h := newHarness(t)
	h.readyLine(t, "t2", 3, store.ProviderBSP, "chan-1", "")
	ctx := context.Background()

	var logs bytes.Buffer
	h.in = New(h.in.deps, slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))

	body := `{"messages":[{"from":"4915112345678","id":"ABGG2","timestamp":"1700000000","type":"text","text":"not an object"}]}`
	require.NoError(t, h.in.IngestBSP(ctx, "t2", 3, []byte(body)))

	ev, err := h.store.GetMessageEvent(ctx, "t2", "ABGG2")
	require.NoError(t, err)
	assert.Empty(t, ev.Body)

	assert.Contains(t, logs.String(), "undecodable message content")
	assert.Contains(t, logs.String(), `"external_id":"ABGG2"`)
}

func TestIngestBSP_WrongProvider(t *testing.T) {
	h := newHarness(t)
	h.readyLine(t, "t1", 0, store.ProviderCloud, "PN1", "WABA1")

	err := h.in.IngestBSP(context.Background(), "t1", 0, []byte(`{"messages":[]}`))
	assert.Error(t, err)
}

func TestIngestBSPPartner_ChannelLive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.registry.CreatePending(ctx, store.PhoneLine{
		TenantID: "t2", LineIndex: 0, Provider: store.ProviderBSP, ExternalChannelID: "chan-9",
	})
	require.NoError(t, err)

	body := `{"type":"channel_updated","data":{"id":"chan-9","status":"ready","setup_info":{"phone_number":"+4915112345"}}}`
	require.NoError(t, h.in.IngestBSPPartner(ctx, []byte(body)))

	raw, err := h.store.GetLine(ctx, "t2", 0)
	require.NoError(t, err)
	assert.Equal(t, store.LineStatusReady, raw.Status)
	assert.NotContains(t, raw.EncryptedCredential, "issued-key-chan-9")
	plain, err := h.vault.Decrypt(raw.EncryptedCredential)
	require.NoError(t, err)
	assert.Equal(t, "issued-key-chan-9", plain)
	assert.Equal(t, "+4915112345", raw.DisplayNumber)

	// A repeated go-live does not rotate the key.
	require.NoError(t, h.in.IngestBSPPartner(ctx, []byte(body)))
	assert.Equal(t, []string{"chan-9"}, h.hub.calls)
}

func TestIngestBSPPartner_IssueFailureMarksError(t *testing.T) {
	h := newHarness(t)
	h.hub.err = errors.New("hub down")
	ctx := context.Background()
	_, err := h.registry.CreatePending(ctx, store.PhoneLine{
		TenantID: "t2", LineIndex: 0, Provider: store.ProviderBSP, ExternalChannelID: "chan-9",
	})
	require.NoError(t, err)

	err = h.in.IngestBSPPartner(ctx, []byte(`{"type":"channel_created","data":{"id":"chan-9","status":"live"}}`))
	require.Error(t, err)

	line, err := h.registry.Config(ctx, "t2", 0)
	require.NoError(t, err)
	assert.Equal(t, store.LineStatusError, line.Status)
}

func TestIngestBSPPartner_Revoked(t *testing.T) {
	h := newHarness(t)
	h.readyLine(t, "t2", 0, store.ProviderBSP, "chan-9", "")
	ctx := context.Background()

	require.NoError(t, h.in.IngestBSPPartner(ctx, []byte(`{"type":"channel_updated","data":{"id":"chan-9","status":"revoked"}}`)))

	line, err := h.registry.Config(ctx, "t2", 0)
	require.NoError(t, err)
	assert.Equal(t, store.LineStatusDisconnected, line.Status)
}

func TestIngestBSP_LifecycleScopedToLine(t *testing.T) {
	h := newHarness(t)
	h.readyLine(t, "tenantA", 0, store.ProviderBSP, "chan-A", "")
	h.readyLine(t, "tenantB", 0, store.ProviderBSP, "chan-B", "")
	ctx := context.Background()

	err := h.in.IngestBSP(ctx, "tenantA", 0, []byte(`{"type":"channel_updated","data":{"id":"chan-B","status":"revoked"}}`))
	require.ErrorIs(t, err, ErrChannelMismatch)

	for _, tenant := range []string{"tenantA", "tenantB"} {
		line, err := h.registry.Config(ctx, tenant, 0)
		require.NoError(t, err)
		assert.Equal(t, store.LineStatusReady, line.Status, tenant)
	}
	assert.Empty(t, h.hub.calls)
}

func TestIngestBSP_LifecycleForOwnChannel(t *testing.T) {
	h := newHarness(t)
	h.readyLine(t, "tenantA", 0, store.ProviderBSP, "chan-A", "")
	ctx := context.Background()

	require.NoError(t, h.in.IngestBSP(ctx, "tenantA", 0, []byte(`{"type":"channel_updated","data":{"id":"chan-A","status":"blocked"}}`)))

	line, err := h.registry.Config(ctx, "tenantA", 0)
	require.NoError(t, err)
	assert.Equal(t, store.LineStatusError, line.Status)
}

func TestLocalSession_MessagesAndState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.registry.CreatePending(ctx, store.PhoneLine{TenantID: "t3", LineIndex: 0, Provider: store.ProviderLocal})
	require.NoError(t, err)

	key := websession.Key{TenantID: "t3", LineIndex: 0}
	h.in.OnState(key, websession.StateConnected, "")

	line, err := h.registry.Config(ctx, "t3", 0)
	require.NoError(t, err)
	assert.Equal(t, store.LineStatusReady, line.Status)

	now := time.Unix(1700000000, 0).UTC()
	h.in.OnMessage(key, websession.InboundMessage{
		ID: "false_155@c.us_A1", ChatID: "15551234567@c.us", From: "15551234567@c.us",
		Type: "ptt", HasMedia: true, MimeType: "audio/ogg", PushName: "Ana", Timestamp: now,
	})
	h.in.OnMessage(key, websession.InboundMessage{
		ID: "true_155@c.us_A2", ChatID: "15551234567@c.us", FromMe: true,
		Type: "chat", Body: "typed on the phone", Timestamp: now,
	})
	h.in.OnMessage(key, websession.InboundMessage{ID: "status-1", ChatID: "status@broadcast", Type: "chat"})

	voice, err := h.store.GetMessageEvent(ctx, "t3", "false_155@c.us_A1")
	require.NoError(t, err)
	assert.Equal(t, "audio", voice.ContentType)
	assert.Equal(t, "15551234567", voice.ChatAddress)

	echo, err := h.store.GetMessageEvent(ctx, "t3", "true_155@c.us_A2")
	require.NoError(t, err)
	assert.Equal(t, store.DirectionOutbound, echo.Direction)

	_, err = h.store.GetMessageEvent(ctx, "t3", "status-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.Len(t, h.handled, 1)
	assert.Equal(t, "ptt", h.handled[0].Type())

	h.in.OnState(key, websession.StateDisconnected, "logged out")
	line, err = h.registry.Config(ctx, "t3", 0)
	require.NoError(t, err)
	assert.Equal(t, store.LineStatusDisconnected, line.Status)
}
