// ABOUTME: Tests for event construction, tenant broadcast, fan-out, and AMQP publishing
// ABOUTME: The AMQP channel is replaced with a recording stub

package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wa-gateway/internal/store"
)

func inbound(tenant string) *store.MessageEvent {
	return &store.MessageEvent{
		TenantID:    tenant,
		LineIndex:   1,
		ExternalID:  "wamid.1",
		Direction:   store.DirectionInbound,
		ChatAddress: "15551234567",
		ContentType: "text",
		Body:        "hi",
		Provider:    store.ProviderCloud,
		Source:      store.SourceLive,
		Timestamp:   time.Unix(1700000000, 0).UTC(),
	}
}

func TestNewMessageEvent_Direction(t *testing.T) {
	ev := NewMessageEvent(inbound("t1"))
	assert.Equal(t, TypeMessageInbound, ev.Type)
	assert.Equal(t, "t1", ev.TenantID)
	assert.NotEmpty(t, ev.ID)

	out := inbound("t1")
	out.Direction = store.DirectionOutbound
	assert.Equal(t, TypeMessageOutbound, NewMessageEvent(out).Type)
}

func TestBroadcaster_TenantIsolation(t *testing.T) {
	b := NewBroadcaster(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1, _ := b.Subscribe(ctx, "t1")
	ch2, _ := b.Subscribe(ctx, "t2")

	require.NoError(t, b.Publish(ctx, NewMessageEvent(inbound("t1"))))

	select {
	case ev := <-ch1:
		assert.Equal(t, "t1", ev.TenantID)
	case <-time.After(time.Second):
		t.Fatal("t1 subscriber got nothing")
	}

	select {
	case ev := <-ch2:
		t.Fatalf("t2 subscriber got %v", ev)
	default:
	}
}

func TestBroadcaster_SlowSubscriberDrops(t *testing.T) {
	b := NewBroadcaster(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := b.Subscribe(ctx, "t1")
	for i := 0; i < subscriberBufferSize+10; i++ {
		require.NoError(t, b.Publish(ctx, NewMessageEvent(inbound("t1"))))
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	ctx, cancel := context.WithCancel(context.Background())

	ch, _ := b.Subscribe(ctx, "t1")
	assert.Equal(t, 1, b.SubscriberCount("t1"))

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Equal(t, 0, b.SubscriberCount("t1"))
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, subID := b.Subscribe(context.Background(), "t1")

	b.Close()
	_, ok := <-ch
	assert.False(t, ok)

	// Unsubscribe after Close must not double-close.
	b.Unsubscribe("t1", subID)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, ev *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func TestMulti_FailureDoesNotStopOthers(t *testing.T) {
	bad := &recordingPublisher{err: errors.New("broker down")}
	good := &recordingPublisher{}
	m := NewMulti(nil, bad, nil, good)

	err := m.Publish(context.Background(), NewMessageEvent(inbound("t1")))
	require.NoError(t, err)
	assert.Len(t, bad.events, 1)
	assert.Len(t, good.events, 1)
}

type stubChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
	closed   bool
}

func (s *stubChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	s.exchange, s.key, s.msg = exchange, key, msg
	return s.err
}

func (s *stubChannel) Close() error {
	s.closed = true
	return nil
}

func TestAMQPPublisher_Publish(t *testing.T) {
	ch := &stubChannel{}
	p := newAMQPPublisher(ch, "wa.events", nil)

	ev := NewMessageEvent(inbound("t1"))
	require.NoError(t, p.Publish(context.Background(), ev))

	assert.Equal(t, "wa.events", ch.exchange)
	assert.Equal(t, "message.inbound.t1", ch.key)
	assert.Equal(t, uint8(amqp.Persistent), ch.msg.DeliveryMode)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, ev.ID, ch.msg.MessageId)
	assert.Equal(t, "message.inbound", ch.msg.Type)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(ch.msg.Body, &decoded))
	assert.Equal(t, "t1", decoded["tenant_id"])
	data := decoded["data"].(map[string]any)
	assert.Equal(t, "wamid.1", data["external_id"])

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

func TestAMQPPublisher_PublishError(t *testing.T) {
	ch := &stubChannel{err: amqp.ErrClosed}
	p := newAMQPPublisher(ch, "wa.events", nil)

	err := p.Publish(context.Background(), NewLineStatusEvent("t1", 0, LineStatus{
		Provider: store.ProviderBSP,
		From:     store.LineStatusPending,
		To:       store.LineStatusReady,
	}))
	assert.ErrorIs(t, err, amqp.ErrClosed)
}

func TestStreamHandler_RelaysTenantEvents(t *testing.T) {
	b := NewBroadcaster(nil)
	h := NewStreamHandler(b, func(r *http.Request) (string, bool) {
		tenant := r.URL.Query().Get("tenant")
		return tenant, tenant != ""
	}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?tenant=t1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return b.SubscriberCount("t1") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, b.Publish(context.Background(), NewMessageEvent(inbound("t1"))))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, TypeMessageInbound, got.Type)
	assert.Equal(t, "t1", got.TenantID)
}

func TestStreamHandler_Unauthorized(t *testing.T) {
	h := NewStreamHandler(NewBroadcaster(nil), func(*http.Request) (string, bool) { return "", false }, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events/stream", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
