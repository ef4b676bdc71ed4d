// ABOUTME: Tests for webhook classification and the recently-seen id set
// ABOUTME: Pure functions, no store involved

package ingest

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wa-gateway/internal/store"
)

func kinds(changes []Change) []WebhookKind {
	out := make([]WebhookKind, len(changes))
	for i, c := range changes {
		out[i] = c.Kind
	}
	return out
}

func TestClassify_CloudFields(t *testing.T) {
	body := `{"entry":[
		{"id":"W1","changes":[
			{"field":"messages","value":{"messages":[{"id":"a"}],"statuses":[{"id":"b"}]}},
			{"field":"history","value":{"history":[]}}
		]},
		{"id":"W2","changes":[
			{"field":"smb_app_state_sync","value":{}},
			{"field":"smb_message_echoes","value":{}},
			{"field":"account_update","value":{"event":"ACCOUNT_DELETED"}},
			{"field":"message_template_status_update","value":{}}
		]}
	]}`
	changes, err := Classify(store.ProviderCloud, []byte(body))
	require.NoError(t, err)
	assert.Equal(t, []WebhookKind{
		KindMessages, KindStatuses, KindHistorySync,
		KindContactStateSync, KindMessageEcho, KindAccountUpdate, KindUnknown,
	}, kinds(changes))
	assert.Equal(t, "W2", changes[5].EntryID)
}

func TestClassify_BSPFlat(t *testing.T) {
	changes, err := Classify(store.ProviderBSP, []byte(`{"messages":[{"id":"a"}],"contacts":[]}`))
	require.NoError(t, err)
	assert.Equal(t, []WebhookKind{KindMessages}, kinds(changes))

	changes, err = Classify(store.ProviderBSP, []byte(`{"statuses":[{"id":"a"}]}`))
	require.NoError(t, err)
	assert.Equal(t, []WebhookKind{KindStatuses}, kinds(changes))

	changes, err = Classify(store.ProviderBSP, []byte(`{"type":"channel_created","data":{"id":"c1"}}`))
	require.NoError(t, err)
	require.Equal(t, []WebhookKind{KindChannelLifecycle}, kinds(changes))
	assert.JSONEq(t, `{"id":"c1"}`, string(changes[0].Value))

	changes, err = Classify(store.ProviderBSP, []byte(`{"messages":[]}`))
	require.NoError(t, err)
	assert.Equal(t, []WebhookKind{KindUnknown}, kinds(changes))
}

func TestClassify_Malformed(t *testing.T) {
	for _, body := range []string{``, `not json`, `[1,2]`} {
		_, err := Classify(store.ProviderCloud, []byte(body))
		assert.ErrorIs(t, err, ErrMalformedPayload, body)
	}
}

func TestRecentIDs(t *testing.T) {
	now := time.Unix(0, 0)
	r := newRecentIDs(time.Minute, 3)
	r.now = func() time.Time { return now }

	assert.True(t, r.claim("a"))
	assert.False(t, r.claim("a"))

	r.release("a")
	assert.True(t, r.claim("a"))

	now = now.Add(2 * time.Minute)
	assert.True(t, r.claim("a"), "expired claims can be made again")

	for i := 0; i < 5; i++ {
		r.claim(fmt.Sprintf("k%d", i))
	}
	assert.Equal(t, 3, r.len())
	assert.True(t, r.claim("k0"), "oldest entries are evicted at capacity")
}
