// ABOUTME: Tests for template sync and schedule parsing
// ABOUTME: Uses a static lister and the in-memory store

package templates

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wa-gateway/internal/provider"
	"github.com/2389/wa-gateway/internal/registry"
	"github.com/2389/wa-gateway/internal/store"
	"github.com/2389/wa-gateway/internal/vault"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type staticLister struct {
	templates []*store.MessageTemplate
	err       error
	calls     int
}

func (l *staticLister) ListTemplates(context.Context, *provider.Line) ([]*store.MessageTemplate, error) {
	l.calls++
	return l.templates, l.err
}

func tmpl(id, name string) *store.MessageTemplate {
	return &store.MessageTemplate{
		TemplateID: id, Name: name, Language: "en", Category: "UTILITY",
		ApprovalStatus: "APPROVED", Components: json.RawMessage(`[]`),
	}
}

func setup(t *testing.T) (*registry.Registry, *store.MockStore) {
	t.Helper()
	v, err := vault.New(testKey)
	require.NoError(t, err)
	s := store.NewMockStore()
	return registry.New(s, v, nil), s
}

func ready(t *testing.T, r *registry.Registry, tenant string, idx int, p store.ProviderType) {
	t.Helper()
	ctx := context.Background()
	_, err := r.CreatePending(ctx, store.PhoneLine{TenantID: tenant, LineIndex: idx, Provider: p, ExternalChannelID: tenant + "-" + string(p)})
	require.NoError(t, err)
	require.NoError(t, r.MarkReady(ctx, tenant, idx, "cred", registry.ReadyDetails{}))
}

func TestSyncLine_ReplacesCache(t *testing.T) {
	r, s := setup(t)
	ready(t, r, "acme", 0, store.ProviderCloud)
	ctx := context.Background()

	lister := &staticLister{templates: []*store.MessageTemplate{tmpl("1", "welcome"), tmpl("2", "receipt")}}
	syncer := NewSyncer(r, s, map[store.ProviderType]provider.TemplateLister{store.ProviderCloud: lister}, nil)

	res, err := syncer.SyncLine(ctx, "acme", 0)
	require.NoError(t, err)
	assert.Equal(t, &Result{Fetched: 2, Deleted: 0}, res)

	lister.templates = []*store.MessageTemplate{tmpl("2", "receipt")}
	res, err = syncer.SyncLine(ctx, "acme", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	cached, err := s.ListTemplates(ctx, "acme", 0)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "receipt", cached[0].Name)
}

func TestSyncLine_LocalUnsupported(t *testing.T) {
	r, s := setup(t)
	ready(t, r, "acme", 0, store.ProviderLocal)

	syncer := NewSyncer(r, s, map[store.ProviderType]provider.TemplateLister{}, nil)
	_, err := syncer.SyncLine(context.Background(), "acme", 0)
	assert.ErrorIs(t, err, provider.ErrUnsupportedOperation)
}

func TestSyncAll_SkipsAndCountsFailures(t *testing.T) {
	r, s := setup(t)
	ready(t, r, "acme", 0, store.ProviderCloud)
	ready(t, r, "acme", 1, store.ProviderBSP)
	ready(t, r, "acme", 2, store.ProviderLocal)
	_, err := r.CreatePending(context.Background(), store.PhoneLine{TenantID: "beta", LineIndex: 0, Provider: store.ProviderCloud, ExternalChannelID: "pending"})
	require.NoError(t, err)

	cloud := &staticLister{templates: []*store.MessageTemplate{tmpl("1", "welcome")}}
	bspLister := &staticLister{err: errors.New("relay down")}
	syncer := NewSyncer(r, s, map[store.ProviderType]provider.TemplateLister{
		store.ProviderCloud: cloud,
		store.ProviderBSP:   bspLister,
	}, nil)

	synced, failed := syncer.SyncAll(context.Background())
	assert.Equal(t, 1, synced)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, cloud.calls, "pending lines are skipped")
}

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"0 */30 * * * *", "*/5 * * * *", "@hourly"} {
		_, err := ParseSchedule(spec)
		assert.NoError(t, err, spec)
	}
	_, err := ParseSchedule("every tuesday")
	assert.Error(t, err)
}

func TestScheduler_StartStop(t *testing.T) {
	r, s := setup(t)
	sched, err := NewScheduler(NewSyncer(r, s, nil, nil), "0 0 3 * * *", nil)
	require.NoError(t, err)

	sched.Start()
	sched.Stop(context.Background())
}
