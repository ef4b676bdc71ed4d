// ABOUTME: Template cache sync mirroring each vendor line's approved templates into the store
// ABOUTME: The vendor listing is authoritative; templates missing from it are dropped from the cache

package templates

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/wa-gateway/internal/provider"
	"github.com/2389/wa-gateway/internal/store"
)

// Lines is the part of the connection registry the syncer reads.
type Lines interface {
	Get(ctx context.Context, tenantID string, lineIndex int) (*provider.Line, error)
	List(ctx context.Context) ([]*store.PhoneLine, error)
}

// Result describes one line's sync.
type Result struct {
	Fetched int `json:"fetched"`
	Deleted int `json:"deleted"`
}

// Syncer refreshes the template cache from the vendors.
type Syncer struct {
	lines   Lines
	store   store.TemplateStore
	listers map[store.ProviderType]provider.TemplateLister
	logger  *slog.Logger
}

// NewSyncer creates a syncer. listers maps each vendor provider type to the
// adapter that can list its templates. Pass nil logger for default.
func NewSyncer(lines Lines, s store.TemplateStore, listers map[store.ProviderType]provider.TemplateLister, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		lines:   lines,
		store:   s,
		listers: listers,
		logger:  logger.With("component", "template_sync"),
	}
}

// SyncLine replaces the cached templates of one line with the vendor listing.
func (s *Syncer) SyncLine(ctx context.Context, tenantID string, lineIndex int) (*Result, error) {
	line, err := s.lines.Get(ctx, tenantID, lineIndex)
	if err != nil {
		return nil, err
	}
	lister, ok := s.listers[line.Provider]
	if !ok {
		return nil, provider.Unsupported(line.Provider, "templates")
	}

	tmpls, err := lister.ListTemplates(ctx, line)
	if err != nil {
		return nil, err
	}
	deleted, err := s.store.ReplaceTemplates(ctx, tenantID, lineIndex, tmpls)
	if err != nil {
		return nil, fmt.Errorf("caching templates: %w", err)
	}

	s.logger.Info("templates synced",
		"tenant_id", tenantID,
		"line_index", lineIndex,
		"provider", line.Provider,
		"fetched", len(tmpls),
		"deleted", deleted)
	return &Result{Fetched: len(tmpls), Deleted: deleted}, nil
}

// SyncAll syncs every ready line whose provider has templates. Failures are
// logged per line and do not stop the run.
func (s *Syncer) SyncAll(ctx context.Context) (synced, failed int) {
	lines, err := s.lines.List(ctx)
	if err != nil {
		s.logger.Error("listing lines for template sync", "error", err)
		return 0, 0
	}

	for _, line := range lines {
		if line.Status != store.LineStatusReady {
			continue
		}
		if _, ok := s.listers[line.Provider]; !ok {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if _, err := s.SyncLine(ctx, line.TenantID, line.LineIndex); err != nil {
			failed++
			s.logger.Error("template sync failed",
				"tenant_id", line.TenantID,
				"line_index", line.LineIndex,
				"error", err)
			continue
		}
		synced++
	}
	return synced, failed
}
