// ABOUTME: Template cache persistence for the SQLite store
// ABOUTME: ReplaceTemplates mirrors the vendor listing inside one transaction

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ReplaceTemplates upserts the listed templates for a line and deletes the rest.
func (s *SQLiteStore) ReplaceTemplates(ctx context.Context, tenantID string, lineIndex int, templates []*MessageTemplate) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now())
	ids := make([]any, 0, len(templates))

	for _, t := range templates {
		var components any
		if len(t.Components) > 0 {
			components = string(t.Components)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO message_templates (tenant_id, line_index, template_id, name, language,
				category, approval_status, component_schema, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, line_index, template_id) DO UPDATE SET
				name = excluded.name,
				language = excluded.language,
				category = excluded.category,
				approval_status = excluded.approval_status,
				component_schema = excluded.component_schema,
				updated_at = excluded.updated_at`,
			tenantID, lineIndex, t.TemplateID, t.Name, t.Language,
			nullString(t.Category), t.ApprovalStatus, components, now,
		)
		if err != nil {
			return 0, fmt.Errorf("upserting template %s: %w", t.TemplateID, err)
		}
		ids = append(ids, t.TemplateID)
	}

	deleteQuery := `DELETE FROM message_templates WHERE tenant_id = ? AND line_index = ?`
	args := []any{tenantID, lineIndex}
	if len(ids) > 0 {
		deleteQuery += ` AND template_id NOT IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
		args = append(args, ids...)
	}

	result, err := tx.ExecContext(ctx, deleteQuery, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting stale templates: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing templates: %w", err)
	}

	s.logger.Debug("replaced templates", "tenant_id", tenantID, "line_index", lineIndex,
		"count", len(templates), "deleted", deleted)
	return int(deleted), nil
}

// ListTemplates returns the cached templates for a line ordered by name and language.
func (s *SQLiteStore) ListTemplates(ctx context.Context, tenantID string, lineIndex int) ([]*MessageTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, line_index, template_id, name, language, COALESCE(category, ''),
			approval_status, component_schema, updated_at
		FROM message_templates
		WHERE tenant_id = ? AND line_index = ?
		ORDER BY name, language`,
		tenantID, lineIndex)
	if err != nil {
		return nil, fmt.Errorf("querying templates: %w", err)
	}
	defer rows.Close()

	var templates []*MessageTemplate
	for rows.Next() {
		var t MessageTemplate
		var components sql.NullString
		var updatedAt string
		if err := rows.Scan(&t.TenantID, &t.LineIndex, &t.TemplateID, &t.Name, &t.Language,
			&t.Category, &t.ApprovalStatus, &components, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning template: %w", err)
		}
		if components.Valid {
			t.Components = []byte(components.String)
		}
		if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		templates = append(templates, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating templates: %w", err)
	}
	return templates, nil
}
