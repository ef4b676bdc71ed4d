// ABOUTME: Canonical message log and delivery receipts for the SQLite store
// ABOUTME: Inserts are idempotent on (tenant, external id) and report whether a row was created

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertMessageEvent stores an event unless one with the same (tenant, external id)
// already exists. Returns true only when a new row was written.
func (s *SQLiteStore) InsertMessageEvent(ctx context.Context, event *MessageEvent) (bool, error) {
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

	var payload any
	if len(event.Payload) > 0 {
		payload = string(event.Payload)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO message_events (id, tenant_id, line_index, external_id, direction, chat_address,
			content_type, body, payload, sender_name, provider, source, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, external_id) DO NOTHING`,
		event.ID,
		event.TenantID,
		event.LineIndex,
		event.ExternalID,
		event.Direction,
		event.ChatAddress,
		event.ContentType,
		nullString(event.Body),
		payload,
		nullString(event.SenderName),
		string(event.Provider),
		event.Source,
		formatTime(event.Timestamp),
		formatTime(event.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("inserting message event: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		s.logger.Debug("duplicate message event ignored", "tenant_id", event.TenantID, "external_id", event.ExternalID)
		return false, nil
	}
	return true, nil
}

const eventColumns = `id, tenant_id, line_index, external_id, direction, chat_address, content_type,
	COALESCE(body, ''), payload, COALESCE(sender_name, ''), provider, source, timestamp, created_at`

// GetMessageEvent retrieves an event by its vendor message id.
// Returns ErrNotFound if the event doesn't exist.
func (s *SQLiteStore) GetMessageEvent(ctx context.Context, tenantID, externalID string) (*MessageEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM message_events WHERE tenant_id = ? AND external_id = ?`,
		tenantID, externalID)
	return scanMessageEvent(row)
}

// ListMessageEvents returns the most recent events of a conversation in chronological order.
func (s *SQLiteStore) ListMessageEvents(ctx context.Context, key SessionKey, limit int) ([]*MessageEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+eventColumns+` FROM message_events
			WHERE tenant_id = ? AND line_index = ? AND chat_address = ?
			ORDER BY timestamp DESC, created_at DESC
			LIMIT ?
		) ORDER BY timestamp ASC, created_at ASC`,
		key.TenantID, key.LineIndex, key.ContactAddress, limit)
	if err != nil {
		return nil, fmt.Errorf("querying message events: %w", err)
	}
	defer rows.Close()

	var events []*MessageEvent
	for rows.Next() {
		ev, err := scanMessageEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message events: %w", err)
	}
	return events, nil
}

// LatestInboundAt returns the timestamp of the newest inbound message of a conversation.
// Returns ErrNotFound if the contact never wrote in.
func (s *SQLiteStore) LatestInboundAt(ctx context.Context, key SessionKey) (time.Time, error) {
	var latest sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(timestamp) FROM message_events
		WHERE tenant_id = ? AND line_index = ? AND chat_address = ? AND direction = ?`,
		key.TenantID, key.LineIndex, key.ContactAddress, DirectionInbound,
	).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("querying latest inbound: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, ErrNotFound
	}

	t, err := parseTime(latest.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	return t, nil
}

// InsertReceipt records a delivery status. Repeated statuses are ignored.
func (s *SQLiteStore) InsertReceipt(ctx context.Context, receipt *MessageReceipt) (bool, error) {
	if receipt.Timestamp.IsZero() {
		receipt.Timestamp = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO message_receipts (tenant_id, external_id, status, error, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, external_id, status) DO NOTHING`,
		receipt.TenantID, receipt.ExternalID, receipt.Status, nullString(receipt.Error), formatTime(receipt.Timestamp),
	)
	if err != nil {
		return false, fmt.Errorf("inserting receipt: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// ListReceipts returns every recorded status of a message in chronological order.
func (s *SQLiteStore) ListReceipts(ctx context.Context, tenantID, externalID string) ([]*MessageReceipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, external_id, status, COALESCE(error, ''), timestamp
		FROM message_receipts
		WHERE tenant_id = ? AND external_id = ?
		ORDER BY timestamp ASC`,
		tenantID, externalID)
	if err != nil {
		return nil, fmt.Errorf("querying receipts: %w", err)
	}
	defer rows.Close()

	var receipts []*MessageReceipt
	for rows.Next() {
		var r MessageReceipt
		var ts string
		if err := rows.Scan(&r.TenantID, &r.ExternalID, &r.Status, &r.Error, &ts); err != nil {
			return nil, fmt.Errorf("scanning receipt: %w", err)
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		receipts = append(receipts, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating receipts: %w", err)
	}
	return receipts, nil
}

func scanMessageEvent(row rowScanner) (*MessageEvent, error) {
	var ev MessageEvent
	var payload sql.NullString
	var provider, ts, createdAt string

	err := row.Scan(
		&ev.ID,
		&ev.TenantID,
		&ev.LineIndex,
		&ev.ExternalID,
		&ev.Direction,
		&ev.ChatAddress,
		&ev.ContentType,
		&ev.Body,
		&payload,
		&ev.SenderName,
		&provider,
		&ev.Source,
		&ts,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message event: %w", err)
	}

	ev.Provider = ProviderType(provider)
	if payload.Valid {
		ev.Payload = json.RawMessage(payload.String)
	}
	if ev.Timestamp, err = parseTime(ts); err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &ev, nil
}
