// ABOUTME: Conversation session persistence backing the 24-hour service window
// ABOUTME: Upserts keep the later timestamp so replayed history never rewinds a window

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetSession retrieves the session for a conversation.
// Returns ErrNotFound if no activity has been recorded.
func (s *SQLiteStore) GetSession(ctx context.Context, key SessionKey) (*ConversationSession, error) {
	var sess ConversationSession
	var customerAt, businessAt sql.NullString
	var updatedAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, line_index, contact_address, last_customer_message_at,
			last_business_message_at, updated_at
		FROM conversation_sessions
		WHERE tenant_id = ? AND line_index = ? AND contact_address = ?`,
		key.TenantID, key.LineIndex, key.ContactAddress,
	).Scan(
		&sess.TenantID,
		&sess.LineIndex,
		&sess.ContactAddress,
		&customerAt,
		&businessAt,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	if sess.LastCustomerMessageAt, err = parseNullTime(customerAt); err != nil {
		return nil, fmt.Errorf("parsing last_customer_message_at: %w", err)
	}
	if sess.LastBusinessMessageAt, err = parseNullTime(businessAt); err != nil {
		return nil, fmt.Errorf("parsing last_business_message_at: %w", err)
	}
	if sess.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &sess, nil
}

// RecordCustomerMessage upserts the customer activity timestamp for a conversation.
func (s *SQLiteStore) RecordCustomerMessage(ctx context.Context, key SessionKey, at time.Time) error {
	return s.recordActivity(ctx, key, "last_customer_message_at", at)
}

// RecordBusinessMessage upserts the business activity timestamp for a conversation.
func (s *SQLiteStore) RecordBusinessMessage(ctx context.Context, key SessionKey, at time.Time) error {
	return s.recordActivity(ctx, key, "last_business_message_at", at)
}

// recordActivity writes column only when at is newer than the stored value.
// column is one of the two fixed activity columns, never caller input.
func (s *SQLiteStore) recordActivity(ctx context.Context, key SessionKey, column string, at time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO conversation_sessions (tenant_id, line_index, contact_address, %[1]s, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, line_index, contact_address) DO UPDATE SET
			%[1]s = CASE
				WHEN conversation_sessions.%[1]s IS NULL OR excluded.%[1]s > conversation_sessions.%[1]s
				THEN excluded.%[1]s
				ELSE conversation_sessions.%[1]s
			END,
			updated_at = excluded.updated_at`, column)

	_, err := s.db.ExecContext(ctx, query,
		key.TenantID, key.LineIndex, key.ContactAddress, formatTime(at), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("recording %s: %w", column, err)
	}
	return nil
}
