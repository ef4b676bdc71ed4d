// ABOUTME: Phone line persistence for the SQLite store
// ABOUTME: Lines and their connection status live in separate tables joined on read

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const lineColumns = `
	l.tenant_id, l.line_index, l.provider_type, l.encrypted_credential,
	l.external_channel_id, l.business_account_id, l.display_number,
	COALESCE(s.status, 'pending'), COALESCE(s.reason, ''),
	l.created_at, l.updated_at`

const lineFrom = `
	FROM phone_lines l
	LEFT JOIN line_status s ON s.tenant_id = l.tenant_id AND s.line_index = l.line_index`

// CreateLine inserts a new phone line together with its initial status.
// Returns ErrDuplicateLine if the (tenant, line) pair or the external channel is taken.
func (s *SQLiteStore) CreateLine(ctx context.Context, line *PhoneLine) error {
	now := time.Now().UTC()
	if line.CreatedAt.IsZero() {
		line.CreatedAt = now
	}
	if line.UpdatedAt.IsZero() {
		line.UpdatedAt = now
	}
	if line.Status == "" {
		line.Status = LineStatusPending
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO phone_lines (tenant_id, line_index, provider_type, encrypted_credential,
			external_channel_id, business_account_id, display_number, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		line.TenantID,
		line.LineIndex,
		string(line.Provider),
		line.EncryptedCredential,
		line.ExternalChannelID,
		line.BusinessAccountID,
		line.DisplayNumber,
		formatTime(line.CreatedAt),
		formatTime(line.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateLine
		}
		return fmt.Errorf("inserting phone line: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO line_status (tenant_id, line_index, status, reason, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		line.TenantID, line.LineIndex, string(line.Status), nullString(line.StatusReason), formatTime(line.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting line status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing phone line: %w", err)
	}

	s.logger.Debug("created phone line", "tenant_id", line.TenantID, "line_index", line.LineIndex, "provider", line.Provider)
	return nil
}

// GetLine retrieves a phone line by tenant and line index.
// Returns ErrNotFound if the line doesn't exist.
func (s *SQLiteStore) GetLine(ctx context.Context, tenantID string, lineIndex int) (*PhoneLine, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lineColumns+lineFrom+` WHERE l.tenant_id = ? AND l.line_index = ?`,
		tenantID, lineIndex)
	return scanLine(row)
}

// GetLineByExternalChannel resolves a vendor channel or phone number id to its line.
// Returns ErrNotFound if no line is bound to the channel.
func (s *SQLiteStore) GetLineByExternalChannel(ctx context.Context, provider ProviderType, channelID string) (*PhoneLine, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lineColumns+lineFrom+` WHERE l.provider_type = ? AND l.external_channel_id = ?`,
		string(provider), channelID)
	return scanLine(row)
}

// ListLinesByBusinessAccount returns every line registered under a business account.
func (s *SQLiteStore) ListLinesByBusinessAccount(ctx context.Context, businessAccountID string) ([]*PhoneLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lineColumns+lineFrom+` WHERE l.business_account_id = ? ORDER BY l.tenant_id, l.line_index`,
		businessAccountID)
	if err != nil {
		return nil, fmt.Errorf("querying lines by business account: %w", err)
	}
	defer rows.Close()
	return scanLines(rows)
}

// ListLines returns all phone lines ordered by tenant and line index.
func (s *SQLiteStore) ListLines(ctx context.Context) ([]*PhoneLine, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+lineColumns+lineFrom+` ORDER BY l.tenant_id, l.line_index`)
	if err != nil {
		return nil, fmt.Errorf("querying lines: %w", err)
	}
	defer rows.Close()
	return scanLines(rows)
}

// UpdateLine updates the mutable fields of a line. The provider type is fixed at creation.
// Returns ErrNotFound if the line doesn't exist.
func (s *SQLiteStore) UpdateLine(ctx context.Context, line *PhoneLine) error {
	line.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE phone_lines
		SET encrypted_credential = ?, external_channel_id = ?, business_account_id = ?,
			display_number = ?, updated_at = ?
		WHERE tenant_id = ? AND line_index = ?`,
		line.EncryptedCredential,
		line.ExternalChannelID,
		line.BusinessAccountID,
		line.DisplayNumber,
		formatTime(line.UpdatedAt),
		line.TenantID,
		line.LineIndex,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateLine
		}
		return fmt.Errorf("updating phone line: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated phone line", "tenant_id", line.TenantID, "line_index", line.LineIndex)
	return nil
}

// SetLineStatus records a status transition for a line.
// Returns ErrNotFound if the line doesn't exist.
func (s *SQLiteStore) SetLineStatus(ctx context.Context, tenantID string, lineIndex int, status LineStatus, reason string) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM phone_lines WHERE tenant_id = ? AND line_index = ?`, tenantID, lineIndex).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking phone line: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO line_status (tenant_id, line_index, status, reason, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, line_index) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		tenantID, lineIndex, string(status), nullString(reason), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("setting line status: %w", err)
	}

	s.logger.Debug("line status changed", "tenant_id", tenantID, "line_index", lineIndex, "status", status)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLine(row rowScanner) (*PhoneLine, error) {
	var line PhoneLine
	var provider, status, createdAtStr, updatedAtStr string

	err := row.Scan(
		&line.TenantID,
		&line.LineIndex,
		&provider,
		&line.EncryptedCredential,
		&line.ExternalChannelID,
		&line.BusinessAccountID,
		&line.DisplayNumber,
		&status,
		&line.StatusReason,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning phone line: %w", err)
	}

	line.Provider = ProviderType(provider)
	line.Status = LineStatus(status)

	line.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	line.UpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &line, nil
}

func scanLines(rows *sql.Rows) ([]*PhoneLine, error) {
	var lines []*PhoneLine
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lines: %w", err)
	}
	return lines, nil
}
