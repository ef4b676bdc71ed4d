// ABOUTME: Contact persistence for address-book state synced from the business app
// ABOUTME: Removals are soft so that later re-adds keep a stable row

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertContact creates or refreshes a contact and clears any removal flag.
func (s *SQLiteStore) UpsertContact(ctx context.Context, contact *Contact) error {
	if contact.UpdatedAt.IsZero() {
		contact.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO line_contacts (tenant_id, line_index, contact_address, name, removed, updated_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT (tenant_id, line_index, contact_address) DO UPDATE SET
			name = COALESCE(excluded.name, line_contacts.name),
			removed = 0,
			updated_at = excluded.updated_at`,
		contact.TenantID, contact.LineIndex, contact.Address, nullString(contact.Name), formatTime(contact.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting contact: %w", err)
	}
	return nil
}

// RemoveContact marks a contact as removed. Unknown contacts are recorded as removed.
func (s *SQLiteStore) RemoveContact(ctx context.Context, tenantID string, lineIndex int, address string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO line_contacts (tenant_id, line_index, contact_address, removed, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (tenant_id, line_index, contact_address) DO UPDATE SET
			removed = 1,
			updated_at = excluded.updated_at`,
		tenantID, lineIndex, address, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("removing contact: %w", err)
	}
	return nil
}

// GetContact retrieves a contact, including removed ones.
// Returns ErrNotFound if the contact was never synced.
func (s *SQLiteStore) GetContact(ctx context.Context, tenantID string, lineIndex int, address string) (*Contact, error) {
	var c Contact
	var removed int
	var updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, line_index, contact_address, COALESCE(name, ''), removed, updated_at
		FROM line_contacts
		WHERE tenant_id = ? AND line_index = ? AND contact_address = ?`,
		tenantID, lineIndex, address,
	).Scan(&c.TenantID, &c.LineIndex, &c.Address, &c.Name, &removed, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying contact: %w", err)
	}

	c.Removed = removed != 0
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}
