// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with one interface
// per concern:
//
//   - LineStore: phone line configuration and connection status
//   - SessionStore: conversation activity timestamps for the service window
//   - EventStore: canonical message log and delivery receipts
//   - TemplateStore: cached vendor templates
//   - ContactStore: address book synced from the business app
//
// SQLiteStore implements all of them in a single struct; Store is the union.
//
// # SQLite Configuration
//
// Two drivers are registered: "sqlite" (modernc.org/sqlite, pure Go, the
// default) and "sqlite3" (mattn/go-sqlite3, needs cgo). Both open with WAL,
// foreign keys, and a busy timeout:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width RFC3339 UTC text so that string
// comparison in SQL matches chronological order.
//
// # Idempotency
//
// message_events is unique on (tenant_id, external_id). InsertMessageEvent
// returns false for a duplicate instead of an error; callers use the flag to
// decide whether downstream side effects should run.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateLine: (tenant, line) or external channel already registered
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore(path) with
// t.TempDir() for integration tests.
package store
