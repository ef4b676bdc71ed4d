// ABOUTME: Package ingest normalizes inbound webhook and session traffic
// ABOUTME: Produces canonical message events, receipts, contacts, and line lifecycle transitions

// Package ingest is the WebhookIngester.
//
// Each delivery is classified into WebhookKind changes and each change is
// handled by its own function. Deliveries are idempotent: a recently-seen
// set drops duplicates this process already claimed and the store's unique
// (tenant, external id) key is the final word. Window refreshes, published events and the inbound
// handler only run for the delivery that created the event.
//
// Ingest methods return errors for the caller to log; they never decide how
// the vendor is answered.
package ingest
