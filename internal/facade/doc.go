// ABOUTME: Package facade is the provider-independent send surface used by collaborators
// ABOUTME: One Factory per process, one Facade per (tenant, line) per request

// Package facade routes sends, reads and status checks to the adapter of the
// provider persisted for a line. Callers never name a provider; the registry
// decides. Adapter errors are returned unmodified so callers can branch on
// provider.ErrTemplateRequired and friends.
package facade
