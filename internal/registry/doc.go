// Package registry holds the per-(tenant, line) provider configuration.
//
// A line is created pending at onboarding, becomes ready when the vendor
// confirms the channel is live, and moves to disconnected or error when the
// vendor reports lost authorization. Rows are never deleted.
//
// Credentials are encrypted through the vault before they reach the store;
// Get returns them decrypted for a single call.
package registry
