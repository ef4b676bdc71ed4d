// ABOUTME: ConnectionRegistry for per-(tenant, line) provider configuration and lifecycle
// ABOUTME: Encrypts credentials through the vault and notifies observers of status transitions

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/wa-gateway/internal/provider"
	"github.com/2389/wa-gateway/internal/store"
	"github.com/2389/wa-gateway/internal/vault"
)

// ErrProviderConflict is returned when onboarding a line that is already
// configured for a different provider.
var ErrProviderConflict = errors.New("line already configured for another provider")

// StatusChange describes one lifecycle transition of a line.
type StatusChange struct {
	TenantID  string
	LineIndex int
	Provider  store.ProviderType
	From      store.LineStatus
	To        store.LineStatus
	Reason    string
}

// StatusObserver is called synchronously after every persisted transition.
type StatusObserver func(StatusChange)

// ReadyDetails are the vendor-confirmed identifiers stored when a line goes live.
// Empty fields keep their current value.
type ReadyDetails struct {
	ExternalChannelID string
	BusinessAccountID string
	DisplayNumber     string
}

// Registry owns line configuration. Status transitions only happen in
// response to vendor events; nothing here polls the vendor.
type Registry struct {
	store  store.LineStore
	vault  *vault.Vault
	logger *slog.Logger

	mu        sync.RWMutex
	observers []StatusObserver
}

// New creates a registry. Pass nil logger for default.
func New(s store.LineStore, v *vault.Vault, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  s,
		vault:  v,
		logger: logger.With("component", "registry"),
	}
}

// OnStatusChange registers an observer for status transitions.
func (r *Registry) OnStatusChange(fn StatusObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Config returns the persisted configuration without decrypting the credential.
func (r *Registry) Config(ctx context.Context, tenantID string, lineIndex int) (*store.PhoneLine, error) {
	line, err := r.store.GetLine(ctx, tenantID, lineIndex)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: tenant %s line %d", provider.ErrConfigNotFound, tenantID, lineIndex)
	}
	if err != nil {
		return nil, fmt.Errorf("loading line: %w", err)
	}
	return line, nil
}

// Get returns the line with its credential decrypted.
func (r *Registry) Get(ctx context.Context, tenantID string, lineIndex int) (*provider.Line, error) {
	cfg, err := r.Config(ctx, tenantID, lineIndex)
	if err != nil {
		return nil, err
	}
	cred, err := r.Credential(cfg)
	if err != nil {
		return nil, err
	}
	return &provider.Line{PhoneLine: *cfg, Credential: cred}, nil
}

// Credential decrypts the stored credential. Lines without one yield "".
func (r *Registry) Credential(line *store.PhoneLine) (string, error) {
	if line.EncryptedCredential == "" {
		return "", nil
	}
	cred, err := r.vault.Decrypt(line.EncryptedCredential)
	if err != nil {
		return "", fmt.Errorf("decrypting credential for tenant %s line %d: %w", line.TenantID, line.LineIndex, err)
	}
	return cred, nil
}

// CreatePending records a line at onboarding. Re-onboarding a line with the
// same provider refreshes its identifiers and returns it to pending unless it
// is already ready.
func (r *Registry) CreatePending(ctx context.Context, line store.PhoneLine) (*store.PhoneLine, error) {
	if !line.Provider.Valid() {
		return nil, fmt.Errorf("invalid provider type %q", line.Provider)
	}
	line.EncryptedCredential = ""

	existing, err := r.store.GetLine(ctx, line.TenantID, line.LineIndex)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := r.store.CreateLine(ctx, &line); err != nil {
			return nil, fmt.Errorf("creating line: %w", err)
		}
		r.logger.Info("line onboarded",
			"tenant_id", line.TenantID,
			"line_index", line.LineIndex,
			"provider", line.Provider)
		return r.Config(ctx, line.TenantID, line.LineIndex)
	case err != nil:
		return nil, fmt.Errorf("loading line: %w", err)
	}

	if existing.Provider != line.Provider {
		return nil, fmt.Errorf("%w: tenant %s line %d uses %s", ErrProviderConflict, line.TenantID, line.LineIndex, existing.Provider)
	}
	if existing.Status == store.LineStatusReady {
		return existing, nil
	}

	mergeDetails(existing, ReadyDetails{
		ExternalChannelID: line.ExternalChannelID,
		BusinessAccountID: line.BusinessAccountID,
		DisplayNumber:     line.DisplayNumber,
	})
	if err := r.store.UpdateLine(ctx, existing); err != nil {
		return nil, fmt.Errorf("updating line: %w", err)
	}
	if err := r.transition(ctx, existing, store.LineStatusPending, "re-onboarded"); err != nil {
		return nil, err
	}
	return r.Config(ctx, line.TenantID, line.LineIndex)
}

// MarkReady stores the credential encrypted and then marks the line ready.
// An empty credential keeps the one already stored.
func (r *Registry) MarkReady(ctx context.Context, tenantID string, lineIndex int, credential string, details ReadyDetails) error {
	line, err := r.Config(ctx, tenantID, lineIndex)
	if err != nil {
		return err
	}

	if credential != "" {
		packed, err := r.vault.Encrypt(credential)
		if err != nil {
			return fmt.Errorf("encrypting credential: %w", err)
		}
		line.EncryptedCredential = packed
	}
	mergeDetails(line, details)

	if err := r.store.UpdateLine(ctx, line); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}
	return r.transition(ctx, line, store.LineStatusReady, "")
}

// MarkDisconnected records a vendor-reported loss of authorization.
func (r *Registry) MarkDisconnected(ctx context.Context, tenantID string, lineIndex int, reason string) error {
	line, err := r.Config(ctx, tenantID, lineIndex)
	if err != nil {
		return err
	}
	return r.transition(ctx, line, store.LineStatusDisconnected, reason)
}

// MarkError records a vendor-reported failure.
func (r *Registry) MarkError(ctx context.Context, tenantID string, lineIndex int, reason string) error {
	line, err := r.Config(ctx, tenantID, lineIndex)
	if err != nil {
		return err
	}
	return r.transition(ctx, line, store.LineStatusError, reason)
}

// FindByExternalChannel resolves a vendor channel or phone number id to its line.
func (r *Registry) FindByExternalChannel(ctx context.Context, p store.ProviderType, channelID string) (*store.PhoneLine, error) {
	line, err := r.store.GetLineByExternalChannel(ctx, p, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s channel %s", provider.ErrConfigNotFound, p, channelID)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up channel: %w", err)
	}
	return line, nil
}

// FindByBusinessAccount returns every line under a cloud business account.
func (r *Registry) FindByBusinessAccount(ctx context.Context, businessAccountID string) ([]*store.PhoneLine, error) {
	lines, err := r.store.ListLinesByBusinessAccount(ctx, businessAccountID)
	if err != nil {
		return nil, fmt.Errorf("listing lines for business account: %w", err)
	}
	return lines, nil
}

// List returns every configured line.
func (r *Registry) List(ctx context.Context) ([]*store.PhoneLine, error) {
	lines, err := r.store.ListLines(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing lines: %w", err)
	}
	return lines, nil
}

func (r *Registry) transition(ctx context.Context, line *store.PhoneLine, to store.LineStatus, reason string) error {
	if err := r.store.SetLineStatus(ctx, line.TenantID, line.LineIndex, to, reason); err != nil {
		return fmt.Errorf("setting line status: %w", err)
	}

	change := StatusChange{
		TenantID:  line.TenantID,
		LineIndex: line.LineIndex,
		Provider:  line.Provider,
		From:      line.Status,
		To:        to,
		Reason:    reason,
	}
	line.Status = to
	line.StatusReason = reason

	r.logger.Info("line status changed",
		"tenant_id", change.TenantID,
		"line_index", change.LineIndex,
		"provider", change.Provider,
		"from", change.From,
		"to", change.To,
		"reason", reason)

	r.mu.RLock()
	observers := make([]StatusObserver, len(r.observers))
	copy(observers, r.observers)
	r.mu.RUnlock()

	for _, fn := range observers {
		fn(change)
	}
	return nil
}

func mergeDetails(line *store.PhoneLine, d ReadyDetails) {
	if d.ExternalChannelID != "" {
		line.ExternalChannelID = d.ExternalChannelID
	}
	if d.BusinessAccountID != "" {
		line.BusinessAccountID = d.BusinessAccountID
	}
	if d.DisplayNumber != "" {
		line.DisplayNumber = d.DisplayNumber
	}
}
