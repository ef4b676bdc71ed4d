// ABOUTME: Handlers for BSP relay webhooks: per-line message traffic and partner channel lifecycle
// ABOUTME: A channel going live issues an API key and stores it encrypted before the line turns ready

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/wa-gateway/internal/registry"
	"github.com/2389/wa-gateway/internal/store"
)

// ErrChannelMismatch is returned when a line's webhook carries a lifecycle
// event for a channel that belongs to a different line.
var ErrChannelMismatch = errors.New("lifecycle event for another channel")

// lifecycleData is the data object of a channel_created/channel_updated event.
type lifecycleData struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	SetupInfo struct {
		PhoneNumber string `json:"phone_number"`
		PhoneName   string `json:"phone_name"`
	} `json:"setup_info"`
}

// Relay channel statuses grouped by the line status they map to.
var (
	liveChannelStatuses    = map[string]bool{"ready": true, "live": true, "running": true}
	revokedChannelStatuses = map[string]bool{"revoked": true, "archived": true, "deleted": true, "disconnected": true}
	failedChannelStatuses  = map[string]bool{"blocked": true, "restricted": true, "error": true, "failed": true}
)

// IngestBSP processes a relay webhook delivered to a line's own URL.
func (in *Ingester) IngestBSP(ctx context.Context, tenantID string, lineIndex int, body []byte) error {
	line, err := in.deps.Lines.Config(ctx, tenantID, lineIndex)
	if err != nil {
		return err
	}
	if line.Provider != store.ProviderBSP {
		return fmt.Errorf("tenant %s line %d is configured for %s, not %s",
			tenantID, lineIndex, line.Provider, store.ProviderBSP)
	}

	changes, err := Classify(store.ProviderBSP, body)
	if err != nil {
		return err
	}

	var errs []error
	for _, ch := range changes {
		if err := in.handleChange(ctx, line, ch); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Kind, err))
		}
	}
	return errors.Join(errs...)
}

// IngestBSPPartner processes a partner-level relay webhook. Only channel
// lifecycle events are expected here.
func (in *Ingester) IngestBSPPartner(ctx context.Context, body []byte) error {
	changes, err := Classify(store.ProviderBSP, body)
	if err != nil {
		return err
	}

	var errs []error
	for _, ch := range changes {
		if ch.Kind != KindChannelLifecycle {
			in.logger.Debug("ignoring partner webhook change", "kind", ch.Kind)
			continue
		}
		if err := in.ingestLifecycle(ctx, nil, ch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ingestLifecycle applies a channel lifecycle event. When scope is set the
// event arrived on that line's own URL and may only name its channel;
// partner deliveries (scope nil) are resolved by channel id.
func (in *Ingester) ingestLifecycle(ctx context.Context, scope *store.PhoneLine, ch Change) error {
	var data lifecycleData
	if err := json.Unmarshal(ch.Value, &data); err != nil {
		return fmt.Errorf("decoding lifecycle data: %w", err)
	}
	if data.ID == "" {
		return fmt.Errorf("lifecycle event %s without channel id", ch.Field)
	}

	line := scope
	if line == nil {
		var err error
		if line, err = in.deps.Lines.FindByExternalChannel(ctx, store.ProviderBSP, data.ID); err != nil {
			return err
		}
	} else if data.ID != line.ExternalChannelID {
		return fmt.Errorf("%w: channel %s delivered to tenant %s line %d (channel %s)",
			ErrChannelMismatch, data.ID, line.TenantID, line.LineIndex, line.ExternalChannelID)
	}

	log := in.logger.With(
		"tenant_id", line.TenantID,
		"line_index", line.LineIndex,
		"channel_id", data.ID,
		"event", ch.Field,
		"channel_status", data.Status)

	switch {
	case liveChannelStatuses[data.Status]:
		// Issuing a new key revokes the previous one, so a line that is
		// already ready keeps the key it has.
		if line.Status == store.LineStatusReady && line.EncryptedCredential != "" {
			log.Debug("channel already ready")
			return nil
		}
		if in.deps.Hub == nil {
			return fmt.Errorf("channel %s is live but no partner hub is configured", data.ID)
		}
		key, err := in.deps.Hub.IssueAPIKey(ctx, data.ID)
		if err != nil {
			if markErr := in.deps.Lines.MarkError(ctx, line.TenantID, line.LineIndex, "api key issuance failed"); markErr != nil {
				log.Error("failed to mark line error", "error", markErr)
			}
			return fmt.Errorf("issuing api key: %w", err)
		}
		display := firstNonEmpty(data.SetupInfo.PhoneNumber, key.Address)
		if err := in.deps.Lines.MarkReady(ctx, line.TenantID, line.LineIndex, key.APIKey, registry.ReadyDetails{
			ExternalChannelID: data.ID,
			DisplayNumber:     display,
		}); err != nil {
			return err
		}
		log.Info("channel live, credential stored")
		return nil

	case revokedChannelStatuses[data.Status]:
		return in.deps.Lines.MarkDisconnected(ctx, line.TenantID, line.LineIndex, "channel "+data.Status)

	case failedChannelStatuses[data.Status]:
		return in.deps.Lines.MarkError(ctx, line.TenantID, line.LineIndex, "channel "+data.Status)

	default:
		log.Info("channel lifecycle event without status change")
		return nil
	}
}
