// ABOUTME: Handlers for entry-wrapped cloud webhooks including coexistence events
// ABOUTME: Messages, statuses, history sync, contact sync, business app echoes, and account updates

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/2389/wa-gateway/internal/store"
)

type valueMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type vendorContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// messagesValue is the standard messages/statuses change value. The relay's
// flat body has the same shape without metadata.
type messagesValue struct {
	Metadata valueMetadata      `json:"metadata"`
	Contacts []vendorContact    `json:"contacts"`
	Messages []json.RawMessage  `json:"messages"`
	Statuses []vendorStatus     `json:"statuses"`
	Echoes   []json.RawMessage  `json:"message_echoes"`
	History  []historyItem      `json:"history"`
	Sync     []contactStateItem `json:"state_sync"`
}

type vendorStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code      int    `json:"code"`
		Title     string `json:"title"`
		Message   string `json:"message"`
		ErrorData struct {
			Details string `json:"details"`
		} `json:"error_data"`
	} `json:"errors"`
}

type historyItem struct {
	Metadata struct {
		Phase      int `json:"phase"`
		ChunkOrder int `json:"chunk_order"`
		Progress   int `json:"progress"`
	} `json:"metadata"`
	Threads []struct {
		ID       string            `json:"id"`
		Messages []json.RawMessage `json:"messages"`
	} `json:"threads"`
	Errors []struct {
		Code    int    `json:"code"`
		Title   string `json:"title"`
		Message string `json:"message"`
	} `json:"errors"`
}

type contactStateItem struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	Contact struct {
		FullName    string `json:"full_name"`
		FirstName   string `json:"first_name"`
		PhoneNumber string `json:"phone_number"`
	} `json:"contact"`
}

type accountUpdateValue struct {
	Event    string `json:"event"`
	WabaInfo struct {
		WabaID string `json:"waba_id"`
	} `json:"waba_info"`
}

func decodeValue(raw []byte) (*messagesValue, error) {
	var v messagesValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding change value: %w", err)
	}
	return &v, nil
}

// IngestCloud processes one cloud webhook delivery. Lines are resolved per
// change from the phone number id, or from the entry's business account for
// account updates. Every change is attempted; failures are joined.
func (in *Ingester) IngestCloud(ctx context.Context, body []byte) error {
	changes, err := Classify(store.ProviderCloud, body)
	if err != nil {
		return err
	}

	var errs []error
	for _, ch := range changes {
		if err := in.ingestCloudChange(ctx, ch); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Kind, err))
		}
	}
	return errors.Join(errs...)
}

func (in *Ingester) ingestCloudChange(ctx context.Context, ch Change) error {
	if ch.Kind == KindUnknown {
		in.logger.Debug("ignoring unknown cloud change", "field", ch.Field, "entry_id", ch.EntryID)
		return nil
	}

	if ch.Kind == KindAccountUpdate {
		var v accountUpdateValue
		if err := json.Unmarshal(ch.Value, &v); err != nil {
			return fmt.Errorf("decoding account update: %w", err)
		}
		account := v.WabaInfo.WabaID
		if account == "" {
			account = ch.EntryID
		}
		lines, err := in.deps.Lines.FindByBusinessAccount(ctx, account)
		if err != nil {
			return err
		}
		return in.ingestAccountUpdate(ctx, lines, ch.Value)
	}

	var meta struct {
		Metadata valueMetadata `json:"metadata"`
	}
	if err := json.Unmarshal(ch.Value, &meta); err != nil {
		return fmt.Errorf("decoding metadata: %w", err)
	}
	line, err := in.deps.Lines.FindByExternalChannel(ctx, store.ProviderCloud, meta.Metadata.PhoneNumberID)
	if err != nil {
		return err
	}
	return in.handleChange(ctx, line, ch)
}

// ingestMessages handles customer messages for both vendor backends.
func (in *Ingester) ingestMessages(ctx context.Context, line *store.PhoneLine, raw []byte) error {
	v, err := decodeValue(raw)
	if err != nil {
		return err
	}

	names := make(map[string]string, len(v.Contacts))
	for _, c := range v.Contacts {
		names[store.NormalizeAddress(c.WaID)] = c.Profile.Name
	}

	var errs []error
	for _, m := range v.Messages {
		c, err := in.extractContent(m)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		from := store.NormalizeAddress(c.From)
		ev := &store.MessageEvent{
			TenantID:    line.TenantID,
			LineIndex:   line.LineIndex,
			ExternalID:  c.ID,
			Direction:   store.DirectionInbound,
			ChatAddress: from,
			ContentType: c.Type,
			Body:        c.Body,
			Payload:     c.Payload,
			SenderName:  names[from],
			Provider:    line.Provider,
			Source:      store.SourceLive,
			Timestamp:   c.Time,
		}
		if _, err := in.record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (in *Ingester) ingestStatuses(ctx context.Context, line *store.PhoneLine, raw []byte) error {
	v, err := decodeValue(raw)
	if err != nil {
		return err
	}

	var errs []error
	for _, s := range v.Statuses {
		r := &store.MessageReceipt{
			TenantID:   line.TenantID,
			ExternalID: s.ID,
			Status:     s.Status,
			Timestamp:  parseUnix(s.Timestamp),
		}
		if len(s.Errors) > 0 {
			e := s.Errors[0]
			r.Error = firstNonEmpty(e.ErrorData.Details, e.Message, e.Title, strconv.Itoa(e.Code))
		}
		if err := in.recordReceipt(ctx, line.LineIndex, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ingestHistory imports a coexistence history chunk. Each thread is one
// contact; messages whose sender is not the thread contact were sent by the
// business. Item errors reported by the vendor are logged and counted.
func (in *Ingester) ingestHistory(ctx context.Context, line *store.PhoneLine, raw []byte) error {
	v, err := decodeValue(raw)
	if err != nil {
		return err
	}

	var imported, skipped, vendorErrors int
	var errs []error
	for _, item := range v.History {
		for _, e := range item.Errors {
			vendorErrors++
			in.logger.Warn("history sync item error",
				"tenant_id", line.TenantID,
				"line_index", line.LineIndex,
				"code", e.Code,
				"title", e.Title,
				"message", e.Message)
		}
		for _, thread := range item.Threads {
			contact := store.NormalizeAddress(thread.ID)
			for _, m := range thread.Messages {
				c, err := in.extractContent(m)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				direction := store.DirectionInbound
				if store.NormalizeAddress(c.From) != contact {
					direction = store.DirectionOutbound
				}
				created, err := in.record(ctx, &store.MessageEvent{
					TenantID:    line.TenantID,
					LineIndex:   line.LineIndex,
					ExternalID:  c.ID,
					Direction:   direction,
					ChatAddress: contact,
					ContentType: c.Type,
					Body:        c.Body,
					Payload:     c.Payload,
					Provider:    line.Provider,
					Source:      store.SourceHistory,
					Timestamp:   c.Time,
				})
				switch {
				case err != nil:
					errs = append(errs, err)
				case created:
					imported++
				default:
					skipped++
				}
			}
		}
	}

	in.logger.Info("history sync chunk processed",
		"tenant_id", line.TenantID,
		"line_index", line.LineIndex,
		"imported", imported,
		"skipped", skipped,
		"vendor_errors", vendorErrors)
	return errors.Join(errs...)
}

func (in *Ingester) ingestContactSync(ctx context.Context, line *store.PhoneLine, raw []byte) error {
	v, err := decodeValue(raw)
	if err != nil {
		return err
	}

	var errs []error
	for _, item := range v.Sync {
		if item.Type != "contact" {
			continue
		}
		addr := store.NormalizeAddress(item.Contact.PhoneNumber)
		if addr == "" {
			continue
		}
		switch item.Action {
		case "add":
			err = in.deps.Store.UpsertContact(ctx, &store.Contact{
				TenantID:  line.TenantID,
				LineIndex: line.LineIndex,
				Address:   addr,
				Name:      firstNonEmpty(item.Contact.FullName, item.Contact.FirstName),
			})
		case "remove":
			err = in.deps.Store.RemoveContact(ctx, line.TenantID, line.LineIndex, addr)
			if errors.Is(err, store.ErrNotFound) {
				err = nil
			}
		default:
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("contact %s %s: %w", item.Action, addr, err))
		}
	}
	return errors.Join(errs...)
}

// ingestEchoes mirrors messages the business sent from its own app. They
// arrive on the inbound webhook but are recorded as outbound.
func (in *Ingester) ingestEchoes(ctx context.Context, line *store.PhoneLine, raw []byte) error {
	v, err := decodeValue(raw)
	if err != nil {
		return err
	}

	var errs []error
	for _, m := range v.Echoes {
		c, err := in.extractContent(m)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ev := &store.MessageEvent{
			TenantID:    line.TenantID,
			LineIndex:   line.LineIndex,
			ExternalID:  c.ID,
			Direction:   store.DirectionOutbound,
			ChatAddress: store.NormalizeAddress(c.To),
			ContentType: c.Type,
			Body:        c.Body,
			Payload:     c.Payload,
			Provider:    line.Provider,
			Source:      store.SourceEcho,
			Timestamp:   c.Time,
		}
		if _, err := in.record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (in *Ingester) ingestAccountUpdate(ctx context.Context, lines []*store.PhoneLine, raw []byte) error {
	var v accountUpdateValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decoding account update: %w", err)
	}

	var mark func(ctx context.Context, tenantID string, lineIndex int, reason string) error
	switch v.Event {
	case "PARTNER_REMOVED", "ACCOUNT_OFFBOARDED", "ACCOUNT_DELETED":
		mark = in.deps.Lines.MarkDisconnected
	case "ACCOUNT_VIOLATION", "DISABLED_UPDATE":
		mark = in.deps.Lines.MarkError
	default:
		in.logger.Info("account update ignored", "event", v.Event, "lines", len(lines))
		return nil
	}

	var errs []error
	for _, line := range lines {
		if line.Provider != store.ProviderCloud {
			continue
		}
		if err := mark(ctx, line.TenantID, line.LineIndex, "account update: "+v.Event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
