// ABOUTME: WebhookKind classification of raw vendor payloads
// ABOUTME: Splits a delivery into typed changes so ingestion is a switch over kinds

package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/buger/jsonparser"

	"github.com/2389/wa-gateway/internal/store"
)

// WebhookKind is the tagged-union discriminator of an inbound webhook change.
type WebhookKind int

const (
	KindUnknown WebhookKind = iota
	KindMessages
	KindStatuses
	KindChannelLifecycle
	KindHistorySync
	KindContactStateSync
	KindMessageEcho
	KindAccountUpdate
)

func (k WebhookKind) String() string {
	switch k {
	case KindMessages:
		return "messages"
	case KindStatuses:
		return "statuses"
	case KindChannelLifecycle:
		return "channel_lifecycle"
	case KindHistorySync:
		return "history_sync"
	case KindContactStateSync:
		return "contact_state_sync"
	case KindMessageEcho:
		return "message_echo"
	case KindAccountUpdate:
		return "account_update"
	default:
		return "unknown"
	}
}

// ErrMalformedPayload is returned for bodies that are not JSON objects.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Change is one classified unit of a webhook delivery. Value is the raw JSON
// the kind's handler decodes; EntryID is the cloud entry id (the business
// account) when the payload is entry-wrapped.
type Change struct {
	Kind    WebhookKind
	Field   string
	EntryID string
	Value   []byte
}

// Classify splits a webhook body into its changes. A standard cloud
// "messages" change carrying both messages and statuses yields two changes.
func Classify(p store.ProviderType, body []byte) ([]Change, error) {
	if !json.Valid(body) || !strings.HasPrefix(strings.TrimSpace(string(body)), "{") {
		return nil, ErrMalformedPayload
	}

	// Entry-wrapped bodies come from the cloud API directly or forwarded by the relay.
	if _, dt, _, err := jsonparser.Get(body, "entry"); err == nil && dt == jsonparser.Array {
		return classifyEntries(body)
	}

	switch p {
	case store.ProviderBSP:
		return classifyFlat(body), nil
	default:
		return []Change{{Kind: KindUnknown, Value: body}}, nil
	}
}

func classifyEntries(body []byte) ([]Change, error) {
	var changes []Change
	var walkErr error

	_, err := jsonparser.ArrayEach(body, func(entry []byte, _ jsonparser.ValueType, _ int, err error) {
		if err != nil {
			walkErr = err
			return
		}
		entryID, _ := jsonparser.GetString(entry, "id")

		_, _ = jsonparser.ArrayEach(entry, func(change []byte, _ jsonparser.ValueType, _ int, err error) {
			if err != nil {
				walkErr = err
				return
			}
			field, _ := jsonparser.GetString(change, "field")
			value, _, _, verr := jsonparser.Get(change, "value")
			if verr != nil {
				changes = append(changes, Change{Kind: KindUnknown, Field: field, EntryID: entryID})
				return
			}
			for _, kind := range kindsForField(field, value) {
				changes = append(changes, Change{Kind: kind, Field: field, EntryID: entryID, Value: value})
			}
		}, "changes")
	}, "entry")

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if walkErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, walkErr)
	}
	return changes, nil
}

func kindsForField(field string, value []byte) []WebhookKind {
	switch field {
	case "messages":
		return messageKinds(value)
	case "history":
		return []WebhookKind{KindHistorySync}
	case "smb_app_state_sync":
		return []WebhookKind{KindContactStateSync}
	case "smb_message_echoes":
		return []WebhookKind{KindMessageEcho}
	case "account_update":
		return []WebhookKind{KindAccountUpdate}
	default:
		return []WebhookKind{KindUnknown}
	}
}

func classifyFlat(body []byte) []Change {
	if t, err := jsonparser.GetString(body, "type"); err == nil && strings.HasPrefix(t, "channel_") {
		data, _, _, _ := jsonparser.Get(body, "data")
		return []Change{{Kind: KindChannelLifecycle, Field: t, Value: data}}
	}

	var changes []Change
	for _, kind := range messageKinds(body) {
		changes = append(changes, Change{Kind: kind, Value: body})
	}
	return changes
}

func messageKinds(value []byte) []WebhookKind {
	var kinds []WebhookKind
	if hasNonEmptyArray(value, "messages") {
		kinds = append(kinds, KindMessages)
	}
	if hasNonEmptyArray(value, "statuses") {
		kinds = append(kinds, KindStatuses)
	}
	if len(kinds) == 0 {
		kinds = append(kinds, KindUnknown)
	}
	return kinds
}

func hasNonEmptyArray(data []byte, key string) bool {
	v, dt, _, err := jsonparser.Get(data, key)
	if err != nil || dt != jsonparser.Array {
		return false
	}
	return strings.TrimSpace(string(v)) != "[]"
}
