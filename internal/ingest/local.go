// ABOUTME: Ingestion of messages and connection changes pushed by local web sessions
// ABOUTME: Implements websession.Handler so the browser layer never touches the store directly

package ingest

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/2389/wa-gateway/internal/registry"
	"github.com/2389/wa-gateway/internal/store"
	"github.com/2389/wa-gateway/internal/websession"
)

// IngestLocal records one message pushed by a local session. Messages the
// account sent from another device arrive with FromMe set and are recorded
// as outbound echoes.
func (in *Ingester) IngestLocal(ctx context.Context, key websession.Key, msg websession.InboundMessage) error {
	line, err := in.deps.Lines.Config(ctx, key.TenantID, key.LineIndex)
	if err != nil {
		return err
	}

	contentType, payload := localContent(msg)
	ev := &store.MessageEvent{
		TenantID:    line.TenantID,
		LineIndex:   line.LineIndex,
		ExternalID:  msg.ID,
		Direction:   store.DirectionInbound,
		ChatAddress: store.NormalizeAddress(msg.ChatID),
		ContentType: contentType,
		Body:        msg.Body,
		Payload:     payload,
		SenderName:  msg.PushName,
		Provider:    store.ProviderLocal,
		Source:      store.SourceLive,
		Timestamp:   msg.Timestamp,
	}
	if msg.FromMe {
		ev.Direction = store.DirectionOutbound
		ev.Source = store.SourceEcho
		ev.SenderName = ""
	}

	_, err = in.record(ctx, ev)
	return err
}

// localContent maps the web client's type names onto canonical content types.
func localContent(msg websession.InboundMessage) (string, json.RawMessage) {
	contentType := msg.Type
	voice := false
	switch msg.Type {
	case "chat", "":
		return "text", nil
	case "ptt":
		contentType, voice = "audio", true
	case "vcard", "multi_vcard":
		return "contacts", nil
	}
	if !msg.HasMedia {
		return contentType, nil
	}

	// The message id doubles as the media id for local downloads.
	desc := map[string]any{"id": msg.ID}
	if msg.MimeType != "" {
		desc["mime_type"] = msg.MimeType
	}
	if msg.Filename != "" {
		desc["filename"] = msg.Filename
	}
	if voice {
		desc["voice"] = true
	}
	payload, _ := json.Marshal(desc)
	return contentType, payload
}

// OnMessage implements websession.Handler.
func (in *Ingester) OnMessage(key websession.Key, msg websession.InboundMessage) {
	if strings.HasPrefix(msg.ChatID, "status@") {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), localTimeout)
	defer cancel()

	if err := in.IngestLocal(ctx, key, msg); err != nil {
		in.logger.Error("local message ingestion failed",
			"tenant_id", key.TenantID,
			"line_index", key.LineIndex,
			"external_id", msg.ID,
			"error", err)
	}
}

// OnState implements websession.Handler by driving the line status.
func (in *Ingester) OnState(key websession.Key, state websession.State, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), localTimeout)
	defer cancel()

	var err error
	switch state {
	case websession.StateConnected:
		line, cerr := in.deps.Lines.Config(ctx, key.TenantID, key.LineIndex)
		if cerr != nil {
			err = cerr
			break
		}
		if line.Status != store.LineStatusReady {
			err = in.deps.Lines.MarkReady(ctx, key.TenantID, key.LineIndex, "", registry.ReadyDetails{})
		}
	case websession.StateDisconnected:
		err = in.deps.Lines.MarkDisconnected(ctx, key.TenantID, key.LineIndex, reason)
	default:
		in.logger.Info("local session state",
			"tenant_id", key.TenantID,
			"line_index", key.LineIndex,
			"state", state)
	}
	if err != nil {
		in.logger.Error("local session state update failed",
			"tenant_id", key.TenantID,
			"line_index", key.LineIndex,
			"state", state,
			"error", err)
	}
}

var _ websession.Handler = (*Ingester)(nil)
