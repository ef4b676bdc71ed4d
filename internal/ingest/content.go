// ABOUTME: Type-keyed content extraction for vendor message objects
// ABOUTME: Text becomes a body, media keeps the vendor descriptor, structured types pass through

package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// vendorMessage is the message object shared by the relay and the cloud API.
type vendorMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
}

// content is what ends up on a canonical event.
type content struct {
	vendorMessage
	Time    time.Time
	Body    string
	Payload json.RawMessage
}

// extractContent decodes one vendor message. The payload is the value under
// the key named by the message type, e.g. msg["image"] for an image. A typed
// object that does not decode still yields an event, with an empty body.
func (in *Ingester) extractContent(raw json.RawMessage) (*content, error) {
	var msg vendorMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("message without id")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decoding message fields: %w", err)
	}

	c := &content{vendorMessage: msg, Time: parseUnix(msg.Timestamp)}
	typed := fields[msg.Type]
	decode := func(v any) {
		if len(typed) == 0 {
			return
		}
		if err := json.Unmarshal(typed, v); err != nil {
			in.logger.Debug("undecodable message content",
				"external_id", msg.ID,
				"type", msg.Type,
				"error", err)
		}
	}

	switch msg.Type {
	case "text":
		var t struct {
			Body string `json:"body"`
		}
		decode(&t)
		c.Body = t.Body
	case "image", "video", "audio", "document", "sticker":
		// Binary content is fetched lazily through the adapter by media id.
		var m struct {
			Caption string `json:"caption"`
		}
		decode(&m)
		c.Body = m.Caption
		c.Payload = typed
	case "button":
		var b struct {
			Text string `json:"text"`
		}
		decode(&b)
		c.Body = b.Text
		c.Payload = typed
	case "interactive":
		var i struct {
			ButtonReply *struct {
				Title string `json:"title"`
			} `json:"button_reply"`
			ListReply *struct {
				Title string `json:"title"`
			} `json:"list_reply"`
		}
		decode(&i)
		switch {
		case i.ButtonReply != nil:
			c.Body = i.ButtonReply.Title
		case i.ListReply != nil:
			c.Body = i.ListReply.Title
		}
		c.Payload = typed
	case "reaction":
		var r struct {
			Emoji string `json:"emoji"`
		}
		decode(&r)
		c.Body = r.Emoji
		c.Payload = typed
	default:
		// location, contacts, order, system and anything newer pass through.
		c.Payload = typed
	}

	if len(c.Payload) == 0 {
		c.Payload = nil
	}
	return c, nil
}

// parseUnix reads the vendor's unix-seconds string. Missing or garbled
// timestamps fall back to receipt time.
func parseUnix(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
