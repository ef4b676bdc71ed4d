// ABOUTME: WhatsApp Web session driven through a stealth Chrome page with go-rod
// ABOUTME: Pushes page events to a Handler through a CDP binding and calls bridge helpers for sends

package websession

import (
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/2389/wa-gateway/internal/provider"
)

//go:embed bridge.js
var bridgeJS string

const (
	bindingName = "__waGatewayBinding"
	webURL      = "https://web.whatsapp.com/"

	navigateTimeout = 60 * time.Second
)

// Config controls how the browser for a session is obtained.
type Config struct {
	// RemoteURL is the DevTools websocket of an existing Chrome. Empty launches one.
	RemoteURL string
	Headless  bool
	// UserDataDir is the root for per-line browser profiles so that a linked
	// device survives restarts. Empty uses a throwaway profile.
	UserDataDir string
	Logger      *slog.Logger
}

// BrowserSession is a Session backed by a WhatsApp Web page.
type BrowserSession struct {
	key     Key
	handler Handler
	logger  *slog.Logger

	browser *rod.Browser
	page    *rod.Page
	lnch    *launcher.Launcher

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	connected bool
	qr        string
	closed    bool
}

// Open starts a browser, loads WhatsApp Web, and begins forwarding events to
// handler. ctx bounds startup only; the session lives until Close.
func Open(ctx context.Context, key Key, cfg Config, handler Handler) (*BrowserSession, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "websession", "tenant_id", key.TenantID, "line_index", key.LineIndex)

	s := &BrowserSession{key: key, handler: handler, logger: logger}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.launch(cfg); err != nil {
		s.cancel()
		return nil, err
	}

	page, err := stealth.Page(s.browser)
	if err != nil {
		s.teardown()
		return nil, fmt.Errorf("creating page: %w", err)
	}
	s.page = page

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		s.teardown()
		return nil, fmt.Errorf("adding binding: %w", err)
	}
	if _, err := page.EvalOnNewDocument(bridgeJS); err != nil {
		s.teardown()
		return nil, fmt.Errorf("registering bridge script: %w", err)
	}

	go s.listen()

	navCtx, cancel := context.WithTimeout(ctx, navigateTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(webURL); err != nil {
		s.teardown()
		return nil, fmt.Errorf("navigating to %s: %w", webURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		logger.Warn("wait load timeout", "error", err)
	}

	logger.Info("browser session opened")
	return s, nil
}

func (s *BrowserSession) launch(cfg Config) error {
	wsURL := cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().
			Headless(cfg.Headless).
			Set("disable-blink-features", "AutomationControlled")
		if cfg.UserDataDir != "" {
			l = l.UserDataDir(filepath.Join(cfg.UserDataDir, s.key.TenantID, strconv.Itoa(s.key.LineIndex)))
		}

		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launching chrome: %w", err)
		}
		wsURL = u
		s.lnch = l
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if s.lnch != nil {
			s.lnch.Kill()
		}
		return fmt.Errorf("connecting to chrome: %w", err)
	}
	s.browser = b
	return nil
}

type bridgeEvent struct {
	Kind    string         `json:"kind"`
	State   string         `json:"state"`
	QR      string         `json:"qr"`
	Reason  string         `json:"reason"`
	Message *bridgeMessage `json:"message"`
}

type bridgeMessage struct {
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	From      string `json:"from"`
	FromMe    bool   `json:"from_me"`
	IsGroup   bool   `json:"is_group"`
	Type      string `json:"type"`
	Body      string `json:"body"`
	PushName  string `json:"push_name"`
	HasMedia  bool   `json:"has_media"`
	MimeType  string `json:"mime_type"`
	Filename  string `json:"filename"`
	Timestamp int64  `json:"timestamp"`
}

// listen forwards binding calls until the session context ends.
func (s *BrowserSession) listen() {
	s.page.Context(s.ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}
		var ev bridgeEvent
		if err := json.Unmarshal([]byte(e.Payload), &ev); err != nil {
			s.logger.Warn("parsing bridge payload", "error", err)
			return
		}
		s.dispatch(ev)
	})()
}

func (s *BrowserSession) dispatch(ev bridgeEvent) {
	switch ev.Kind {
	case "state":
		state := State(ev.State)
		s.mu.Lock()
		s.connected = state == StateConnected
		if state == StatePairing {
			s.qr = ev.QR
		} else {
			s.qr = ""
		}
		s.mu.Unlock()
		s.handler.OnState(s.key, state, ev.Reason)

	case "message":
		if ev.Message == nil {
			return
		}
		m := ev.Message
		s.handler.OnMessage(s.key, InboundMessage{
			ID:        m.ID,
			ChatID:    m.ChatID,
			From:      m.From,
			FromMe:    m.FromMe,
			IsGroup:   m.IsGroup,
			Type:      m.Type,
			Body:      m.Body,
			PushName:  m.PushName,
			HasMedia:  m.HasMedia,
			MimeType:  m.MimeType,
			Filename:  m.Filename,
			Timestamp: time.Unix(m.Timestamp, 0).UTC(),
		})

	default:
		s.logger.Debug("ignoring bridge event", "kind", ev.Kind)
	}
}

// SendText sends a text message and returns its message id.
func (s *BrowserSession) SendText(ctx context.Context, to, text string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := s.call(ctx, &out, `(to, text) => window.__waGateway.sendText(to, text)`, to, text); err != nil {
		return "", err
	}
	return out.ID, nil
}

// SendMedia sends media from a URL or inline bytes and returns the message id.
func (s *BrowserSession) SendMedia(ctx context.Context, to string, media provider.Media) (string, error) {
	arg := map[string]string{
		"type":      string(media.Type),
		"url":       media.URL,
		"mime_type": media.MimeType,
		"filename":  media.Filename,
		"caption":   media.Caption,
	}
	if len(media.Data) > 0 {
		arg["data"] = base64.StdEncoding.EncodeToString(media.Data)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := s.call(ctx, &out, `(to, media) => window.__waGateway.sendMedia(to, media)`, to, arg); err != nil {
		return "", err
	}
	return out.ID, nil
}

// DownloadMedia fetches and decrypts the media of a message.
func (s *BrowserSession) DownloadMedia(ctx context.Context, messageID string) (*provider.MediaBlob, error) {
	var out struct {
		Data     string `json:"data"`
		MimeType string `json:"mime_type"`
		Filename string `json:"filename"`
	}
	if err := s.call(ctx, &out, `(id) => window.__waGateway.downloadMedia(id)`, messageID); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(out.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding media: %w", err)
	}
	return &provider.MediaBlob{Data: data, MimeType: out.MimeType, Filename: out.Filename}, nil
}

// call runs a bridge helper that resolves to a JSON string and decodes it into out.
func (s *BrowserSession) call(ctx context.Context, out any, js string, args ...any) error {
	if !s.Connected() {
		return fmt.Errorf("session %s is not connected", s.key)
	}
	res, err := s.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return fmt.Errorf("bridge call failed: %w", err)
	}
	raw := res.Value.Str()
	if err := json.NewDecoder(strings.NewReader(raw)).Decode(out); err != nil {
		return fmt.Errorf("decoding bridge result: %w", err)
	}
	return nil
}

// Connected reports whether the page is logged in.
func (s *BrowserSession) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected && !s.closed
}

// PairingCode returns the current QR payload, or "" when not pairing.
func (s *BrowserSession) PairingCode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qr
}

// Close stops event forwarding and shuts the browser down.
func (s *BrowserSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.connected = false
	s.mu.Unlock()

	err := s.teardown()
	s.logger.Info("browser session closed")
	return err
}

func (s *BrowserSession) teardown() error {
	s.cancel()

	var err error
	if s.browser != nil {
		err = s.browser.Close()
	}
	if s.lnch != nil {
		s.lnch.Kill()
	}
	return err
}

var _ Session = (*BrowserSession)(nil)
