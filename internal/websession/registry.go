// ABOUTME: Explicit registry of live local sessions keyed by (tenant, line)
// ABOUTME: The registry owns every session; adapters borrow references through Lookup

package websession

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/wa-gateway/internal/provider"
)

// Key identifies the line a session belongs to.
type Key struct {
	TenantID  string
	LineIndex int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.TenantID, k.LineIndex)
}

// Session is one logged-in WhatsApp Web client.
type Session interface {
	SendText(ctx context.Context, to, text string) (string, error)
	SendMedia(ctx context.Context, to string, media provider.Media) (string, error)
	DownloadMedia(ctx context.Context, messageID string) (*provider.MediaBlob, error)
	Connected() bool
	// PairingCode returns the QR payload while the session waits to be linked.
	PairingCode() string
	Close() error
}

// InboundMessage is a message pushed by a session.
type InboundMessage struct {
	ID        string
	ChatID    string
	From      string
	FromMe    bool
	IsGroup   bool
	Type      string
	Body      string
	PushName  string
	HasMedia  bool
	MimeType  string
	Filename  string
	Timestamp time.Time
}

// State is a session connection state reported by the page.
type State string

const (
	StateConnected    State = "connected"
	StatePairing      State = "pairing"
	StateDisconnected State = "disconnected"
)

// Handler receives what sessions push. Both callbacks run on the session's
// event goroutine and must not block for long.
type Handler interface {
	OnMessage(key Key, msg InboundMessage)
	OnState(key Key, state State, reason string)
}

// Registry owns the live sessions. Insert replaces and closes any previous
// owner of the key; Remove closes the session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[Key]Session
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[Key]Session),
		logger:   logger.With("component", "websession_registry"),
	}
}

// Insert stores s under key, closing the session it replaces.
func (r *Registry) Insert(key Key, s Session) {
	r.mu.Lock()
	prev := r.sessions[key]
	r.sessions[key] = s
	r.mu.Unlock()

	if prev != nil && prev != s {
		if err := prev.Close(); err != nil {
			r.logger.Warn("closing replaced session", "key", key.String(), "error", err)
		}
	}
	r.logger.Info("session registered", "key", key.String())
}

// Remove closes and forgets the session for key. It reports whether one existed.
func (r *Registry) Remove(key Key) bool {
	r.mu.Lock()
	s, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()

	if !ok {
		return false
	}
	if err := s.Close(); err != nil {
		r.logger.Warn("closing session", "key", key.String(), "error", err)
	}
	r.logger.Info("session removed", "key", key.String())
	return true
}

// Lookup borrows the session for key. Callers must not Close it.
func (r *Registry) Lookup(key Key) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Keys returns the registered keys in a stable order.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].TenantID != keys[j].TenantID {
			return keys[i].TenantID < keys[j].TenantID
		}
		return keys[i].LineIndex < keys[j].LineIndex
	})
	return keys
}

// CloseAll closes every session and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[Key]Session)
	r.mu.Unlock()

	for k, s := range sessions {
		if err := s.Close(); err != nil {
			r.logger.Warn("closing session", "key", k.String(), "error", err)
		}
	}
}
