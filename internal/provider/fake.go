// ABOUTME: In-memory Adapter that records calls, for tests of code built on adapters
// ABOUTME: Thread-safe so concurrent dispatch tests can share one instance

package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/2389/wa-gateway/internal/store"
)

// FakeCall is one recorded adapter invocation.
type FakeCall struct {
	Method    string
	TenantID  string
	LineIndex int
	To        string
	Arg       any
}

// FakeAdapter records every call and returns canned results.
type FakeAdapter struct {
	mu     sync.Mutex
	kind   store.ProviderType
	calls  []FakeCall
	seq    int
	status store.LineStatus

	// Err, when set, is returned by every send.
	Err error
}

// NewFakeAdapter creates a fake for the given provider type.
func NewFakeAdapter(kind store.ProviderType) *FakeAdapter {
	return &FakeAdapter{kind: kind, status: store.LineStatusReady}
}

// Calls returns a copy of the recorded calls.
func (f *FakeAdapter) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// SetLiveStatus changes what LiveStatus reports.
func (f *FakeAdapter) SetLiveStatus(s store.LineStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *FakeAdapter) record(method string, line *Line, to string, arg any) (*SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, FakeCall{Method: method, TenantID: line.TenantID, LineIndex: line.LineIndex, To: to, Arg: arg})
	if f.Err != nil {
		return nil, f.Err
	}
	f.seq++
	return &SendResult{VendorMessageID: fmt.Sprintf("%s-%d", f.kind, f.seq)}, nil
}

func (f *FakeAdapter) Provider() store.ProviderType { return f.kind }

func (f *FakeAdapter) SendText(_ context.Context, line *Line, to, text string) (*SendResult, error) {
	return f.record("SendText", line, to, text)
}

func (f *FakeAdapter) SendMedia(_ context.Context, line *Line, to string, media Media) (*SendResult, error) {
	return f.record("SendMedia", line, to, media)
}

func (f *FakeAdapter) SendTemplate(_ context.Context, line *Line, to string, tmpl Template) (*SendResult, error) {
	return f.record("SendTemplate", line, to, tmpl)
}

func (f *FakeAdapter) SendInteractive(_ context.Context, line *Line, to string, spec Interactive) (*SendResult, error) {
	return f.record("SendInteractive", line, to, spec)
}

func (f *FakeAdapter) MarkAsRead(_ context.Context, line *Line, messageID string) error {
	_, err := f.record("MarkAsRead", line, "", messageID)
	return err
}

func (f *FakeAdapter) LiveStatus(_ context.Context, line *Line) (store.LineStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kind.EnforcesWindow() {
		return line.Status, nil
	}
	return f.status, nil
}

func (f *FakeAdapter) DownloadMedia(_ context.Context, line *Line, mediaID string) (*MediaBlob, error) {
	if _, err := f.record("DownloadMedia", line, "", mediaID); err != nil {
		return nil, err
	}
	return &MediaBlob{Data: []byte("media:" + mediaID), MimeType: "application/octet-stream"}, nil
}

var _ Adapter = (*FakeAdapter)(nil)
