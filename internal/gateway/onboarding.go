// ABOUTME: Line onboarding endpoints for the three backends plus manual template sync
// ABOUTME: BSP lines wait for the lifecycle webhook; cloud signup and local pairing finish inline

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/wa-gateway/internal/facade"
	"github.com/2389/wa-gateway/internal/provider"
	"github.com/2389/wa-gateway/internal/registry"
	"github.com/2389/wa-gateway/internal/store"
	"github.com/2389/wa-gateway/internal/websession"
)

// sessionStartTimeout bounds launching a browser and loading WhatsApp Web.
const sessionStartTimeout = 2 * time.Minute

// LineResponse is a line's configuration as reported to API callers. The
// credential never leaves the gateway.
type LineResponse struct {
	TenantID          string             `json:"tenant_id"`
	LineIndex         int                `json:"line_index"`
	Provider          store.ProviderType `json:"provider"`
	Status            store.LineStatus   `json:"status"`
	Reason            string             `json:"reason,omitempty"`
	ExternalChannelID string             `json:"external_channel_id,omitempty"`
	BusinessAccountID string             `json:"business_account_id,omitempty"`
	DisplayNumber     string             `json:"display_number,omitempty"`
	WebhookPath       string             `json:"webhook_path,omitempty"`
	PairingCode       string             `json:"pairing_code,omitempty"`
}

func (g *Gateway) newLineResponse(l *store.PhoneLine) *LineResponse {
	resp := &LineResponse{
		TenantID:          l.TenantID,
		LineIndex:         l.LineIndex,
		Provider:          l.Provider,
		Status:            l.Status,
		Reason:            l.StatusReason,
		ExternalChannelID: l.ExternalChannelID,
		BusinessAccountID: l.BusinessAccountID,
		DisplayNumber:     l.DisplayNumber,
	}
	switch l.Provider {
	case store.ProviderBSP:
		resp.WebhookPath = g.webhookPath(l.TenantID, l.LineIndex)
	case store.ProviderCloud:
		resp.WebhookPath = "/webhooks/cloud"
	}
	return resp
}

type bspOnboardRequest struct {
	ChannelID     string `json:"channel_id"`
	DisplayNumber string `json:"display_number,omitempty"`
	// APIKey skips the partner hub when the key was issued out of band.
	APIKey string `json:"api_key,omitempty"`
}

// handleOnboardBSP records a pending relay line. It goes ready when the
// partner lifecycle webhook reports the channel live.
func (g *Gateway) handleOnboardBSP(w http.ResponseWriter, r *http.Request) {
	tenant, line, err := lineParams(r)
	if err != nil {
		g.writeError(w, err)
		return
	}
	var req bspOnboardRequest
	if !g.decode(w, r, &req) {
		return
	}
	if blank(req.ChannelID) {
		g.writeError(w, fmt.Errorf("%w: channel_id is required", facade.ErrInvalidRequest))
		return
	}

	ctx := r.Context()
	pl, err := g.lines.CreatePending(ctx, store.PhoneLine{
		TenantID:          tenant,
		LineIndex:         line,
		Provider:          store.ProviderBSP,
		ExternalChannelID: req.ChannelID,
		DisplayNumber:     req.DisplayNumber,
	})
	if err != nil {
		g.writeError(w, err)
		return
	}

	if req.APIKey != "" {
		if err := g.lines.MarkReady(ctx, tenant, line, req.APIKey, registry.ReadyDetails{}); err != nil {
			g.writeError(w, err)
			return
		}
		if pl, err = g.lines.Config(ctx, tenant, line); err != nil {
			g.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, g.newLineResponse(pl))
}

type cloudSignupRequest struct {
	// Code is the embedded signup authorization code. AccessToken may be
	// given instead for system user tokens.
	Code              string `json:"code,omitempty"`
	AccessToken       string `json:"access_token,omitempty"`
	PhoneNumberID     string `json:"phone_number_id"`
	BusinessAccountID string `json:"business_account_id"`
}

// handleCloudSignup completes embedded signup: exchange the code, verify the
// number, subscribe the app to the account's webhooks, and store the token.
func (g *Gateway) handleCloudSignup(w http.ResponseWriter, r *http.Request) {
	tenant, line, err := lineParams(r)
	if err != nil {
		g.writeError(w, err)
		return
	}
	var req cloudSignupRequest
	if !g.decode(w, r, &req) {
		return
	}
	switch {
	case blank(req.PhoneNumberID), blank(req.BusinessAccountID):
		err = fmt.Errorf("%w: phone_number_id and business_account_id are required", facade.ErrInvalidRequest)
	case blank(req.Code) == blank(req.AccessToken):
		err = fmt.Errorf("%w: exactly one of code or access_token is required", facade.ErrInvalidRequest)
	}
	if err != nil {
		g.writeError(w, err)
		return
	}

	ctx := r.Context()
	token := req.AccessToken
	if token == "" {
		if token, err = g.cloud.ExchangeCode(ctx, req.Code); err != nil {
			g.writeError(w, err)
			return
		}
	}

	pn, err := g.cloud.VerifyCredential(ctx, token, req.PhoneNumberID)
	if err != nil {
		g.writeError(w, err)
		return
	}
	if err := g.cloud.SubscribeApp(ctx, token, req.BusinessAccountID); err != nil {
		g.writeError(w, err)
		return
	}

	if _, err := g.lines.CreatePending(ctx, store.PhoneLine{
		TenantID:          tenant,
		LineIndex:         line,
		Provider:          store.ProviderCloud,
		ExternalChannelID: req.PhoneNumberID,
		BusinessAccountID: req.BusinessAccountID,
		DisplayNumber:     pn.DisplayPhoneNumber,
	}); err != nil {
		g.writeError(w, err)
		return
	}
	if err := g.lines.MarkReady(ctx, tenant, line, token, registry.ReadyDetails{
		ExternalChannelID: req.PhoneNumberID,
		BusinessAccountID: req.BusinessAccountID,
		DisplayNumber:     pn.DisplayPhoneNumber,
	}); err != nil {
		g.writeError(w, err)
		return
	}

	pl, err := g.lines.Config(ctx, tenant, line)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.logger.Info("cloud line signed up",
		"tenant_id", tenant,
		"line_index", line,
		"phone_number_id", req.PhoneNumberID,
		"verified_name", pn.VerifiedName)
	writeJSON(w, http.StatusCreated, g.newLineResponse(pl))
}

// handleStartLocal starts (or restarts) the browser session of a local line.
// The response carries the pairing code while the device is not yet linked.
func (g *Gateway) handleStartLocal(w http.ResponseWriter, r *http.Request) {
	tenant, line, err := lineParams(r)
	if err != nil {
		g.writeError(w, err)
		return
	}

	pl, err := g.lines.CreatePending(r.Context(), store.PhoneLine{
		TenantID:  tenant,
		LineIndex: line,
		Provider:  store.ProviderLocal,
	})
	if err != nil {
		g.writeError(w, err)
		return
	}

	sess, err := g.startSession(r.Context(), websession.Key{TenantID: tenant, LineIndex: line})
	if err != nil {
		g.writeError(w, err)
		return
	}

	resp := g.newLineResponse(pl)
	resp.PairingCode = sess.PairingCode()
	writeJSON(w, http.StatusAccepted, resp)
}

// handleStopLocal closes the session of a local line and marks it disconnected.
func (g *Gateway) handleStopLocal(w http.ResponseWriter, r *http.Request) {
	tenant, line, err := lineParams(r)
	if err != nil {
		g.writeError(w, err)
		return
	}

	pl, err := g.lines.Config(r.Context(), tenant, line)
	if err != nil {
		g.writeError(w, err)
		return
	}
	if pl.Provider != store.ProviderLocal {
		g.writeError(w, provider.Unsupported(pl.Provider, "stopping a local session"))
		return
	}

	g.sessions.Remove(websession.Key{TenantID: tenant, LineIndex: line})
	if err := g.lines.MarkDisconnected(r.Context(), tenant, line, "stopped by api"); err != nil {
		g.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// startSession opens a session and hands it to the registry. A failure to
// start is recorded on the line.
func (g *Gateway) startSession(ctx context.Context, key websession.Key) (websession.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, sessionStartTimeout)
	defer cancel()

	sess, err := g.openSession(ctx, key, g.ingester)
	if err != nil {
		reason := fmt.Sprintf("starting session: %v", err)
		if merr := g.lines.MarkError(context.WithoutCancel(ctx), key.TenantID, key.LineIndex, reason); merr != nil {
			g.logger.Warn("recording session failure", "key", key.String(), "error", merr)
		}
		return nil, fmt.Errorf("starting local session %s: %w", key, err)
	}
	g.sessions.Insert(key, sess)
	return sess, nil
}

// resumeLocalSessions reopens the sessions of local lines that were linked
// before the last shutdown. Profiles persist in local.user_data_dir.
func (g *Gateway) resumeLocalSessions(ctx context.Context) {
	if g.config.Local.UserDataDir == "" {
		return
	}
	all, err := g.lines.List(ctx)
	if err != nil {
		g.logger.Warn("listing lines for session resume", "error", err)
		return
	}
	for _, l := range all {
		if l.Provider != store.ProviderLocal || l.Status != store.LineStatusReady {
			continue
		}
		key := websession.Key{TenantID: l.TenantID, LineIndex: l.LineIndex}
		go func() {
			if _, err := g.startSession(ctx, key); err != nil {
				g.logger.Warn("resuming local session", "key", key.String(), "error", err)
			}
		}()
	}
}

func (g *Gateway) handleTemplateSync(w http.ResponseWriter, r *http.Request) {
	tenant, line, err := lineParams(r)
	if err != nil {
		g.writeError(w, err)
		return
	}
	res, err := g.syncer.SyncLine(r.Context(), tenant, line)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
