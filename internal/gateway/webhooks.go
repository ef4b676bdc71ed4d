// ABOUTME: Vendor webhook endpoints: subscription handshake and delivery intake
// ABOUTME: Deliveries are acknowledged immediately and ingested on a detached, tracked goroutine

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/2389/wa-gateway/internal/auth"
)

// maxWebhookBody bounds one delivery. Vendor payloads batch at most a few
// hundred messages.
const maxWebhookBody = 8 << 20

var errBodyTooLarge = errors.New("webhook body too large")

// bspPartnerScope is the token scope of the partner lifecycle webhook.
const bspPartnerScope = "bsp/partner"

// bspLineScope is the token scope of one relay line's webhook.
func bspLineScope(tenantID string, lineIndex int) string {
	return fmt.Sprintf("bsp/%s/%d", tenantID, lineIndex)
}

// webhookCheck authenticates one delivery given its raw body.
type webhookCheck func(r *http.Request, body []byte) error

// cloudSignature verifies the cloud API body signature when
// webhooks.app_secret is set.
func (g *Gateway) cloudSignature(r *http.Request, body []byte) error {
	secret := g.config.Webhooks.AppSecret
	if secret == "" {
		return nil
	}
	return auth.VerifyHubSignature(secret, r.Header.Get(auth.SignatureHeader), body)
}

// bspToken returns the check for a relay scope. Relays do not sign bodies,
// so each registered URL carries a token derived from webhooks.bsp_secret.
func (g *Gateway) bspToken(scope string) webhookCheck {
	return func(r *http.Request, _ []byte) error {
		secret := g.config.Webhooks.BSPSecret
		if secret == "" {
			return nil
		}
		presented := r.Header.Get(auth.WebhookTokenHeader)
		if presented == "" {
			presented = r.URL.Query().Get(auth.WebhookTokenParam)
		}
		return auth.VerifyWebhookToken(secret, scope, presented)
	}
}

// webhookPath is the URL path a relay line should deliver to, with its
// token when relay tokens are enabled.
func (g *Gateway) webhookPath(tenantID string, lineIndex int) string {
	path := fmt.Sprintf("/webhooks/bsp/%s/%d", tenantID, lineIndex)
	if secret := g.config.Webhooks.BSPSecret; secret != "" {
		path += "?" + auth.WebhookTokenParam + "=" + auth.WebhookToken(secret, bspLineScope(tenantID, lineIndex))
	}
	return path
}

// handleVerifyWebhook answers the vendor subscription handshake.
func (g *Gateway) handleVerifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	want := g.config.Webhooks.VerifyToken
	if q.Get("hub.mode") != "subscribe" || want == "" || q.Get("hub.verify_token") != want {
		g.logger.Warn("webhook verification rejected", "path", r.URL.Path, "mode", q.Get("hub.mode"))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

func (g *Gateway) handleCloudWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := g.readWebhook(w, r, g.cloudSignature)
	if !ok {
		return
	}
	g.process("cloud", func(ctx context.Context) error {
		return g.ingester.IngestCloud(ctx, body)
	})
}

func (g *Gateway) handleBSPWebhook(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	line, err := strconv.Atoi(chi.URLParam(r, "line"))
	if err != nil || line < 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	body, ok := g.readWebhook(w, r, g.bspToken(bspLineScope(tenant, line)))
	if !ok {
		return
	}
	g.process("bsp", func(ctx context.Context) error {
		return g.ingester.IngestBSP(ctx, tenant, line, body)
	})
}

func (g *Gateway) handleBSPPartnerWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := g.readWebhook(w, r, g.bspToken(bspPartnerScope))
	if !ok {
		return
	}
	g.process("bsp_partner", func(ctx context.Context) error {
		return g.ingester.IngestBSPPartner(ctx, body)
	})
}

// readWebhook reads a delivery, authenticates it with check and acknowledges
// it. It reports false when the request was rejected instead.
func (g *Gateway) readWebhook(w http.ResponseWriter, r *http.Request, check webhookCheck) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err == nil && len(body) > maxWebhookBody {
		err = errBodyTooLarge
	}
	if err != nil {
		g.logger.Warn("reading webhook body", "path", r.URL.Path, "error", err)
		if errors.Is(err, errBodyTooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
		} else {
			w.WriteHeader(http.StatusBadRequest)
		}
		return nil, false
	}

	if err := check(r, body); err != nil {
		g.logger.Warn("webhook rejected", "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return nil, false
	}

	w.WriteHeader(http.StatusOK)
	return body, true
}

// process runs fn detached from the request. Failures are logged and never
// reported to the vendor, which already received its acknowledgement.
func (g *Gateway) process(kind string, fn func(ctx context.Context) error) {
	g.webhooks.Add(1)
	go func() {
		defer g.webhooks.Done()

		ctx := context.Background()
		if timeout := g.config.Webhooks.ProcessTimeout; timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		if err := fn(ctx); err != nil {
			g.logger.Error("webhook processing failed", "webhook", kind, "error", err)
		}
	}()
}
