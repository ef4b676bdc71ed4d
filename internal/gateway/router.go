// ABOUTME: chi route table for health, vendor webhooks, the line API and the event stream
// ABOUTME: Webhooks are unauthenticated; everything under /api/v1 requires a tenant-scoped JWT

package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/wa-gateway/internal/auth"
	"github.com/2389/wa-gateway/internal/events"
)

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	r.Route("/webhooks", func(r chi.Router) {
		r.Get("/cloud", g.handleVerifyWebhook)
		r.Post("/cloud", g.handleCloudWebhook)
		r.Post("/bsp/partner", g.handleBSPPartnerWebhook)
		r.Get("/bsp/{tenant}/{line}", g.handleVerifyWebhook)
		r.Post("/bsp/{tenant}/{line}", g.handleBSPWebhook)
	})

	stream := events.NewStreamHandler(g.broadcaster, streamTenant, g.logger)

	r.Route("/api/v1/tenants/{tenant}", func(r chi.Router) {
		r.Use(auth.HTTPAuthMiddleware(g.tokenVerifier(), g.logger))
		r.Use(auth.RequireTenant(func(r *http.Request) string {
			return chi.URLParam(r, "tenant")
		}))

		r.Handle("/events/ws", stream)

		r.Route("/lines/{line}", func(r chi.Router) {
			r.Post("/messages", g.handleSend)
			r.Post("/read", g.handleMarkAsRead)
			r.Get("/status", g.handleStatus)
			r.Get("/window", g.handleWindow)
			r.Get("/media/{mediaID}", g.handleDownloadMedia)

			r.Post("/bsp", g.handleOnboardBSP)
			r.Post("/cloud/signup", g.handleCloudSignup)
			r.Post("/local", g.handleStartLocal)
			r.Delete("/local", g.handleStopLocal)
			r.Post("/templates/sync", g.handleTemplateSync)
		})
	})

	return r
}

// tokenVerifier keeps a nil *JWTVerifier from becoming a non-nil interface.
func (g *Gateway) tokenVerifier() auth.TokenVerifier {
	if g.verifier == nil {
		return nil
	}
	return g.verifier
}

// streamTenant resolves the stream tenant after auth and tenant checks ran.
func streamTenant(r *http.Request) (string, bool) {
	tenant := chi.URLParam(r, "tenant")
	ac := auth.FromContext(r.Context())
	if tenant == "" || !ac.CanAccess(tenant) {
		return "", false
	}
	return tenant, true
}
