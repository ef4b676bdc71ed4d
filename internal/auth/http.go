// ABOUTME: HTTP middleware for JWT authentication on collaborator API endpoints
// ABOUTME: Extracts the bearer token, attaches AuthContext, and enforces tenant scope

package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// HTTPAuthMiddleware validates bearer tokens and adds AuthContext to the
// request context. A nil verifier disables authentication: every request
// runs as an anonymous identity with access to all tenants.
func HTTPAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if verifier == nil {
		logger.Warn("auth.jwt_secret not set, collaborator API is unauthenticated")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), &AuthContext{Subject: "anonymous", Anonymous: true})))
				return
			}

			var token, errMsg string
			header := r.Header.Get("Authorization")
			if q := r.URL.Query().Get("access_token"); header == "" && q != "" {
				// Browsers cannot set headers on websocket upgrades.
				token = q
			} else {
				token, errMsg = extractBearerToken(header)
			}
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("rejected token", "error", err)
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			authCtx := &AuthContext{Subject: claims.Subject, Tenant: claims.Tenant}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireTenant rejects requests whose identity may not act on the tenant
// named by the request. Must be used after HTTPAuthMiddleware.
func RequireTenant(tenantOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}
			if !authCtx.CanAccess(tenantOf(r)) {
				http.Error(w, `{"error":"token is not valid for this tenant"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
