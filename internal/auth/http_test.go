// ABOUTME: Tests for HTTP authentication middleware, webhook signatures and relay tokens
// ABOUTME: Covers bearer extraction, query tokens, anonymous mode, and tenant scoping

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(mw func(http.Handler) http.Handler, req *http.Request) (*httptest.ResponseRecorder, *AuthContext) {
	var got *AuthContext
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, got
}

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	token, err := v.Generate("crm", "acme", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tenants/acme/lines/0/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec, ac := serve(HTTPAuthMiddleware(v, nil), req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, ac)
	assert.Equal(t, "crm", ac.Subject)
	assert.Equal(t, "acme", ac.Tenant)
}

func TestHTTPAuthMiddleware_Rejections(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"empty bearer", "Bearer "},
		{"bad token", "Bearer nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec, ac := serve(HTTPAuthMiddleware(v, nil), req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Nil(t, ac)
		})
	}
}

func TestHTTPAuthMiddleware_QueryToken(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	token, err := v.Generate("dashboard", "", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tenants/acme/events/ws?access_token="+token, nil)
	rec, ac := serve(HTTPAuthMiddleware(v, nil), req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, ac)
	assert.Equal(t, "dashboard", ac.Subject)
}

func TestHTTPAuthMiddleware_Anonymous(t *testing.T) {
	rec, ac := serve(HTTPAuthMiddleware(nil, nil), httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, ac)
	assert.True(t, ac.Anonymous)
	assert.True(t, ac.CanAccess("anyone"))
}

func TestRequireTenant(t *testing.T) {
	tenantOf := func(r *http.Request) string { return r.URL.Query().Get("tenant") }
	chain := func(ac *AuthContext) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			inner := RequireTenant(tenantOf)(next)
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if ac != nil {
					r = r.WithContext(WithAuth(r.Context(), ac))
				}
				inner.ServeHTTP(w, r)
			})
		}
	}

	rec, _ := serve(chain(&AuthContext{Subject: "crm", Tenant: "acme"}), httptest.NewRequest(http.MethodGet, "/x?tenant=acme", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = serve(chain(&AuthContext{Subject: "crm", Tenant: "acme"}), httptest.NewRequest(http.MethodGet, "/x?tenant=beta", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = serve(chain(nil), httptest.NewRequest(http.MethodGet, "/x?tenant=acme", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyHubSignature(t *testing.T) {
	body := []byte(`{"entry":[]}`)
	header := SignHub("app-secret", body)

	assert.NoError(t, VerifyHubSignature("app-secret", header, body))
	assert.ErrorIs(t, VerifyHubSignature("other-secret", header, body), ErrBadSignature)
	assert.ErrorIs(t, VerifyHubSignature("app-secret", header, []byte(`{"entry":[1]}`)), ErrBadSignature)
	assert.ErrorIs(t, VerifyHubSignature("app-secret", "", body), ErrBadSignature)
	assert.ErrorIs(t, VerifyHubSignature("app-secret", "sha256=zz", body), ErrBadSignature)
}

func TestWebhookToken(t *testing.T) {
	token := WebhookToken("relay-secret", "bsp/acme/1")
	assert.Len(t, token, 64)
	assert.Equal(t, token, WebhookToken("relay-secret", "bsp/acme/1"))

	assert.NoError(t, VerifyWebhookToken("relay-secret", "bsp/acme/1", token))
	assert.ErrorIs(t, VerifyWebhookToken("relay-secret", "bsp/acme/2", token), ErrBadWebhookToken)
	assert.ErrorIs(t, VerifyWebhookToken("other-secret", "bsp/acme/1", token), ErrBadWebhookToken)
	assert.ErrorIs(t, VerifyWebhookToken("relay-secret", "bsp/acme/1", ""), ErrBadWebhookToken)
	assert.ErrorIs(t, VerifyWebhookToken("relay-secret", "bsp/acme/1", "not-hex"), ErrBadWebhookToken)
}
