// Package auth authenticates collaborator API calls and vendor webhooks.
//
// # Collaborator tokens
//
// Collaborators authenticate with HS256 JWTs signed with auth.jwt_secret.
// The "sub" claim names the caller; an optional "tenant" claim restricts the
// token to one tenant:
//
//	v := NewJWTVerifier(secret)
//	token, err := v.Generate("crm-worker", "acme", 720*time.Hour)
//
// HTTPAuthMiddleware attaches an AuthContext; RequireTenant rejects requests
// for tenants the token does not cover. With no secret configured the API
// runs unauthenticated and logs a warning at startup.
//
// # Webhook signatures
//
// VerifyHubSignature checks the X-Hub-Signature-256 header the cloud API
// puts on every webhook delivery.
package auth
