package policy

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"bffgate/internal/session/models"
)

func principal(authorities ...string) *models.Principal {
	return &models.Principal{Subject: "user-1", Authorities: authorities}
}

func TestDecide_Matrix(t *testing.T) {
	engine := New()

	tests := []struct {
		name      string
		method    string
		path      string
		principal *models.Principal
		effect    Effect
		status    int
	}{
		{"anonymous product read", http.MethodGet, "/api/v1/products", nil, Permit, 0},
		{"anonymous product detail read", http.MethodGet, "/api/v1/products/42", nil, Permit, 0},
		{"anonymous product write", http.MethodPost, "/api/v1/products", nil, Deny, http.StatusUnauthorized},
		{"write without allowed authority", http.MethodPost, "/api/v1/products", principal("OIDC_USER", "SCOPE_openid"), Deny, http.StatusForbidden},
		{"write with ROLE_USER", http.MethodPost, "/api/v1/products", principal("OIDC_USER", "ROLE_USER"), Permit, 0},
		{"order delete with SCOPE_write", http.MethodDelete, "/api/v1/orders/9", principal("SCOPE_write"), Permit, 0},
		{"order put by manager", http.MethodPut, "/api/v1/orders/9", principal("ROLE_MANAGER"), Permit, 0},
		{"lookalike authority is not enough", http.MethodPatch, "/api/v1/orders/9", principal("ROLE_USERS"), Deny, http.StatusForbidden},
		{"preflight on protected write", http.MethodOptions, "/api/v1/orders", nil, Permit, 0},
		{"root is public", http.MethodGet, "/", nil, Permit, 0},
		{"logout is public for POST", http.MethodPost, "/logout", nil, Permit, 0},
		{"oauth callback is public", http.MethodGet, "/login/oauth2/code/gateway", nil, Permit, 0},
		{"static asset is public", http.MethodGet, "/_next/static/app.js", nil, Permit, 0},
		{"other page anonymous", http.MethodGet, "/account", nil, Deny, http.StatusUnauthorized},
		{"other page authenticated", http.MethodGet, "/account", principal("OIDC_USER"), RequireAuth, 0},
		{"bff api anonymous", http.MethodPost, "/bff/cart", nil, Deny, http.StatusUnauthorized},
		{"dot segment out of static assets", http.MethodPost, "/_next/../api/v1/orders", nil, Deny, http.StatusUnauthorized},
		{"dot segment out of images", http.MethodGet, "/images/../account/settings", nil, Deny, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := engine.Decide(tt.method, tt.path, tt.principal)
			assert.Equal(t, tt.effect, d.Effect, "reason=%s", d.Reason)
			assert.Equal(t, tt.status, d.Status)
			assert.Equal(t, tt.effect != Deny, d.Allowed())
		})
	}
}

func TestDecide_ProtectedPrefixBoundary(t *testing.T) {
	engine := New()
	d := engine.Decide(http.MethodPost, "/api/v1/productsearch", nil)
	assert.Equal(t, ReasonMissingPrincipal, d.Reason)
	d = engine.Decide(http.MethodPost, "/api/v1/productsearch", principal("OIDC_USER"))
	assert.Equal(t, RequireAuth, d.Effect, "not under the products prefix, so no authority check")
}

func TestNew_Options(t *testing.T) {
	engine := New(
		WithPublicPaths("/health"),
		WithProtectedPaths(ProtectedPath{Prefix: "/api/v2/admin", AllowedAuthorities: []string{"ROLE_ADMIN"}}),
	)

	assert.True(t, engine.IsPublic("/health"))
	assert.False(t, engine.IsPublic("/"), "default allow-list replaced")
	assert.Equal(t, http.StatusForbidden, engine.Decide(http.MethodPost, "/api/v2/admin/users", principal("ROLE_USER")).Status)
	assert.Equal(t, Permit, engine.Decide(http.MethodPost, "/api/v2/admin/users", principal("ROLE_ADMIN")).Effect)
}

func TestEffect_String(t *testing.T) {
	assert.Equal(t, "permit", Permit.String())
	assert.Equal(t, "require_auth", RequireAuth.String())
	assert.Equal(t, "deny", Deny.String())
}
