// Package policy decides, per request, whether the gateway lets it through,
// requires an authenticated principal, or denies it. Decisions are pure
// functions of method, path and principal; the engine never touches storage.
package policy

import (
	"net/http"
	"slices"
	"strings"

	"bffgate/internal/routing"
	"bffgate/internal/session/models"
)

// Effect is the outcome class of a decision.
type Effect int

const (
	Permit Effect = iota
	RequireAuth
	Deny
)

func (e Effect) String() string {
	switch e {
	case Permit:
		return "permit"
	case RequireAuth:
		return "require_auth"
	default:
		return "deny"
	}
}

// Reasons attached to decisions, used for logs and metrics labels.
const (
	ReasonPreflight        = "preflight"
	ReasonPublicPath       = "public_path"
	ReasonPublicRead       = "public_read"
	ReasonAuthorized       = "authorized"
	ReasonAuthenticated    = "authenticated"
	ReasonMissingPrincipal = "missing_principal"
	ReasonInsufficientAuth = "insufficient_authority"
)

// Decision is the engine's answer for one request.
type Decision struct {
	Effect Effect
	// Status is 401 or 403 for Deny, zero otherwise.
	Status int
	Reason string
}

// Allowed reports whether the request may be forwarded.
func (d Decision) Allowed() bool {
	return d.Effect != Deny
}

// ProtectedPath guards writes under Prefix with an authority allow-set.
type ProtectedPath struct {
	Prefix             string
	AllowedAuthorities []string
}

func (p ProtectedPath) covers(path string) bool {
	return path == p.Prefix || strings.HasPrefix(path, strings.TrimSuffix(p.Prefix, "/")+"/")
}

// Engine evaluates requests against the public allow-list and protected paths.
type Engine struct {
	public    []string
	protected []ProtectedPath
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublicPaths replaces the public allow-list. Patterns use routing.MatchPattern syntax.
func WithPublicPaths(patterns ...string) Option {
	return func(e *Engine) {
		e.public = slices.Clone(patterns)
	}
}

// WithProtectedPaths replaces the protected prefixes.
func WithProtectedPaths(paths ...ProtectedPath) Option {
	return func(e *Engine) {
		e.protected = slices.Clone(paths)
	}
}

// New builds an engine with the default allow-list and protected prefixes.
func New(opts ...Option) *Engine {
	e := &Engine{
		public:    DefaultPublicPaths(),
		protected: DefaultProtectedPaths(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// DefaultPublicPaths are reachable without authentication for any method.
func DefaultPublicPaths() []string {
	return []string{
		"/",
		"/login",
		"/oauth2/**",
		"/login/oauth2/**",
		"/logout",
		"/logout-success",
		"/error",
		"/favicon.ico",
		"/_next/**",
		"/images/**",
		"/fonts/**",
	}
}

// WriteAuthorities are the authorities that unlock writes on protected paths.
func WriteAuthorities() []string {
	return []string{"SCOPE_write", "ROLE_USER", "ROLE_ADMIN", "ROLE_MANAGER"}
}

// DefaultProtectedPaths are the microservice prefixes with public reads.
func DefaultProtectedPaths() []ProtectedPath {
	return []ProtectedPath{
		{Prefix: "/api/v1/products", AllowedAuthorities: WriteAuthorities()},
		{Prefix: "/api/v1/orders", AllowedAuthorities: WriteAuthorities()},
	}
}

// IsPublic reports whether path is on the public allow-list. Paths with dot
// segments or encoded separators are never public.
func (e *Engine) IsPublic(path string) bool {
	if !routing.IsCanonicalPath(path) {
		return false
	}
	for _, pattern := range e.public {
		if routing.MatchPattern(pattern, path) {
			return true
		}
	}
	return false
}

// Decide evaluates one request. p is nil for anonymous callers.
//
// Order:
//  1. OPTIONS is always permitted (CORS preflight).
//  2. Public allow-list is permitted for any method.
//  3. Protected prefixes: GET permitted; writes need a principal (401) holding
//     an allowed authority (403).
//  4. Everything else requires a principal (401 without one).
func (e *Engine) Decide(method, path string, p *models.Principal) Decision {
	if method == http.MethodOptions {
		return Decision{Effect: Permit, Reason: ReasonPreflight}
	}
	if e.IsPublic(path) {
		return Decision{Effect: Permit, Reason: ReasonPublicPath}
	}

	for _, pp := range e.protected {
		if !pp.covers(path) {
			continue
		}
		if method == http.MethodGet || method == http.MethodHead {
			return Decision{Effect: Permit, Reason: ReasonPublicRead}
		}
		if p == nil {
			return Decision{Effect: Deny, Status: http.StatusUnauthorized, Reason: ReasonMissingPrincipal}
		}
		if !p.HasAnyAuthority(pp.AllowedAuthorities) {
			return Decision{Effect: Deny, Status: http.StatusForbidden, Reason: ReasonInsufficientAuth}
		}
		return Decision{Effect: Permit, Reason: ReasonAuthorized}
	}

	if p == nil {
		return Decision{Effect: Deny, Status: http.StatusUnauthorized, Reason: ReasonMissingPrincipal}
	}
	return Decision{Effect: RequireAuth, Reason: ReasonAuthenticated}
}
