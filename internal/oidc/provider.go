// Package oidc implements the gateway's OIDC client side: the
// authorization-code login with PKCE, ID token verification, principal
// construction and access-token refresh for token relay.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"bffgate/internal/session/models"
	dErrors "bffgate/pkg/domain-errors"
	"bffgate/pkg/platform/sentinel"
	pstrings "bffgate/pkg/platform/strings"
)

const (
	// refreshLeeway is how close to expiry an access token is refreshed.
	refreshLeeway = 30 * time.Second
	// refreshTimeout bounds a shared refresh independently of its callers.
	refreshTimeout = 10 * time.Second
)

var (
	ErrMissingIDToken = errors.New("token response has no id_token")
	ErrNonceMismatch  = errors.New("id token nonce mismatch")
)

// ProviderConfig describes one client registration.
type ProviderConfig struct {
	RegistrationID string
	IssuerURL      string
	ClientID       string
	ClientSecret   string
	RedirectURL    string
	Scopes         []string
	// SkipDiscovery uses the issuer's conventional endpoint paths instead of
	// fetching the discovery document.
	SkipDiscovery bool
}

// oauth2Client is the part of *oauth2.Config the provider uses.
type oauth2Client interface {
	AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
	TokenSource(ctx context.Context, t *oauth2.Token) oauth2.TokenSource
}

type idTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// Login is the result of a completed code exchange.
type Login struct {
	Principal models.Principal
	Client    models.AuthorizedClient
}

// Provider is one OIDC client registration.
type Provider struct {
	registrationID string
	oauth          oauth2Client
	verifier       idTokenVerifier
	scopes         []string
	httpClient     *http.Client
	keySet         oidc.KeySet
	now            func() time.Time
	refreshes      singleflight.Group
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithHTTPClient sets the client used for discovery, JWKS and token calls.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.httpClient = c }
}

// WithKeySet verifies ID tokens against ks instead of the remote JWKS.
func WithKeySet(ks oidc.KeySet) ProviderOption {
	return func(p *Provider) { p.keySet = ks }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ProviderOption {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// DefaultScopes are always requested.
func DefaultScopes() []string {
	return []string{oidc.ScopeOpenID, "profile", "email"}
}

// NewProvider builds a provider, performing discovery unless disabled.
func NewProvider(ctx context.Context, cfg ProviderConfig, opts ...ProviderOption) (*Provider, error) {
	p := &Provider{
		registrationID: cfg.RegistrationID,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.scopes = mergeScopes(DefaultScopes(), cfg.Scopes)

	ctx = p.clientContext(ctx)
	var op *oidc.Provider
	if cfg.SkipDiscovery {
		issuer := strings.TrimSuffix(cfg.IssuerURL, "/")
		op = (&oidc.ProviderConfig{
			IssuerURL:   issuer,
			AuthURL:     issuer + "/oauth2/authorize",
			TokenURL:    issuer + "/oauth2/token",
			JWKSURL:     issuer + "/oauth2/jwks",
			UserInfoURL: issuer + "/userinfo",
		}).NewProvider(ctx)
	} else {
		var err error
		op, err = oidc.NewProvider(ctx, cfg.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("discover %s: %w", cfg.IssuerURL, err)
		}
	}

	verifierCfg := &oidc.Config{ClientID: cfg.ClientID, Now: p.now}
	if p.keySet != nil {
		p.verifier = oidc.NewVerifier(strings.TrimSuffix(cfg.IssuerURL, "/"), p.keySet, verifierCfg)
	} else {
		p.verifier = op.Verifier(verifierCfg)
	}
	p.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       p.scopes,
		Endpoint:     op.Endpoint(),
	}
	return p, nil
}

func (p *Provider) RegistrationID() string {
	return p.registrationID
}

func (p *Provider) clientContext(ctx context.Context) context.Context {
	if p.httpClient == nil {
		return ctx
	}
	return oidc.ClientContext(ctx, p.httpClient)
}

// AuthCodeURL returns the IdP authorization URL with PKCE S256 and nonce.
func (p *Provider) AuthCodeURL(state, nonce, verifier string) string {
	return p.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier), oidc.Nonce(nonce))
}

// Exchange trades the code for tokens, verifies the ID token and its nonce,
// and builds the principal.
func (p *Provider) Exchange(ctx context.Context, code, verifier, nonce string) (*Login, error) {
	ctx = p.clientContext(ctx)
	tok, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadGateway, "code exchange failed")
	}
	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, dErrors.Wrap(ErrMissingIDToken, dErrors.CodeUnauthorized, "id token missing")
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "id token verification failed")
	}
	if idToken.Nonce != nonce {
		return nil, dErrors.Wrap(ErrNonceMismatch, dErrors.CodeUnauthorized, "id token nonce mismatch")
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "id token claims unreadable")
	}

	scopes := p.scopes
	if granted, ok := tok.Extra("scope").(string); ok && granted != "" {
		scopes = strings.Fields(granted)
	}

	principal := models.Principal{
		Subject:      idToken.Subject,
		Email:        claimString(claims, "email"),
		Name:         claimString(claims, "name"),
		GivenName:    claimString(claims, "given_name"),
		FamilyName:   claimString(claims, "family_name"),
		Claims:       customClaims(claims),
		Authorities:  Authorities(scopes, claims),
		IDToken:      rawIDToken,
		IDPSessionID: claimString(claims, "sid"),
	}
	return &Login{
		Principal: principal,
		Client: models.AuthorizedClient{
			RegistrationID:       p.registrationID,
			PrincipalName:        idToken.Subject,
			AccessToken:          tok.AccessToken,
			AccessTokenExpiresAt: tok.Expiry,
			RefreshToken:         tok.RefreshToken,
			Scopes:               scopes,
		},
	}, nil
}

// ClientStore persists authorized clients.
type ClientStore interface {
	Load(ctx context.Context, key models.ClientKey) (*models.AuthorizedClient, error)
	Save(ctx context.Context, client *models.AuthorizedClient) error
}

// Refresh returns a usable access token for the stored client, refreshing
// and persisting the rotated pair when the current token is within the
// refresh leeway. refreshed reports whether the IdP was called.
func (p *Provider) Refresh(ctx context.Context, clients ClientStore, key models.ClientKey) (token string, refreshed bool, err error) {
	client, err := clients.Load(ctx, key)
	if err != nil {
		return "", false, err
	}
	if client.AccessTokenValid(p.now(), refreshLeeway) {
		return client.AccessToken, false, nil
	}
	if client.RefreshToken == "" {
		return "", false, fmt.Errorf("access token expired and no refresh token: %w", sentinel.ErrExpired)
	}

	// Concurrent requests for one principal share a single refresh. The
	// shared call must not fail because whichever caller started it went away.
	v, err, _ := p.refreshes.Do(key.String(), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		tok, err := p.oauth.TokenSource(p.clientContext(rctx), &oauth2.Token{RefreshToken: client.RefreshToken}).Token()
		if err != nil {
			return nil, fmt.Errorf("refresh token: %w", err)
		}

		// A logout that ran while the IdP was answering removed the client.
		// Saving now would bring it back with tokens nobody revokes.
		current, err := clients.Load(rctx, key)
		if err != nil {
			return nil, fmt.Errorf("reload client after refresh: %w", err)
		}
		if current.RefreshToken != client.RefreshToken {
			return nil, fmt.Errorf("client replaced during refresh: %w", sentinel.ErrNotFound)
		}

		updated := *current
		updated.AccessToken = tok.AccessToken
		updated.AccessTokenExpiresAt = tok.Expiry
		if tok.RefreshToken != "" {
			updated.RefreshToken = tok.RefreshToken
		}
		if err := clients.Save(rctx, &updated); err != nil {
			return nil, fmt.Errorf("save refreshed client: %w", err)
		}
		return updated.AccessToken, nil
	})
	if err != nil {
		return "", false, err
	}
	return v.(string), true, nil
}

func mergeScopes(base, extra []string) []string {
	return pstrings.DedupeAndTrim(append(append([]string{}, base...), extra...))
}

func claimString(claims map[string]any, name string) string {
	s, _ := claims[name].(string)
	return s
}

// customClaims keeps the non-standard claims exposed by /api/auth/me.
func customClaims(claims map[string]any) map[string]any {
	out := make(map[string]any)
	for _, name := range []string{"uuid", "roles", "permissions"} {
		if v, ok := claims[name]; ok {
			out[name] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
