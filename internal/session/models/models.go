// Package models holds the gateway's session state: the authenticated
// principal, the browser session, and the IdP token pair stored per principal.
package models

import (
	"slices"
	"time"
)

// Principal is the verified identity behind a session.
type Principal struct {
	Subject    string         `json:"sub"`
	Email      string         `json:"email,omitempty"`
	Name       string         `json:"name,omitempty"`
	GivenName  string         `json:"given_name,omitempty"`
	FamilyName string         `json:"family_name,omitempty"`
	Claims     map[string]any `json:"claims,omitempty"`
	// Authorities is sorted and deduplicated; it is the order used downstream.
	Authorities []string `json:"authorities"`
	// IDToken is the raw ID token used as id_token_hint on logout.
	IDToken string `json:"id_token,omitempty"`
	// IDPSessionID is the IdP `sid` claim; empty when the IdP omits it.
	IDPSessionID string `json:"sid,omitempty"`
}

// HasAnyAuthority reports whether the principal holds at least one of allowed.
func (p *Principal) HasAnyAuthority(allowed []string) bool {
	if p == nil {
		return false
	}
	for _, a := range p.Authorities {
		if slices.Contains(allowed, a) {
			return true
		}
	}
	return false
}

// AuthenticatedSession is one browser session established by an OIDC login.
type AuthenticatedSession struct {
	ID             string    `json:"id"`
	RegistrationID string    `json:"registration_id"`
	Principal      Principal `json:"principal"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// IsExpired reports whether the session lifetime elapsed at now.
func (s *AuthenticatedSession) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// ClientKey identifies an AuthorizedClient.
type ClientKey struct {
	RegistrationID string
	PrincipalName  string
}

func (k ClientKey) String() string {
	return k.RegistrationID + ":" + k.PrincipalName
}

// Key returns the authorized-client key for this session.
func (s *AuthenticatedSession) Key() ClientKey {
	return ClientKey{RegistrationID: s.RegistrationID, PrincipalName: s.Principal.Subject}
}

// AuthorizedClient is the IdP token pair held for a principal.
type AuthorizedClient struct {
	RegistrationID       string    `json:"registration_id"`
	PrincipalName        string    `json:"principal_name"`
	AccessToken          string    `json:"access_token,omitempty"`
	AccessTokenExpiresAt time.Time `json:"access_token_expires_at,omitzero"`
	RefreshToken         string    `json:"refresh_token,omitempty"`
	Scopes               []string  `json:"scopes,omitempty"`
}

// Key returns the store key of the client.
func (c *AuthorizedClient) Key() ClientKey {
	return ClientKey{RegistrationID: c.RegistrationID, PrincipalName: c.PrincipalName}
}

// IsEmpty reports whether the client carries no token at all. Stores treat
// an empty client as absent.
func (c *AuthorizedClient) IsEmpty() bool {
	return c == nil || (c.AccessToken == "" && c.RefreshToken == "")
}

// AccessTokenValid reports whether the access token is usable at now with
// the given leeway. A zero expiry means the IdP did not report one.
func (c *AuthorizedClient) AccessTokenValid(now time.Time, leeway time.Duration) bool {
	if c.AccessToken == "" {
		return false
	}
	if c.AccessTokenExpiresAt.IsZero() {
		return true
	}
	return now.Add(leeway).Before(c.AccessTokenExpiresAt)
}
