package oidc

import (
	"slices"
	"strings"

	pstrings "bffgate/pkg/platform/strings"
)

// Authority prefixes and the base authority every OIDC login receives.
const (
	AuthorityOIDCUser = "OIDC_USER"
	scopePrefix       = "SCOPE_"
	rolePrefix        = "ROLE_"
)

// Authorities derives the principal's authority set: OIDC_USER, one
// SCOPE_<scope> per granted scope and one ROLE_<ROLE> per entry of the roles
// claim. The result is deduplicated and sorted.
func Authorities(scopes []string, claims map[string]any) []string {
	out := []string{AuthorityOIDCUser}
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, scopePrefix+s)
		}
	}
	for _, r := range stringList(claims["roles"]) {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if !strings.HasPrefix(r, rolePrefix) {
			r = rolePrefix + strings.ToUpper(r)
		}
		out = append(out, r)
	}
	out = pstrings.DedupeAndTrim(out)
	slices.Sort(out)
	return out
}

// stringList accepts a JSON array of strings or a single space or comma
// separated string.
func stringList(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.FieldsFunc(vv, func(r rune) bool { return r == ' ' || r == ',' })
	default:
		return nil
	}
}
