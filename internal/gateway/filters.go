package gateway

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"bffgate/internal/routing"
	"bffgate/internal/session/models"
)

// Identity headers set for downstream services.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
	HeaderUserRoles = "X-User-Roles"
)

// outboundFilter mutates the proxied request before it leaves the gateway.
type outboundFilter func(out *http.Request)

// compileFilters turns a rule's specs into request mutators. TokenRelay is
// applied separately because it needs the session and the resolved target.
func compileFilters(specs []routing.FilterSpec) ([]outboundFilter, error) {
	var chain []outboundFilter
	for _, spec := range specs {
		switch spec.Name {
		case routing.FilterTokenRelay:
			continue
		case routing.FilterRewritePath:
			re, err := regexp.Compile(spec.Args[0])
			if err != nil {
				return nil, fmt.Errorf("rewrite path: %w", err)
			}
			chain = append(chain, rewritePath(re, spec.Args[1]))
		case routing.FilterAddRequestHeader:
			name, value := spec.Args[0], spec.Args[1]
			chain = append(chain, func(out *http.Request) {
				out.Header.Set(name, value)
			})
		default:
			return nil, fmt.Errorf("%w: %s", routing.ErrUnknownFilter, spec.Name)
		}
	}
	return chain, nil
}

func rewritePath(re *regexp.Regexp, replacement string) outboundFilter {
	return func(out *http.Request) {
		rewritten := re.ReplaceAllString(out.URL.Path, replacement)
		if rewritten == "" {
			rewritten = "/"
		}
		out.URL.Path = rewritten
		out.URL.RawPath = ""
	}
}

// propagateUserContext removes any caller-supplied identity headers and, for
// an authenticated principal, sets them from the verified session.
func propagateUserContext(h http.Header, p *models.Principal) {
	h.Del(HeaderUserID)
	h.Del(HeaderUserEmail)
	h.Del(HeaderUserRoles)
	if p == nil || p.Subject == "" {
		return
	}
	h.Set(HeaderUserID, p.Subject)
	if p.Email != "" {
		h.Set(HeaderUserEmail, p.Email)
	}
	h.Set(HeaderUserRoles, strings.Join(p.Authorities, ","))
}
