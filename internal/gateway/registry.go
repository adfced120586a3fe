package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrUnknownService is returned for lb:// destinations missing from the registry.
var ErrUnknownService = errors.New("unknown service")

// Registry resolves lb://name destinations to base URLs and holds the set of
// hosts that may receive relayed tokens.
type Registry struct {
	services map[string]*url.URL
	trusted  map[string]struct{}
}

// NewRegistry builds a registry. Every registered service host is trusted;
// extraTrusted adds hosts reached by absolute destinations.
func NewRegistry(services map[string]string, extraTrusted ...string) (*Registry, error) {
	r := &Registry{
		services: make(map[string]*url.URL, len(services)),
		trusted:  make(map[string]struct{}),
	}
	for name, raw := range services {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("service %s: %q is not an absolute http(s) URL", name, raw)
		}
		r.services[name] = u
		r.trusted[strings.ToLower(u.Host)] = struct{}{}
	}
	for _, h := range extraTrusted {
		if h = strings.TrimSpace(strings.ToLower(h)); h != "" {
			r.trusted[h] = struct{}{}
		}
	}
	return r, nil
}

// Resolve returns the base URL for a rule destination.
func (r *Registry) Resolve(destination string) (*url.URL, error) {
	u, err := url.Parse(destination)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "lb" {
		return u, nil
	}
	target, ok := r.services[u.Host]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, u.Host)
	}
	return target, nil
}

// Trusted reports whether u's host may receive relayed access tokens. A
// trusted entry without a port covers every port of that host.
func (r *Registry) Trusted(u *url.URL) bool {
	if u == nil {
		return false
	}
	if _, ok := r.trusted[strings.ToLower(u.Host)]; ok {
		return true
	}
	_, ok := r.trusted[strings.ToLower(u.Hostname())]
	return ok
}
