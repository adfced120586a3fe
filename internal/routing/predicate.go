package routing

import (
	"net/http"
	"path"
	"slices"
	"strings"
)

// Predicate decides whether a request belongs to a rule.
type Predicate interface {
	Match(method, path string) bool
}

type pathPredicate struct {
	patterns []string
}

// Path matches when any pattern matches. A pattern is an exact path, a
// "/prefix/**" subtree (including "/prefix" itself), or a single-segment
// glob understood by path.Match.
func Path(patterns ...string) Predicate {
	return pathPredicate{patterns: slices.Clone(patterns)}
}

func (p pathPredicate) Match(_, requestPath string) bool {
	for _, pattern := range p.patterns {
		if MatchPattern(pattern, requestPath) {
			return true
		}
	}
	return false
}

// MatchPattern reports whether requestPath matches a single pattern.
func MatchPattern(pattern, requestPath string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		if prefix == "" {
			return strings.HasPrefix(requestPath, "/")
		}
		return requestPath == prefix || strings.HasPrefix(requestPath, prefix+"/")
	}
	if strings.ContainsAny(pattern, "*?[") {
		ok, err := path.Match(pattern, requestPath)
		return err == nil && ok
	}
	return pattern == requestPath
}

type methodPredicate struct {
	methods []string
}

// Methods matches the listed HTTP methods, case-insensitively.
func Methods(methods ...string) Predicate {
	upper := make([]string, 0, len(methods))
	for _, m := range methods {
		upper = append(upper, strings.ToUpper(m))
	}
	return methodPredicate{methods: upper}
}

func (p methodPredicate) Match(method, _ string) bool {
	return slices.Contains(p.methods, strings.ToUpper(method))
}

type andPredicate []Predicate

// And matches when every predicate matches.
func And(ps ...Predicate) Predicate {
	return andPredicate(ps)
}

func (a andPredicate) Match(method, requestPath string) bool {
	for _, p := range a {
		if !p.Match(method, requestPath) {
			return false
		}
	}
	return len(a) > 0
}

type notPredicate struct {
	p Predicate
}

// Not negates p.
func Not(p Predicate) Predicate {
	return notPredicate{p: p}
}

func (n notPredicate) Match(method, requestPath string) bool {
	return !n.p.Match(method, requestPath)
}

// CatchAllPredicate matches every path except an explicit reserved list.
type CatchAllPredicate struct {
	reserved []string
	match    Predicate
}

// CatchAll builds the "/** AND NOT reserved" predicate.
func CatchAll(reserved []string) *CatchAllPredicate {
	r := slices.Clone(reserved)
	return &CatchAllPredicate{
		reserved: r,
		match:    And(Path("/**"), Not(Path(r...))),
	}
}

func (c *CatchAllPredicate) Match(method, requestPath string) bool {
	return c.match.Match(method, requestPath)
}

// Reserved returns the excluded patterns.
func (c *CatchAllPredicate) Reserved() []string {
	return slices.Clone(c.reserved)
}

// ReservedPaths are the endpoints the gateway serves itself. They must never
// be proxied to the frontend.
func ReservedPaths() []string {
	return []string{
		"/logout",
		"/logout-success",
		"/login",
		"/oauth2/**",
		"/login/oauth2/**",
		"/error",
	}
}

// IsReserved reports whether requestPath is one of ReservedPaths.
func IsReserved(requestPath string) bool {
	return Path(ReservedPaths()...).Match(http.MethodGet, requestPath)
}

// IsCanonicalPath reports whether requestPath is safe to match against
// patterns: no "." or ".." segments, no backslashes and no encoded dot,
// slash or backslash left after decoding. Upstreams may resolve any of these
// into a different path than the one the gateway authorized.
func IsCanonicalPath(requestPath string) bool {
	if !strings.HasPrefix(requestPath, "/") || strings.ContainsRune(requestPath, '\\') {
		return false
	}
	lower := strings.ToLower(requestPath)
	for _, enc := range []string{"%2e", "%2f", "%5c"} {
		if strings.Contains(lower, enc) {
			return false
		}
	}
	for seg := range strings.SplitSeq(requestPath, "/") {
		if seg == "." || seg == ".." {
			return false
		}
	}
	return true
}
