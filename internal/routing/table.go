// Package routing holds the gateway's ordered route table. Rules are tried
// in declaration order and the first match wins; the table is immutable once
// built and safe for concurrent use.
package routing

import (
	"fmt"
	"slices"
	"strings"
)

// Table is an ordered, validated list of rules.
type Table struct {
	rules []Rule
}

// NewTable validates rules and freezes their order.
func NewTable(rules ...Rule) (*Table, error) {
	seen := make(map[string]struct{}, len(rules))
	for i, r := range rules {
		if err := validateRule(r); err != nil {
			return nil, err
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRuleID, r.ID)
		}
		seen[r.ID] = struct{}{}

		if ca, ok := r.Predicate.(*CatchAllPredicate); ok {
			if i != len(rules)-1 {
				return nil, fmt.Errorf("%w: %s at position %d of %d", ErrCatchAllNotLast, r.ID, i+1, len(rules))
			}
			if len(ca.Reserved()) == 0 {
				return nil, fmt.Errorf("%w: %s", ErrCatchAllExcludesNone, r.ID)
			}
			for _, reserved := range ReservedPaths() {
				if !excludes(ca.Reserved(), reserved) {
					return nil, fmt.Errorf("%w: %s lets %s through", ErrCatchAllExposesReserved, r.ID, reserved)
				}
			}
		}
	}
	return &Table{rules: slices.Clone(rules)}, nil
}

// excludes reports whether one of the exclusion patterns covers pattern,
// either verbatim or through an enclosing "/prefix/**" subtree.
func excludes(exclusions []string, pattern string) bool {
	base := strings.TrimSuffix(pattern, "/**")
	for _, x := range exclusions {
		if x == pattern {
			return true
		}
		if strings.HasSuffix(x, "/**") && MatchPattern(x, base) {
			return true
		}
	}
	return false
}

// Match returns the first rule matching the request.
func (t *Table) Match(method, path string) (Rule, bool) {
	for _, r := range t.rules {
		if r.Predicate.Match(method, path) {
			return r, true
		}
	}
	return Rule{}, false
}

// Rules returns the rules in evaluation order.
func (t *Table) Rules() []Rule {
	return slices.Clone(t.rules)
}

// Destinations returns the distinct destinations referenced by the table.
func (t *Table) Destinations() []string {
	var out []string
	for _, r := range t.rules {
		if !slices.Contains(out, r.Destination) {
			out = append(out, r.Destination)
		}
	}
	return out
}

// DefaultRules is the gateway's standard table: the two protected
// microservices, the /bff API proxy, static assets, and the frontend catch-all.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "product-service",
			Predicate:   Path("/api/v1/products/**"),
			Filters:     []FilterSpec{TokenRelay()},
			Destination: "lb://product-service",
		},
		{
			ID:          "order-service",
			Predicate:   Path("/api/v1/orders/**"),
			Filters:     []FilterSpec{TokenRelay()},
			Destination: "lb://order-service",
		},
		{
			ID:        "bff-api",
			Predicate: Path("/bff/**"),
			Filters: []FilterSpec{
				RewritePath("/bff(?<segment>/?.*)", "${segment}"),
				TokenRelay(),
			},
			Destination: "lb://frontend",
		},
		{
			ID:          "static-assets",
			Predicate:   Path("/_next/**", "/favicon.ico", "/images/**", "/fonts/**"),
			Destination: "lb://frontend",
		},
		{
			ID:          "frontend-catch-all",
			Predicate:   CatchAll(ReservedPaths()),
			Filters:     []FilterSpec{TokenRelay()},
			Destination: "lb://frontend",
		},
	}
}

// Default builds the table from DefaultRules.
func Default() *Table {
	t, err := NewTable(DefaultRules()...)
	if err != nil {
		panic(fmt.Sprintf("default routes are invalid: %v", err))
	}
	return t
}
