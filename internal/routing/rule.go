package routing

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

// Filter names understood by the gateway.
const (
	FilterTokenRelay       = "TokenRelay"
	FilterRewritePath      = "RewritePath"
	FilterAddRequestHeader = "AddRequestHeader"
)

// FilterSpec names a filter and its arguments, in chain order.
type FilterSpec struct {
	Name string   `yaml:"name"`
	Args []string `yaml:"args,omitempty"`
}

// TokenRelay relays the session's access token downstream.
func TokenRelay() FilterSpec {
	return FilterSpec{Name: FilterTokenRelay}
}

// RewritePath replaces the path using a regular expression and an expansion
// template such as "${segment}".
func RewritePath(pattern, replacement string) FilterSpec {
	return FilterSpec{Name: FilterRewritePath, Args: []string{pattern, replacement}}
}

// AddRequestHeader sets a fixed header on the outbound request.
func AddRequestHeader(name, value string) FilterSpec {
	return FilterSpec{Name: FilterAddRequestHeader, Args: []string{name, value}}
}

// Rule routes matching requests to Destination through Filters.
type Rule struct {
	ID          string
	Predicate   Predicate
	Filters     []FilterSpec
	Destination string
}

// Relays reports whether the rule carries the TokenRelay filter.
func (r Rule) Relays() bool {
	return slices.ContainsFunc(r.Filters, func(f FilterSpec) bool { return f.Name == FilterTokenRelay })
}

// IsCatchAll reports whether the rule is built on CatchAll.
func (r Rule) IsCatchAll() bool {
	_, ok := r.Predicate.(*CatchAllPredicate)
	return ok
}

var (
	ErrCatchAllNotLast         = errors.New("catch-all rule must be declared last")
	ErrCatchAllExcludesNone    = errors.New("catch-all rule must exclude reserved paths")
	ErrCatchAllExposesReserved = errors.New("catch-all rule does not exclude a reserved path")
	ErrDuplicateRuleID         = errors.New("duplicate rule id")
	ErrInvalidRule             = errors.New("invalid rule")
	ErrUnknownFilter           = errors.New("unknown filter")
	ErrInvalidFilterArgument   = errors.New("invalid filter argument")
)

func validateRule(r Rule) error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRule)
	}
	if r.Predicate == nil {
		return fmt.Errorf("%w: %s has no predicate", ErrInvalidRule, r.ID)
	}
	if err := validateDestination(r.Destination); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidRule, r.ID, err)
	}
	for _, f := range r.Filters {
		if err := validateFilter(f); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	return nil
}

func validateDestination(dest string) error {
	if dest == "" {
		return errors.New("empty destination")
	}
	u, err := url.Parse(dest)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "lb":
		if u.Host == "" {
			return fmt.Errorf("destination %q has no service name", dest)
		}
	case "http", "https":
		if u.Host == "" {
			return fmt.Errorf("destination %q has no host", dest)
		}
	default:
		return fmt.Errorf("destination %q has unsupported scheme", dest)
	}
	return nil
}

func validateFilter(f FilterSpec) error {
	switch f.Name {
	case FilterTokenRelay:
		if len(f.Args) != 0 {
			return fmt.Errorf("%w: %s takes no arguments", ErrInvalidFilterArgument, f.Name)
		}
	case FilterRewritePath:
		if len(f.Args) != 2 {
			return fmt.Errorf("%w: %s needs pattern and replacement", ErrInvalidFilterArgument, f.Name)
		}
		if _, err := regexp.Compile(f.Args[0]); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidFilterArgument, f.Name, err)
		}
	case FilterAddRequestHeader:
		if len(f.Args) != 2 || strings.TrimSpace(f.Args[0]) == "" {
			return fmt.Errorf("%w: %s needs name and value", ErrInvalidFilterArgument, f.Name)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFilter, f.Name)
	}
	return nil
}
