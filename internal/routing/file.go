package routing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileRule is the YAML shape of a rule.
//
//	routes:
//	  - id: product-service
//	    paths: ["/api/v1/products/**"]
//	    uri: lb://product-service
//	    filters:
//	      - name: TokenRelay
//	  - id: frontend
//	    catch_all: true
//	    exclude: ["/login", "/logout", "/logout-success", "/oauth2/**", "/login/oauth2/**", "/error"]
//	    uri: lb://frontend
//
// A catch_all exclude list must cover every path in ReservedPaths; it may
// add more.
type fileRule struct {
	ID       string       `yaml:"id"`
	Paths    []string     `yaml:"paths"`
	Methods  []string     `yaml:"methods"`
	Exclude  []string     `yaml:"exclude"`
	CatchAll bool         `yaml:"catch_all"`
	URI      string       `yaml:"uri"`
	Filters  []FilterSpec `yaml:"filters"`
}

type fileTable struct {
	Routes []fileRule `yaml:"routes"`
}

// Parse builds a table from YAML.
func Parse(data []byte) (*Table, error) {
	var ft fileTable
	if err := yaml.Unmarshal(data, &ft); err != nil {
		return nil, fmt.Errorf("parse routes: %w", err)
	}
	if len(ft.Routes) == 0 {
		return nil, fmt.Errorf("parse routes: %w: no routes", ErrInvalidRule)
	}

	rules := make([]Rule, 0, len(ft.Routes))
	for _, fr := range ft.Routes {
		pred, err := fr.predicate()
		if err != nil {
			return nil, err
		}
		rules = append(rules, Rule{
			ID:          fr.ID,
			Predicate:   pred,
			Filters:     fr.Filters,
			Destination: fr.URI,
		})
	}
	return NewTable(rules...)
}

func (fr fileRule) predicate() (Predicate, error) {
	if fr.CatchAll {
		if len(fr.Paths) > 0 || len(fr.Methods) > 0 {
			return nil, fmt.Errorf("%w: %s: catch_all takes only exclude", ErrInvalidRule, fr.ID)
		}
		return CatchAll(fr.Exclude), nil
	}
	if len(fr.Paths) == 0 {
		return nil, fmt.Errorf("%w: %s: no paths", ErrInvalidRule, fr.ID)
	}

	parts := []Predicate{Path(fr.Paths...)}
	if len(fr.Methods) > 0 {
		parts = append(parts, Methods(fr.Methods...))
	}
	if len(fr.Exclude) > 0 {
		parts = append(parts, Not(Path(fr.Exclude...)))
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return And(parts...), nil
}

// LoadFile reads and parses a routes file.
func LoadFile(name string) (*Table, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	return Parse(data)
}
