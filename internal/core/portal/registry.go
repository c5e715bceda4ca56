package portal

import (
	"fmt"
	"sort"
)

// Registry holds the source agent and the target agents keyed by name.
type Registry struct {
	Source  SourceAgent
	targets map[string]TargetAgent
}

// NewRegistry builds a registry. Target names must be unique.
func NewRegistry(source SourceAgent, targets ...TargetAgent) (*Registry, error) {
	r := &Registry{Source: source, targets: map[string]TargetAgent{}}
	for _, t := range targets {
		if _, dup := r.targets[t.Name()]; dup {
			return nil, fmt.Errorf("duplicate target portal %q", t.Name())
		}
		r.targets[t.Name()] = t
	}
	return r, nil
}

// Target returns the agent for name.
func (r *Registry) Target(name string) (TargetAgent, bool) {
	t, ok := r.targets[name]
	return t, ok
}

// Targets returns the target names in sorted order.
func (r *Registry) Targets() []string {
	names := make([]string, 0, len(r.targets))
	for n := range r.targets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadRegistry reads the source catalog and every target catalog.
func LoadRegistry(sourcePath string, targetPaths []string, surface SurfaceFunc) (*Registry, error) {
	src, err := LoadCatalog(sourcePath)
	if err != nil {
		return nil, err
	}
	if src.Kind != KindSource {
		return nil, fmt.Errorf("%s: expected a source catalog, got %q", sourcePath, src.Kind)
	}
	var targets []TargetAgent
	for _, p := range targetPaths {
		c, err := LoadCatalog(p)
		if err != nil {
			return nil, err
		}
		if c.Kind != KindTarget {
			return nil, fmt.Errorf("%s: expected a target catalog, got %q", p, c.Kind)
		}
		targets = append(targets, NewCatalogAgent(c, surface))
	}
	return NewRegistry(NewCatalogAgent(src, surface), targets...)
}
