package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnknownFamily is returned when no gate is registered for a quest family.
var ErrUnknownFamily = errors.New("gate: unknown quest family")

// Gate reports whether the real-world condition behind a quest holds for a user within
// a scope window. Implementations may perform network I/O and may fail transiently;
// callers must treat any error as inconclusive.
type Gate interface {
	Satisfied(ctx context.Context, userAddress, window string) (bool, error)
}

// Func adapts a function to the Gate interface.
type Func func(ctx context.Context, userAddress, window string) (bool, error)

// Satisfied calls f.
func (f Func) Satisfied(ctx context.Context, userAddress, window string) (bool, error) {
	return f(ctx, userAddress, window)
}

// AllOf is satisfied only when every member gate is satisfied. The first error or
// unsatisfied member short-circuits evaluation.
type AllOf []Gate

// Satisfied evaluates the members in order.
func (a AllOf) Satisfied(ctx context.Context, userAddress, window string) (bool, error) {
	if len(a) == 0 {
		return false, fmt.Errorf("gate: empty composite")
	}
	for _, g := range a {
		ok, err := g.Satisfied(ctx, userAddress, window)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Registry maps quest families to their gate implementation.
type Registry struct {
	mu    sync.RWMutex
	gates map[string]Gate
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{gates: make(map[string]Gate)}
}

// Register binds family to g, replacing any previous binding.
func (r *Registry) Register(family string, g Gate) error {
	family = normalizeFamily(family)
	if family == "" {
		return fmt.Errorf("gate: family required")
	}
	if g == nil {
		return fmt.Errorf("gate: nil gate for %s", family)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[family] = g
	return nil
}

// Lookup returns the gate registered for family.
func (r *Registry) Lookup(family string) (Gate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gates[normalizeFamily(family)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
	return g, nil
}

// Families lists the registered family names.
func (r *Registry) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.gates))
	for family := range r.gates {
		out = append(out, family)
	}
	return out
}

func normalizeFamily(family string) string {
	return strings.ToLower(strings.TrimSpace(family))
}

// FamilyLookup maps a quest id to its quest family.
type FamilyLookup interface {
	Family(questID string) (string, error)
}

// Resolver selects the gate for a quest by its family.
type Resolver struct {
	registry *Registry
	families FamilyLookup
}

// NewResolver binds a registry to a quest catalog.
func NewResolver(registry *Registry, families FamilyLookup) *Resolver {
	return &Resolver{registry: registry, families: families}
}

// GateFor returns the gate guarding questID.
func (r *Resolver) GateFor(questID string) (Gate, error) {
	if r == nil || r.registry == nil || r.families == nil {
		return nil, fmt.Errorf("gate: resolver not configured")
	}
	family, err := r.families.Family(questID)
	if err != nil {
		return nil, err
	}
	return r.registry.Lookup(family)
}
