package rules

import (
	"fmt"
	"sort"
	"sync"

	api "github.com/twinctl/twinctl/api/v1alpha1"
)

// Registry holds the rule chain in evaluation order: category rank
// descending, priority descending, id ascending as the tie breaker. It is
// built once at startup from the hardcoded rules plus the configured rule
// document; both kinds are treated uniformly afterwards.
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
	byID  map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]struct{})}
}

func (r *Registry) Add(rules ...Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rule := range rules {
		if _, exists := r.byID[rule.ID()]; exists {
			return fmt.Errorf("duplicate rule id %q", rule.ID())
		}
		r.byID[rule.ID()] = struct{}{}
		r.rules = append(r.rules, rule)
	}
	r.sortLocked()
	return nil
}

func (r *Registry) sortLocked() {
	sort.SliceStable(r.rules, func(i, j int) bool {
		a, b := r.rules[i], r.rules[j]
		if a.Category().Rank() != b.Category().Rank() {
			return a.Category().Rank() > b.Category().Rank()
		}
		if a.Priority() != b.Priority() {
			return a.Priority() > b.Priority()
		}
		return a.ID() < b.ID()
	})
}

// Ordered returns the rules in evaluation order.
func (r *Registry) Ordered() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// CountByCategory is used by diagnostics and tests.
func (r *Registry) CountByCategory(category api.RuleCategory) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rule := range r.rules {
		if rule.Category() == category {
			n++
		}
	}
	return n
}
