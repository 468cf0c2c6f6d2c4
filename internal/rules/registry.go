// Package rules provides the in-memory fraud rule registry.
package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// ErrDuplicateRule is returned by Add when the id is already registered.
var ErrDuplicateRule = errors.New("rule already exists")

type compiledRule struct {
	rule domain.FraudRule
	pred predicate
}

// snapshot is immutable once published.
type snapshot struct {
	rules []compiledRule
}

// Registry is an ordered, weighted rule set. Readers evaluate against an
// immutable snapshot; writers serialise on mu and publish a new snapshot.
type Registry struct {
	mu       sync.Mutex
	current  atomic.Pointer[snapshot]
	compiler *compiler
	logger   *slog.Logger
}

// NewRegistry creates a registry holding the given rules in order.
func NewRegistry(logger *slog.Logger, seed ...domain.FraudRule) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c, err := newCompiler()
	if err != nil {
		return nil, err
	}

	r := &Registry{compiler: c, logger: logger}
	r.current.Store(&snapshot{})

	for _, rule := range seed {
		if _, err := r.Add(rule); err != nil {
			return nil, fmt.Errorf("seed rule %s: %w", rule.ID, err)
		}
	}
	return r, nil
}

// NewDefaultRegistry creates a registry seeded with BuiltinRules.
func NewDefaultRegistry(logger *slog.Logger) (*Registry, error) {
	return NewRegistry(logger, BuiltinRules()...)
}

// Evaluate sums the weights of the enabled rules that fire and returns their
// names in registry order. A rule that errors or panics does not fire.
func (r *Registry) Evaluate(tx *domain.Transaction) (int, []string) {
	snap := r.current.Load()

	score := 0
	factors := make([]string, 0, 4)
	for _, cr := range snap.rules {
		if !cr.rule.Enabled {
			continue
		}
		if r.fires(cr, tx) {
			score += cr.rule.Weight
			factors = append(factors, cr.rule.Name)
		}
	}
	return score, factors
}

func (r *Registry) fires(cr compiledRule, tx *domain.Transaction) (fired bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("rule panicked",
				"rule_id", cr.rule.ID,
				"transaction_id", tx.ID,
				"panic", fmt.Sprint(rec),
			)
			metrics.RecordRuleError(cr.rule.ID)
			fired = false
		}
	}()

	ok, err := cr.pred(tx)
	if err != nil {
		r.logger.Warn("rule evaluation failed",
			"rule_id", cr.rule.ID,
			"transaction_id", tx.ID,
			"error", err,
		)
		metrics.RecordRuleError(cr.rule.ID)
		return false
	}
	return ok
}

// Add validates and appends a rule. An empty ID is replaced with a uuid.
func (r *Registry) Add(rule domain.FraudRule) (domain.FraudRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}

	cr, err := r.prepare(rule)
	if err != nil {
		return domain.FraudRule{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	if old.indexOf(rule.ID) >= 0 {
		return domain.FraudRule{}, fmt.Errorf("%w: %s", ErrDuplicateRule, rule.ID)
	}

	next := make([]compiledRule, len(old.rules), len(old.rules)+1)
	copy(next, old.rules)
	r.publish(append(next, cr))

	return rule, nil
}

// Update merges patch into the rule with the given id. It reports false when
// the id is unknown or when the patched rule is invalid, in which case the
// registry is left unchanged.
func (r *Registry) Update(id string, patch domain.RulePatch) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	idx := old.indexOf(id)
	if idx < 0 {
		return false, nil
	}

	cr, err := r.prepare(patch.Apply(old.rules[idx].rule))
	if err != nil {
		return false, err
	}

	next := make([]compiledRule, len(old.rules))
	copy(next, old.rules)
	next[idx] = cr
	r.publish(next)

	return true, nil
}

// Remove deletes the rule with the given id.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	idx := old.indexOf(id)
	if idx < 0 {
		return false
	}

	next := make([]compiledRule, 0, len(old.rules)-1)
	next = append(next, old.rules[:idx]...)
	next = append(next, old.rules[idx+1:]...)
	r.publish(next)

	return true
}

// Toggle enables or disables a rule.
func (r *Registry) Toggle(id string, enabled bool) bool {
	ok, _ := r.Update(id, domain.RulePatch{Enabled: &enabled})
	return ok
}

// Get returns the rule with the given id.
func (r *Registry) Get(id string) (domain.FraudRule, bool) {
	snap := r.current.Load()
	idx := snap.indexOf(id)
	if idx < 0 {
		return domain.FraudRule{}, false
	}
	return snap.rules[idx].rule, true
}

// List returns a copy of every rule in registry order.
func (r *Registry) List() []domain.FraudRule {
	snap := r.current.Load()
	out := make([]domain.FraudRule, len(snap.rules))
	for i, cr := range snap.rules {
		out[i] = cr.rule
		out[i].Condition.Conditions = append([]domain.Condition(nil), cr.rule.Condition.Conditions...)
	}
	return out
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	return len(r.current.Load().rules)
}

func (r *Registry) prepare(rule domain.FraudRule) (compiledRule, error) {
	if rule.Weight <= 0 {
		return compiledRule{}, fmt.Errorf("%w: weight must be positive, got %d", ErrInvalidRule, rule.Weight)
	}
	if rule.Name == "" {
		return compiledRule{}, fmt.Errorf("%w: name is required", ErrInvalidRule)
	}

	pred, err := r.compiler.compile(rule.Condition)
	if err != nil {
		return compiledRule{}, fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	return compiledRule{rule: rule, pred: pred}, nil
}

// publish must be called with mu held.
func (r *Registry) publish(rules []compiledRule) {
	r.current.Store(&snapshot{rules: rules})

	active := 0
	for _, cr := range rules {
		if cr.rule.Enabled {
			active++
		}
	}
	metrics.SetActiveRules(active)
}

func (s *snapshot) indexOf(id string) int {
	for i, cr := range s.rules {
		if cr.rule.ID == id {
			return i
		}
	}
	return -1
}
