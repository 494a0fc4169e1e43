package rules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/orneryd/nornicrules/pkg/storage"
)

// Registry holds the ordered rules of one class and its memoized anchor.
//
// Registries are created by Engine.Registry and live as long as the engine.
// The mutex guards only the rule list and the memo; evaluation runs without
// holding it.
type Registry struct {
	class  string
	engine *Engine

	mu     sync.RWMutex
	rules  []*Rule
	anchor *anchorMemo
}

// anchorMemo caches the anchor node ID. createdBy is set while the
// transaction that created the anchor is still open.
type anchorMemo struct {
	id        storage.NodeID
	createdBy *storage.Transaction
}

func newRegistry(class string, engine *Engine) *Registry {
	return &Registry{class: class, engine: engine}
}

// Name returns the class this registry belongs to.
func (r *Registry) Name() string {
	return r.class
}

// RelationType returns the type of the edge from the root node to this
// class's anchor.
func (r *Registry) RelationType() string {
	return RelationType(r.class)
}

// AddRule appends a rule. Rules are evaluated in the order they were added.
// Adding a rule does not evaluate existing nodes; membership is computed as
// nodes change.
//
// Example:
//
//	people := engine.Registry("Person")
//	_, err := people.AddRule("adult",
//		rules.Match(func(n *storage.Node) bool {
//			age, ok := convert.ToFloat64(n.Properties["age"])
//			return ok && age >= 18
//		}),
//		rules.WithProperties("age"),
//		rules.WithTriggers("friend"),
//		rules.WithAggregation("age", rules.Sum()),
//	)
func (r *Registry) AddRule(name string, predicate Predicate, opts ...Option) (*Rule, error) {
	if name == "" {
		return nil, fmt.Errorf("rule name is required")
	}
	if predicate == nil {
		return nil, fmt.Errorf("rule %s.%s: predicate is required", r.class, name)
	}

	rule := &Rule{Name: name, Predicate: predicate}
	for _, opt := range opts {
		opt(rule)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findLocked(name) != nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrDuplicateRule, r.class, name)
	}
	r.rules = append(r.rules, rule)
	return rule, nil
}

// RemoveRule removes the named rule and reports whether it existed. Edges
// already materialized for it are left in place.
func (r *Registry) RemoveRule(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, rule := range r.rules {
		if rule.Name == name {
			r.rules = append(r.rules[:i:i], r.rules[i+1:]...)
			return true
		}
	}
	return false
}

// FindRule returns the named rule.
func (r *Registry) FindRule(name string) (*Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule := r.findLocked(name)
	return rule, rule != nil
}

// RuleNames returns rule names in evaluation order.
func (r *Registry) RuleNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.rules))
	for i, rule := range r.rules {
		names[i] = rule.Name
	}
	return names
}

// Rules returns the rules in evaluation order.
func (r *Registry) Rules() []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Rule(nil), r.rules...)
}

// Inherit adds every rule of r to target, sharing predicates, triggers and
// aggregations. Membership stays separate: target materializes edges from its
// own anchor. Fails without changing target if any name is already taken.
func (r *Registry) Inherit(target *Registry) error {
	inherited := r.Rules()

	target.mu.Lock()
	defer target.mu.Unlock()

	for _, rule := range inherited {
		if target.findLocked(rule.Name) != nil {
			return fmt.Errorf("%w: %s.%s inherited from %s", ErrDuplicateRule, target.class, rule.Name, r.class)
		}
	}
	target.rules = append(target.rules, inherited...)
	return nil
}

func (r *Registry) findLocked(name string) *Rule {
	for _, rule := range r.rules {
		if rule.Name == name {
			return rule
		}
	}
	return nil
}

// IsMember reports whether nodeID currently has this class's edge for rule.
// A class without an anchor has no members.
func (r *Registry) IsMember(tx *storage.Transaction, nodeID storage.NodeID, rule string) (bool, error) {
	anchor, err := r.lookupAnchor(tx)
	if err != nil || anchor == nil {
		return false, err
	}
	edge, err := r.connection(tx, anchor.ID, rule, nodeID)
	return edge != nil, err
}

// Members returns the nodes connected to the anchor by rule, ordered by ID.
func (r *Registry) Members(tx *storage.Transaction, rule string) ([]*storage.Node, error) {
	if _, ok := r.FindRule(rule); !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownRule, r.class, rule)
	}

	anchor, err := r.lookupAnchor(tx)
	if err != nil {
		return nil, err
	}
	if anchor == nil {
		return []*storage.Node{}, nil
	}

	edges, err := tx.GetOutgoingEdges(anchor.ID)
	if err != nil {
		return nil, &StoreOperationError{Op: "read outgoing edges", Rule: rule, Node: string(anchor.ID), Err: err}
	}

	members := make([]*storage.Node, 0, len(edges))
	for _, edge := range edges {
		if edge.Type != rule {
			continue
		}
		node, err := tx.GetNode(edge.EndNode)
		if err != nil {
			return nil, &StoreOperationError{Op: "read member", Rule: rule, Node: string(edge.EndNode), Err: err}
		}
		members = append(members, node)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}

// AggregateValue returns the stored result of an aggregation function for
// rule and key. ok is false if nothing has been stored yet.
func (r *Registry) AggregateValue(tx *storage.Transaction, rule, function, key string) (value any, ok bool, err error) {
	anchor, err := r.lookupAnchor(tx)
	if err != nil || anchor == nil {
		return nil, false, err
	}
	value, ok = anchor.Properties[AggregatePropertyName(rule, function, key)]
	return value, ok, nil
}

// Evaluate runs every rule of this class against node, then cascades through
// the rules' trigger relation types. change is nil when the evaluation is not
// caused by a property change.
func (r *Registry) Evaluate(tx *storage.Transaction, node *storage.Node, change *Change) error {
	return r.engine.evaluate(tx, r, node, change)
}
