package rules

import "github.com/orneryd/nornicrules/pkg/storage"

// Predicate decides whether a node belongs to a rule. It reads through tx, so
// it sees the committing transaction's state. Predicates must not write.
type Predicate func(tx *storage.Transaction, node *storage.Node) (bool, error)

// Match adapts a plain node test into a Predicate.
//
// Example:
//
//	adult := rules.Match(func(n *storage.Node) bool {
//		age, ok := convert.ToFloat64(n.Properties["age"])
//		return ok && age >= 18
//	})
func Match(fn func(node *storage.Node) bool) Predicate {
	return func(_ *storage.Transaction, node *storage.Node) (bool, error) {
		return fn(node), nil
	}
}

// Change is the property delta that caused an evaluation. New is nil for a
// removed property.
type Change struct {
	Key string
	Old any
	New any
}

// Rule is a named membership predicate of one class.
//
// Rules are immutable once added. Inherit shares the same Rule between
// classes; membership is still tracked per class anchor.
type Rule struct {
	Name         string
	Properties   []string
	Predicate    Predicate
	Triggers     []string
	Aggregations map[string][]Aggregation
}

// AggregationsFor returns the aggregations bound to key.
func (r *Rule) AggregationsFor(key string) []Aggregation {
	return r.Aggregations[key]
}

// Option configures a rule in AddRule.
type Option func(*Rule)

// WithProperties records the property keys the predicate reads. It is a hint
// for tooling (describe output); evaluation does not depend on it.
func WithProperties(keys ...string) Option {
	return func(r *Rule) {
		r.Properties = append(r.Properties, keys...)
	}
}

// WithTriggers declares relation types whose start nodes are re-evaluated
// after this rule runs on a node. Duplicates are ignored; order is kept.
func WithTriggers(relationTypes ...string) Option {
	return func(r *Rule) {
		for _, t := range relationTypes {
			if !containsString(r.Triggers, t) {
				r.Triggers = append(r.Triggers, t)
			}
		}
	}
}

// WithAggregation binds an aggregation to changes of property key.
func WithAggregation(key string, agg Aggregation) Option {
	return func(r *Rule) {
		if r.Aggregations == nil {
			r.Aggregations = make(map[string][]Aggregation)
		}
		r.Aggregations[key] = append(r.Aggregations[key], agg)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
