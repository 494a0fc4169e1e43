package rules

import (
	"fmt"

	"github.com/orneryd/nornicrules/pkg/convert"
	"github.com/orneryd/nornicrules/pkg/storage"
)

// Aggregation keeps a derived value on the class anchor as nodes join and
// leave a rule.
//
// Callbacks run only when membership flips because of a change to the
// property the aggregation is bound to: OnAdd when the node is connected,
// OnRemove when it is disconnected. A change that leaves membership as it was
// calls nothing, and neither does an evaluation without a change payload
// (node creation, trigger cascades).
type Aggregation interface {
	// Name identifies the function in anchor property names and describe output.
	Name() string
	OnAdd(scope *Scope, oldValue, newValue any) error
	OnRemove(scope *Scope, oldValue any) error
}

// Scope is what an aggregation callback may touch: the anchor properties of
// one rule and key, inside the committing transaction.
type Scope struct {
	Tx     *storage.Transaction
	Anchor storage.NodeID
	Class  string
	Rule   string
	Key    string
}

// PropertyName returns the anchor property that stores function's result,
// "<rule>.<function>.<key>".
func (s *Scope) PropertyName(function string) string {
	return AggregatePropertyName(s.Rule, function, s.Key)
}

// AggregatePropertyName returns the anchor property name for an aggregation result.
func AggregatePropertyName(rule, function, key string) string {
	return fmt.Sprintf("%s.%s.%s", rule, function, key)
}

// Value reads function's current result from the anchor; nil if unset.
func (s *Scope) Value(function string) (any, error) {
	anchor, err := s.Tx.GetNode(s.Anchor)
	if err != nil {
		return nil, err
	}
	return anchor.Properties[s.PropertyName(function)], nil
}

// SetValue stores function's result on the anchor.
func (s *Scope) SetValue(function string, value any) error {
	return s.Tx.SetProperty(s.Anchor, s.PropertyName(function), value)
}

type countAggregation struct{}

// Count counts members that joined through a change of the bound property.
// The result is an int64 stored as "<rule>.count.<key>".
//
// Only connects and disconnects that carry a change of the key are counted.
// A node that joins through another property and later leaves through the key
// is subtracted without ever having been added, so the result can drift and
// go below zero. Use it when the key is the property the rule tests.
func Count() Aggregation { return countAggregation{} }

func (countAggregation) Name() string { return "count" }

func (c countAggregation) OnAdd(scope *Scope, _, _ any) error {
	return c.adjust(scope, 1)
}

func (c countAggregation) OnRemove(scope *Scope, _ any) error {
	return c.adjust(scope, -1)
}

func (c countAggregation) adjust(scope *Scope, delta int64) error {
	current, err := scope.Value(c.Name())
	if err != nil {
		return err
	}
	n, _ := convert.ToInt64(current)
	return scope.SetValue(c.Name(), n+delta)
}

type sumAggregation struct{}

// Sum adds the bound property's new value when a node joins and subtracts its
// old value when it leaves. Values that are not Go numbers, including numeric
// strings such as "30", count as zero. The result is a float64 stored as
// "<rule>.sum.<key>".
//
// Contributions are not recorded per member. A member whose key changes while
// it stays connected, or that joins or leaves without a change of the key,
// makes the sum drift from the total over current members.
func Sum() Aggregation { return sumAggregation{} }

func (sumAggregation) Name() string { return "sum" }

func (s sumAggregation) OnAdd(scope *Scope, _, newValue any) error {
	v, _ := convert.ToFloat64(newValue)
	return s.adjust(scope, v)
}

func (s sumAggregation) OnRemove(scope *Scope, oldValue any) error {
	v, _ := convert.ToFloat64(oldValue)
	return s.adjust(scope, -v)
}

func (s sumAggregation) adjust(scope *Scope, delta float64) error {
	current, err := scope.Value(s.Name())
	if err != nil {
		return err
	}
	total, _ := convert.ToFloat64(current)
	return scope.SetValue(s.Name(), total+delta)
}

// AggregationByName returns a built-in aggregation: "count" or "sum".
func AggregationByName(name string) (Aggregation, bool) {
	switch name {
	case "count":
		return Count(), true
	case "sum":
		return Sum(), true
	}
	return nil, false
}
