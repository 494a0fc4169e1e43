package ruledef

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicrules/pkg/events"
	"github.com/orneryd/nornicrules/pkg/rules"
	"github.com/orneryd/nornicrules/pkg/storage"
)

func TestLoad(t *testing.T) {
	f, err := Load("testdata/people.yaml")
	require.NoError(t, err)
	require.Len(t, f.Classes, 2)
	assert.Equal(t, 5, f.Rules())

	person := f.Classes[1]
	assert.Equal(t, []string{"Entity"}, person.Inherits)
	adult := person.Rules[0]
	assert.Equal(t, "adult", adult.Name)
	assert.Equal(t, ">=", adult.When.Op)
	assert.Equal(t, 18, adult.When.Value)
	assert.Equal(t, []Aggregate{{"age", "sum"}, {"age", "count"}}, adult.Aggregate)

	_, err = Load("testdata/missing.yaml")
	assert.Error(t, err)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{
			name: "unknown operator",
			doc:  "classes: [{name: P, rules: [{name: r, when: {property: a, op: '~'}}]}]",
			want: ErrUnknownOperator,
		},
		{
			name: "unknown function",
			doc:  "classes: [{name: P, rules: [{name: r, when: {property: a, op: exists}, aggregate: [{property: a, function: median}]}]}]",
			want: ErrUnknownFunction,
		},
		{
			name: "duplicate rule",
			doc:  "classes: [{name: P, rules: [{name: r, when: {property: a, op: exists}}, {name: r, when: {property: b, op: exists}}]}]",
			want: ErrDuplicateRule,
		},
		{
			name: "duplicate inherited rule",
			doc: `classes:
  - {name: A, rules: [{name: r, when: {property: a, op: exists}}]}
  - {name: B, inherits: [A], rules: [{name: r, when: {property: b, op: exists}}]}`,
			want: ErrDuplicateRule,
		},
		{
			name: "duplicate class",
			doc:  "classes: [{name: P}, {name: P}]",
			want: ErrDuplicateClass,
		},
		{
			name: "undeclared inherit",
			doc:  "classes: [{name: B, inherits: [A]}, {name: A}]",
			want: ErrUndeclaredInherit,
		},
		{
			name: "undeclared relation",
			doc:  "classes: [{name: P, rules: [{name: r, when: {related: {type: t, class: Q, rule: x}}}]}]",
			want: ErrUndeclaredRelation,
		},
		{
			name: "two forms",
			doc:  "classes: [{name: P, rules: [{name: r, when: {property: a, op: exists, not: {property: b, op: exists}}}]}]",
			want: ErrInvalidCondition,
		},
		{
			name: "missing value",
			doc:  "classes: [{name: P, rules: [{name: r, when: {property: a, op: '>'}}]}]",
			want: ErrInvalidCondition,
		},
		{
			name: "empty condition",
			doc:  "classes: [{name: P, rules: [{name: r}]}]",
			want: ErrInvalidCondition,
		},
		{
			name: "missing rule name",
			doc:  "classes: [{name: P, rules: [{when: {property: a, op: exists}}]}]",
			want: ErrMissingName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("unknown field", func(t *testing.T) {
		_, err := Parse([]byte("classes: [{name: P, rulez: []}]"))
		assert.Error(t, err)
	})

	t.Run("empty document", func(t *testing.T) {
		f, err := Parse(nil)
		require.NoError(t, err)
		assert.Empty(t, f.Classes)
	})
}

func TestCompare(t *testing.T) {
	tests := []struct {
		op      string
		got     any
		present bool
		want    any
		match   bool
	}{
		{OpEq, 18, true, 18.0, true},
		{OpEq, "a", true, "b", false},
		{OpEq, nil, false, 1, false},
		{OpNe, nil, false, 1, true},
		{OpNe, 2, true, 1, true},
		{OpGt, 19, true, 18, true},
		{OpGte, 18, true, 18, true},
		{OpLt, "a", true, "b", true},
		{OpLte, 19, true, 18, false},
		{OpGt, "19", true, 18, false},
		{OpGt, nil, false, 18, false},
		{OpExists, 0, true, nil, true},
		{OpMissing, nil, false, nil, true},
		{OpContains, []any{"x", "staff"}, true, "staff", true},
		{OpContains, "superstaff", true, "staff", true},
		{OpContains, 5, true, "staff", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.match, compare(tt.op, tt.got, tt.present, tt.want), "%v %s %v", tt.got, tt.op, tt.want)
	}
}

func TestConditionString(t *testing.T) {
	f, err := Load("testdata/people.yaml")
	require.NoError(t, err)
	rulesByName := map[string]Rule{}
	for _, r := range f.Classes[1].Rules {
		rulesByName[r.Name] = r
	}

	assert.Equal(t, "age >= 18", rulesByName["adult"].When.String())
	assert.Equal(t, "-[:friend]-> Person.adult", rulesByName["hasAdultFriend"].When.String())
	assert.Equal(t, "(age >= 13 AND age < 18)", rulesByName["teen"].When.String())
	assert.Equal(t, `(tags contains "staff" OR NOT role missing)`, rulesByName["staff"].When.String())
}

func TestApply(t *testing.T) {
	f, err := Load("testdata/people.yaml")
	require.NoError(t, err)

	engine := rules.NewEngine(rules.Options{})
	require.NoError(t, Apply(engine, f))
	assert.Equal(t, []string{"named", "adult", "hasAdultFriend", "teen", "staff"}, engine.Registry("Person").RuleNames())
	assert.Equal(t, []string{"named"}, engine.Registry("Entity").RuleNames())

	adult, ok := engine.Registry("Person").FindRule("adult")
	require.True(t, ok)
	assert.Equal(t, []string{"friend"}, adult.Triggers)
	assert.Len(t, adult.AggregationsFor("age"), 2)

	// Applying twice collides with the registered names.
	assert.ErrorIs(t, Apply(engine, f), rules.ErrDuplicateRule)
}

func TestApply_Evaluates(t *testing.T) {
	f, err := Load("testdata/people.yaml")
	require.NoError(t, err)

	engine := rules.NewEngine(rules.Options{})
	require.NoError(t, Apply(engine, f))

	store := storage.NewMemoryEngine()
	defer store.Close()
	dispatcher := events.NewDispatcher()
	require.NoError(t, dispatcher.Register(engine))
	manager := storage.NewTxManager(store)
	manager.RegisterTransactionEventHandler(dispatcher)

	tx := manager.BeginTransaction()
	require.NoError(t, tx.CreateNode(&storage.Node{ID: "kid", Labels: []string{"Person"}, Properties: map[string]any{"age": 15, "name": "K"}}))
	require.NoError(t, tx.CreateNode(&storage.Node{ID: "mom", Labels: []string{"Person"}, Properties: map[string]any{"age": 41, "tags": []any{"staff"}}}))
	require.NoError(t, tx.CreateEdge(&storage.Edge{StartNode: "kid", EndNode: "mom", Type: "friend"}))
	require.NoError(t, tx.Commit())

	members := func(rule string) []storage.NodeID {
		t.Helper()
		view := storage.NewTransaction(store)
		defer view.Rollback()
		nodes, err := engine.Registry("Person").Members(view, rule)
		require.NoError(t, err)
		ids := []storage.NodeID{}
		for _, n := range nodes {
			ids = append(ids, n.ID)
		}
		return ids
	}

	assert.Equal(t, []storage.NodeID{"kid"}, members("named"))
	assert.Equal(t, []storage.NodeID{"mom"}, members("adult"))
	assert.Equal(t, []storage.NodeID{"kid"}, members("teen"))
	assert.Equal(t, []storage.NodeID{"kid"}, members("hasAdultFriend"))
	assert.Equal(t, []storage.NodeID{"mom"}, members("staff"))
}

func TestDescribe(t *testing.T) {
	f, err := Load("testdata/people.yaml")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Describe(&buf, f))
	out := buf.String()
	assert.Contains(t, out, "2 classes, 5 rules")
	assert.Contains(t, out, "Person  (anchor edge :_RULES_Person)")
	assert.Contains(t, out, "inherits: Entity")
	assert.Contains(t, out, "aggregate:  sum(age) -> adult.sum.age")
}
