package rules

import (
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/orneryd/nornicrules/pkg/convert"
	"github.com/orneryd/nornicrules/pkg/events"
	"github.com/orneryd/nornicrules/pkg/storage"
)

// harness wires an engine to a memory store the way the database does.
type harness struct {
	engine     *Engine
	store      *storage.MemoryEngine
	manager    *storage.TxManager
	dispatcher *events.Dispatcher
	registry   *prometheus.Registry
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:      storage.NewMemoryEngine(),
		dispatcher: events.NewDispatcher(),
		registry:   prometheus.NewRegistry(),
	}
	t.Cleanup(func() { h.store.Close() })

	opts.Registerer = h.registry
	h.engine = NewEngine(opts)
	require.NoError(t, h.dispatcher.Register(h.engine))

	h.manager = storage.NewTxManager(h.store)
	h.manager.RegisterTransactionEventHandler(h.dispatcher)
	h.manager.RegisterKernelEventHandler(h.dispatcher)
	return h
}

// update runs fn in a transaction and commits it.
func (h *harness) update(fn func(tx *storage.Transaction) error) error {
	tx := h.manager.BeginTransaction()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// view runs fn against committed state without notifying any handler.
func (h *harness) view(t *testing.T, fn func(tx *storage.Transaction)) {
	t.Helper()
	tx := storage.NewTransaction(h.store)
	fn(tx)
	require.NoError(t, tx.Rollback())
}

func (h *harness) isMember(t *testing.T, class, rule string, id storage.NodeID) bool {
	t.Helper()
	var member bool
	h.view(t, func(tx *storage.Transaction) {
		var err error
		member, err = h.engine.Registry(class).IsMember(tx, id, rule)
		require.NoError(t, err)
	})
	return member
}

// ruleEdges counts committed edges of type rule ending at id.
func (h *harness) ruleEdges(t *testing.T, rule string, id storage.NodeID) int {
	t.Helper()
	edges, err := h.store.GetIncomingEdges(id)
	require.NoError(t, err)
	n := 0
	for _, e := range edges {
		if e.Type == rule {
			n++
		}
	}
	return n
}

func person(id storage.NodeID, age any) *storage.Node {
	return &storage.Node{ID: id, Labels: []string{"Person"}, Properties: map[string]any{"age": age}}
}

func isAdult(n *storage.Node) bool {
	age, ok := convert.ToFloat64(n.Properties["age"])
	return ok && age >= 18
}

func TestEngine_AdultToggle(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, Options{})
	_, err := h.engine.Registry("Person").AddRule("adult", Match(isAdult), WithProperties("age"))
	require.NoError(t, err)

	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.CreateNode(person("x", 17))
	}))
	assert.False(t, h.isMember(t, "Person", "adult", "x"))

	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.SetProperty("x", "age", 19)
	}))
	assert.True(t, h.isMember(t, "Person", "adult", "x"))
	assert.Equal(t, 1, h.ruleEdges(t, "adult", "x"))

	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.SetProperty("x", "age", 16)
	}))
	assert.False(t, h.isMember(t, "Person", "adult", "x"))
	assert.Equal(t, 0, h.ruleEdges(t, "adult", "x"))

	// The anchor hangs off the root exactly once.
	rootEdges, err := h.store.GetOutgoingEdges(storage.RootNodeID)
	require.NoError(t, err)
	require.Len(t, rootEdges, 1)
	assert.Equal(t, RelationType("Person"), rootEdges[0].Type)
}

func TestEngine_CreatedNodeMatchesImmediately(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.engine.Registry("Person").AddRule("adult", Match(isAdult))
	require.NoError(t, err)

	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.CreateNode(person("x", 40))
	}))
	assert.True(t, h.isMember(t, "Person", "adult", "x"))
	assert.Equal(t, 1, h.ruleEdges(t, "adult", "x"))
}

func TestEngine_UnregisteredClassIsIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.engine.Registry("Person").AddRule("adult", Match(isAdult))
	require.NoError(t, err)

	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.CreateNode(&storage.Node{ID: "c", Labels: []string{"Company"}, Properties: map[string]any{"age": 50}})
	}))

	count, err := h.store.NodeCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "no anchor for a class without rules")
	_, ok := h.engine.LookupRegistry("Company")
	assert.False(t, ok)
}

func TestEngine_DeletingMemberRemovesEdge(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.engine.Registry("Person").AddRule("adult", Match(isAdult))
	require.NoError(t, err)

	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.CreateNode(person("x", 30))
	}))
	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.DeleteNode("x")
	}))

	h.view(t, func(tx *storage.Transaction) {
		members, err := h.engine.Registry("Person").Members(tx, "adult")
		require.NoError(t, err)
		assert.Empty(t, members)
	})
}

// recordingAggregation logs each callback as "add old new" or "remove old".
type recordingAggregation struct {
	calls *[]string
}

func (recordingAggregation) Name() string { return "recording" }

func (r recordingAggregation) OnAdd(_ *Scope, oldValue, newValue any) error {
	*r.calls = append(*r.calls, fmt.Sprintf("add %v %v", oldValue, newValue))
	return nil
}

func (r recordingAggregation) OnRemove(_ *Scope, oldValue any) error {
	*r.calls = append(*r.calls, fmt.Sprintf("remove %v", oldValue))
	return nil
}

func TestEngine_RemovingPropertyDisconnects(t *testing.T) {
	var calls []string
	h := newHarness(t, Options{})
	_, err := h.engine.Registry("Person").AddRule("adult", Match(isAdult),
		WithAggregation("age", recordingAggregation{calls: &calls}))
	require.NoError(t, err)

	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.CreateNode(person("x", 10))
	}))
	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.SetProperty("x", "age", 20)
	}))
	require.True(t, h.isMember(t, "Person", "adult", "x"))

	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.RemoveProperty("x", "age")
	}))
	assert.False(t, h.isMember(t, "Person", "adult", "x"))
	assert.Equal(t, 0, h.ruleEdges(t, "adult", "x"))

	// Putting the property back reports an absent old value.
	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.SetProperty("x", "age", 25)
	}))
	assert.True(t, h.isMember(t, "Person", "adult", "x"))

	assert.Equal(t, []string{"add 10 20", "remove 20", "add <nil> 25"}, calls)
}

func TestEngine_SelfFilter(t *testing.T) {
	h := newHarness(t, Options{})
	assert.Equal(t, AnchorLabel, h.engine.Class())
	assert.True(t, h.dispatcher.Filtered(AnchorLabel))

	// A registry for the anchor label itself is never driven by events.
	calls := 0
	_, err := h.engine.Registry(AnchorLabel).AddRule("loop", Match(func(*storage.Node) bool {
		calls++
		return true
	}))
	require.NoError(t, err)
	_, err = h.engine.Registry("Person").AddRule("adult", Match(isAdult), WithAggregation("age", Count()))
	require.NoError(t, err)

	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.CreateNode(person("x", 10))
	}))
	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.SetProperty("x", "age", 21)
	}))
	// Even a user write to an anchor-labelled node is filtered.
	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.CreateNode(&storage.Node{Labels: []string{AnchorLabel}, Properties: map[string]any{"k": 1}})
	}))

	assert.Zero(t, calls)
	assert.True(t, h.isMember(t, "Person", "adult", "x"))
}

func TestEngine_EvaluationOrder(t *testing.T) {
	h := newHarness(t, Options{})
	reg := h.engine.Registry("Person")

	var order []string
	for _, name := range []string{"c", "a", "b"} {
		_, err := reg.AddRule(name, Match(func(*storage.Node) bool {
			order = append(order, name)
			return false
		}))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"c", "a", "b"}, reg.RuleNames())

	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.CreateNode(&storage.Node{ID: "x", Labels: []string{"Person"}})
	}))
	assert.Equal(t, []string{"c", "a", "b"}, order)

	order = nil
	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.SetProperty("x", "name", "X")
	}))
	assert.Equal(t, []string{"c", "a", "b"}, order)
}

func TestEngine_PredicateErrorRollsBack(t *testing.T) {
	defer goleak.VerifyNone(t)

	boom := errors.New("boom")
	tests := []struct {
		name      string
		predicate Predicate
	}{
		{"error", func(_ *storage.Transaction, n *storage.Node) (bool, error) {
			if n.ID == "bad" {
				return false, boom
			}
			return true, nil
		}},
		{"panic", func(_ *storage.Transaction, n *storage.Node) (bool, error) {
			if n.ID == "bad" {
				panic(boom)
			}
			return true, nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			reg := h.engine.Registry("Person")
			_, err := reg.AddRule("fragile", tt.predicate)
			require.NoError(t, err)

			err = h.update(func(tx *storage.Transaction) error {
				if err := tx.CreateNode(person("good", 1)); err != nil {
					return err
				}
				return tx.CreateNode(person("bad", 1))
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, storage.ErrBeforeCommit)
			assert.ErrorIs(t, err, boom)

			var predErr *PredicateError
			require.ErrorAs(t, err, &predErr)
			assert.Equal(t, "Person", predErr.Class)
			assert.Equal(t, "fragile", predErr.Rule)
			assert.Equal(t, "bad", predErr.Node)

			count, err := h.store.NodeCount()
			require.NoError(t, err)
			assert.Zero(t, count, "user nodes, root and anchor all rolled back")
			edges, err := h.store.EdgeCount()
			require.NoError(t, err)
			assert.Zero(t, edges)

			reg.mu.RLock()
			assert.Nil(t, reg.anchor, "memo of the rolled back anchor is dropped")
			reg.mu.RUnlock()
		})
	}
}

func TestEngine_RollbackClearsAnchorMemo(t *testing.T) {
	h := newHarness(t, Options{})
	reg := h.engine.Registry("Person")
	_, err := reg.AddRule("adult", Match(isAdult))
	require.NoError(t, err)

	veto := errors.New("veto")
	failing := &events.Funcs{
		NodeCreated: func(_ *storage.Transaction, n *storage.Node) error {
			if n.ID == "vetoed" {
				return veto
			}
			return nil
		},
	}
	require.NoError(t, h.dispatcher.Register(failing))

	err = h.update(func(tx *storage.Transaction) error {
		return tx.CreateNode(person("vetoed", 30))
	})
	require.ErrorIs(t, err, veto)

	reg.mu.RLock()
	assert.Nil(t, reg.anchor)
	reg.mu.RUnlock()
	h.view(t, func(tx *storage.Transaction) {
		exists, err := reg.AnchorExists(tx)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	// The next transaction creates a real anchor instead of trusting the stale memo.
	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.CreateNode(person("ok", 30))
	}))
	assert.True(t, h.isMember(t, "Person", "adult", "ok"))

	reg.mu.RLock()
	require.NotNil(t, reg.anchor)
	assert.Nil(t, reg.anchor.createdBy, "memo settles after commit")
	reg.mu.RUnlock()
}

func TestEngine_StoreLifecycle(t *testing.T) {
	h := newHarness(t, Options{})
	for _, class := range []string{"Person", "Company"} {
		_, err := h.engine.Registry(class).AddRule("any", Match(func(*storage.Node) bool { return true }))
		require.NoError(t, err)
	}

	require.NoError(t, h.manager.Start())
	h.view(t, func(tx *storage.Transaction) {
		for _, reg := range h.engine.Registries() {
			exists, err := reg.AnchorExists(tx)
			require.NoError(t, err)
			assert.True(t, exists, reg.Name())
		}
	})

	// A second start must not create a second set of anchors.
	require.NoError(t, h.manager.Start())
	anchors, err := h.store.GetNodesByLabel(AnchorLabel)
	require.NoError(t, err)
	assert.Len(t, anchors, 2)

	h.manager.Stop()
	for _, reg := range h.engine.Registries() {
		reg.mu.RLock()
		assert.Nil(t, reg.anchor, reg.Name())
		reg.mu.RUnlock()
	}

	// Restarting finds the existing anchors.
	require.NoError(t, h.manager.Start())
	anchors, err = h.store.GetNodesByLabel(AnchorLabel)
	require.NoError(t, err)
	assert.Len(t, anchors, 2)
}

func TestEngine_Registries(t *testing.T) {
	e := NewEngine(Options{})
	b := e.Registry("B")
	a := e.Registry("A")
	assert.Same(t, b, e.Registry("B"))

	regs := e.Registries()
	require.Len(t, regs, 2)
	assert.Same(t, a, regs[0])
	assert.Same(t, b, regs[1])

	_, ok := e.LookupRegistry("C")
	assert.False(t, ok)
}

func TestEngine_Metrics(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.engine.Registry("Person").AddRule("adult", Match(isAdult))
	require.NoError(t, err)

	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.CreateNode(person("x", 10))
	}))
	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.SetProperty("x", "age", 20)
	}))
	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.SetProperty("x", "age", 12)
	}))

	m := h.engine.metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connected.WithLabelValues("Person", "adult")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.disconnected.WithLabelValues("Person", "adult")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evaluations.WithLabelValues("Person", "adult", resultConnected)))
	// Created node: once on creation, once for the age assignment.
	assert.Equal(t, 2.0, testutil.ToFloat64(m.evaluations.WithLabelValues("Person", "adult", resultUnchanged)))

	// A second engine on the same registry shares the collectors.
	other := NewEngine(Options{Registerer: h.registry})
	assert.Same(t, m.connected, other.metrics.connected)
}
