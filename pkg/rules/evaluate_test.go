package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicrules/pkg/storage"
)

func TestEvaluate_ConnectIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	reg := h.engine.Registry("Person")
	_, err := reg.AddRule("adult", Match(isAdult))
	require.NoError(t, err)

	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.CreateNode(person("x", 30))
	}))

	tx := storage.NewTransaction(h.store)
	node, err := tx.GetNode("x")
	require.NoError(t, err)
	require.NoError(t, reg.Evaluate(tx, node, nil))
	require.NoError(t, reg.Evaluate(tx, node, nil))
	assert.Zero(t, tx.OperationCount(), "already connected, nothing to write")
	require.NoError(t, tx.Rollback())

	assert.Equal(t, 1, h.ruleEdges(t, "adult", "x"))
}

func TestEvaluate_DisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	reg := h.engine.Registry("Person")
	_, err := reg.AddRule("adult", Match(isAdult))
	require.NoError(t, err)

	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.CreateNode(person("x", 30))
	}))

	tx := storage.NewTransaction(h.store)
	require.NoError(t, tx.SetProperty("x", "age", 5))
	node, err := tx.GetNode("x")
	require.NoError(t, err)

	require.NoError(t, reg.Evaluate(tx, node, nil))
	assert.Equal(t, 2, tx.OperationCount(), "property update plus one edge deletion")
	require.NoError(t, reg.Evaluate(tx, node, nil))
	assert.Equal(t, 2, tx.OperationCount())
	require.NoError(t, tx.Commit())

	assert.Zero(t, h.ruleEdges(t, "adult", "x"))

	// Never-connected nodes stay untouched too.
	tx = storage.NewTransaction(h.store)
	node, err = tx.GetNode("x")
	require.NoError(t, err)
	require.NoError(t, reg.Evaluate(tx, node, nil))
	assert.Zero(t, tx.OperationCount())
	require.NoError(t, tx.Rollback())
}

func TestEvaluate_DeletedNodeIsSkipped(t *testing.T) {
	h := newHarness(t, Options{})
	reg := h.engine.Registry("Person")
	_, err := reg.AddRule("adult", Match(isAdult))
	require.NoError(t, err)

	require.NoError(t, h.store.CreateNode(person("x", 30)))
	tx := storage.NewTransaction(h.store)
	node, err := tx.GetNode("x")
	require.NoError(t, err)
	require.NoError(t, tx.DeleteNode("x"))

	require.NoError(t, reg.Evaluate(tx, node, nil))
	require.NoError(t, tx.Rollback())
}

// hasAdultFriend matches nodes with an outgoing friend edge to an adult.
func hasAdultFriend(seen map[storage.NodeID]int) Predicate {
	return func(tx *storage.Transaction, n *storage.Node) (bool, error) {
		seen[n.ID]++
		out, err := tx.GetOutgoingEdges(n.ID)
		if err != nil {
			return false, err
		}
		for _, e := range out {
			if e.Type != "friend" {
				continue
			}
			friend, err := tx.GetNode(e.EndNode)
			if err != nil {
				return false, err
			}
			if isAdult(friend) {
				return true, nil
			}
		}
		return false, nil
	}
}

func TestEvaluate_TriggerCascade(t *testing.T) {
	h := newHarness(t, Options{})
	reg := h.engine.Registry("Person")
	seen := map[storage.NodeID]int{}
	_, err := reg.AddRule("adult", Match(isAdult), WithTriggers("friend"))
	require.NoError(t, err)
	_, err = reg.AddRule("hasAdultFriend", hasAdultFriend(seen))
	require.NoError(t, err)

	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		for _, n := range []*storage.Node{
			person("x", 10),
			person("y", 10),
			{ID: "robot", Labels: []string{"Robot"}},
		} {
			if err := tx.CreateNode(n); err != nil {
				return err
			}
		}
		if err := tx.CreateEdge(&storage.Edge{StartNode: "y", EndNode: "x", Type: "friend"}); err != nil {
			return err
		}
		// Robots have no rules; the cascade passes over them.
		return tx.CreateEdge(&storage.Edge{StartNode: "robot", EndNode: "x", Type: "friend"})
	}))
	assert.False(t, h.isMember(t, "Person", "hasAdultFriend", "y"))

	clear(seen)
	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.SetProperty("x", "age", 20)
	}))
	assert.True(t, h.isMember(t, "Person", "adult", "x"))
	assert.True(t, h.isMember(t, "Person", "hasAdultFriend", "y"), "y re-evaluated through the friend trigger")
	assert.Equal(t, map[storage.NodeID]int{"x": 1, "y": 1}, seen)

	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.SetProperty("x", "age", 11)
	}))
	assert.False(t, h.isMember(t, "Person", "hasAdultFriend", "y"))
}

func TestEvaluate_CascadeAcrossClasses(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.engine.Registry("Person").AddRule("adult", Match(isAdult), WithTriggers("employs"))
	require.NoError(t, err)

	_, err = h.engine.Registry("Company").AddRule("employsAdult", func(tx *storage.Transaction, n *storage.Node) (bool, error) {
		out, err := tx.GetOutgoingEdges(n.ID)
		if err != nil {
			return false, err
		}
		for _, e := range out {
			member, err := h.engine.Registry("Person").IsMember(tx, e.EndNode, "adult")
			if err != nil || member {
				return member, err
			}
		}
		return false, nil
	})
	require.NoError(t, err)

	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		if err := tx.CreateNode(person("x", 10)); err != nil {
			return err
		}
		if err := tx.CreateNode(&storage.Node{ID: "acme", Labels: []string{"Company"}}); err != nil {
			return err
		}
		return tx.CreateEdge(&storage.Edge{StartNode: "acme", EndNode: "x", Type: "employs"})
	}))
	assert.False(t, h.isMember(t, "Company", "employsAdult", "acme"))

	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.SetProperty("x", "age", 40)
	}))
	assert.True(t, h.isMember(t, "Company", "employsAdult", "acme"))

	anchors, err := h.store.GetNodesByLabel(AnchorLabel)
	require.NoError(t, err)
	assert.Len(t, anchors, 2, "one anchor per class")
}

func TestEvaluate_CyclicTriggersTerminate(t *testing.T) {
	h := newHarness(t, Options{})
	seen := map[storage.NodeID]int{}
	_, err := h.engine.Registry("Person").AddRule("adult", func(_ *storage.Transaction, n *storage.Node) (bool, error) {
		seen[n.ID]++
		return isAdult(n), nil
	}, WithTriggers("friend"))
	require.NoError(t, err)

	require.NoError(t, h.store.CreateNode(person("x", 10)))
	require.NoError(t, h.store.CreateNode(person("y", 10)))
	require.NoError(t, h.store.CreateEdge(&storage.Edge{ID: "xy", StartNode: "x", EndNode: "y", Type: "friend"}))
	require.NoError(t, h.store.CreateEdge(&storage.Edge{ID: "yx", StartNode: "y", EndNode: "x", Type: "friend"}))
	require.NoError(t, h.store.CreateEdge(&storage.Edge{ID: "xx", StartNode: "x", EndNode: "x", Type: "friend"}))

	require.NoError(t, h.update(func(tx *storage.Transaction) error {
		return tx.SetProperty("x", "age", 30)
	}))
	assert.Equal(t, map[storage.NodeID]int{"x": 1, "y": 1}, seen)
	assert.True(t, h.isMember(t, "Person", "adult", "x"))
	assert.False(t, h.isMember(t, "Person", "adult", "y"))
}

func TestEvaluate_CascadeLimit(t *testing.T) {
	setup := func(t *testing.T, limit int) *harness {
		h := newHarness(t, Options{MaxCascadeNodes: limit})
		_, err := h.engine.Registry("Person").AddRule("adult", Match(isAdult), WithTriggers("friend"))
		require.NoError(t, err)

		// c -> b -> a
		for _, id := range []storage.NodeID{"a", "b", "c"} {
			require.NoError(t, h.store.CreateNode(person(id, 1)))
		}
		require.NoError(t, h.store.CreateEdge(&storage.Edge{ID: "ba", StartNode: "b", EndNode: "a", Type: "friend"}))
		require.NoError(t, h.store.CreateEdge(&storage.Edge{ID: "cb", StartNode: "c", EndNode: "b", Type: "friend"}))
		return h
	}

	t.Run("exceeded", func(t *testing.T) {
		h := setup(t, 2)
		err := h.update(func(tx *storage.Transaction) error {
			return tx.SetProperty("a", "age", 30)
		})
		require.ErrorIs(t, err, ErrCascadeLimit)

		node, err := h.store.GetNode("a")
		require.NoError(t, err)
		assert.Equal(t, 1, node.Properties["age"], "the triggering write rolled back")
	})

	t.Run("within", func(t *testing.T) {
		h := setup(t, 3)
		require.NoError(t, h.update(func(tx *storage.Transaction) error {
			return tx.SetProperty("a", "age", 30)
		}))
		assert.True(t, h.isMember(t, "Person", "adult", "a"))
	})
}
