package events

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/orneryd/nornicrules/pkg/storage"
)

// recorder implements every capability and records what it saw.
type recorder struct {
	class  string
	events []string
	failOn string
}

func (r *recorder) Class() string { return r.class }

func (r *recorder) record(ev string) error {
	r.events = append(r.events, ev)
	if r.failOn != "" && ev == r.failOn {
		return errors.New("listener failed")
	}
	return nil
}

func (r *recorder) OnNodeCreated(_ *storage.Transaction, n *storage.Node) error {
	return r.record("created " + string(n.ID))
}

func (r *recorder) OnNodeDeleted(_ *storage.Transaction, n *storage.Node) error {
	return r.record("deleted " + string(n.ID))
}

func (r *recorder) OnRelationshipCreated(_ *storage.Transaction, e *storage.Edge) error {
	return r.record("rel created " + string(e.ID))
}

func (r *recorder) OnRelationshipDeleted(_ *storage.Transaction, e *storage.Edge) error {
	return r.record("rel deleted " + string(e.ID))
}

func (r *recorder) OnPropertyChanged(_ *storage.Transaction, n *storage.Node, key string, oldValue, newValue any) error {
	return r.record(fmt.Sprintf("prop %s.%s %v->%v", n.ID, key, oldValue, newValue))
}

func (r *recorder) OnTxFinished(*storage.Transaction) { r.events = append(r.events, "finished") }

func (r *recorder) OnAfterCommit(*storage.TransactionData) { r.events = append(r.events, "after commit") }

func (r *recorder) OnAfterRollback(*storage.TransactionData) {
	r.events = append(r.events, "after rollback")
}

func (r *recorder) OnStoreStarted(*storage.TxManager) error { return r.record("store started") }

func (r *recorder) OnStoreStopped(*storage.TxManager) { r.events = append(r.events, "store stopped") }

// onlyCreated implements a single capability.
type onlyCreated struct{ seen []storage.NodeID }

func (o *onlyCreated) OnNodeCreated(_ *storage.Transaction, n *storage.Node) error {
	o.seen = append(o.seen, n.ID)
	return nil
}

func newManager(t *testing.T, d *Dispatcher) (*storage.MemoryEngine, *storage.TxManager) {
	t.Helper()
	engine := storage.NewMemoryEngine()
	t.Cleanup(func() { engine.Close() })
	manager := storage.NewTxManager(engine)
	manager.RegisterTransactionEventHandler(d)
	manager.RegisterKernelEventHandler(d)
	return engine, manager
}

func TestDispatcher_EventOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := NewDispatcher()
	engine, manager := newManager(t, d)
	rec := &recorder{}
	require.NoError(t, d.Register(rec))

	require.NoError(t, engine.CreateNode(&storage.Node{ID: "old", Labels: []string{"Person"}, Properties: map[string]any{"age": 30, "nick": "o"}}))
	require.NoError(t, engine.CreateNode(&storage.Node{ID: "gone", Labels: []string{"Person"}}))
	require.NoError(t, engine.CreateEdge(&storage.Edge{ID: "e-gone", StartNode: "old", EndNode: "gone", Type: "friend"}))

	tx := manager.BeginTransaction()
	require.NoError(t, tx.CreateNode(&storage.Node{ID: "new", Labels: []string{"Person"}, Properties: map[string]any{"age": 5}}))
	require.NoError(t, tx.CreateEdge(&storage.Edge{ID: "e-new", StartNode: "new", EndNode: "old", Type: "friend"}))
	require.NoError(t, tx.SetProperty("old", "age", 31))
	require.NoError(t, tx.RemoveProperty("old", "nick"))
	require.NoError(t, tx.DeleteNode("gone"))
	require.NoError(t, tx.Commit())

	want := []string{
		"created new",
		"rel created e-new",
		"prop new.age <nil>->5",
		"prop old.age 30->31",
		"prop old.nick o-><nil>",
		"rel deleted e-gone",
		"deleted gone",
		"after commit",
		"finished",
	}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("event sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatcher_SelfFilter(t *testing.T) {
	d := NewDispatcher()
	_, manager := newManager(t, d)

	owner := &recorder{class: "_RuleAnchor"}
	other := &onlyCreated{}
	require.NoError(t, d.Register(owner))
	require.NoError(t, d.Register(other))
	assert.True(t, d.Filtered("_RuleAnchor"))

	tx := manager.BeginTransaction()
	require.NoError(t, tx.CreateNode(&storage.Node{ID: "anchor", Labels: []string{"_RuleAnchor"}, Properties: map[string]any{"class": "Person"}}))
	require.NoError(t, tx.CreateNode(&storage.Node{ID: "p", Labels: []string{"Person"}}))
	require.NoError(t, tx.CreateEdge(&storage.Edge{ID: "e", StartNode: "anchor", EndNode: "p", Type: "_RuleAnchor"}))
	require.NoError(t, tx.Commit())

	assert.Equal(t, []string{"created p", "after commit", "finished"}, owner.events)
	assert.Equal(t, []storage.NodeID{"p"}, other.seen, "the filter applies to every listener")
}

func TestDispatcher_RegisterIdempotent(t *testing.T) {
	d := NewDispatcher()
	rec := &recorder{class: "Person"}
	require.NoError(t, d.Register(rec))
	require.NoError(t, d.Register(rec))
	assert.Len(t, d.Listeners(), 1)

	second := &recorder{class: "Person"}
	require.NoError(t, d.Register(second))
	d.Unregister(rec)
	assert.True(t, d.Filtered("Person"), "tag stays while another listener carries it")
	d.Unregister(second)
	assert.False(t, d.Filtered("Person"))

	d.Unregister(second) // no-op
	assert.Empty(t, d.Listeners())
}

func TestDispatcher_RegisterRejects(t *testing.T) {
	d := NewDispatcher()
	assert.ErrorIs(t, d.Register(nil), ErrNilListener)
	assert.ErrorIs(t, d.Register(Funcs{}), ErrListenerNotComparable)
}

func TestDispatcher_ManualFilters(t *testing.T) {
	d := NewDispatcher()
	d.AddFilter("_Root")
	require.NoError(t, d.Register(&recorder{class: "Person"}))
	assert.Equal(t, []string{"Person", "_Root"}, d.FilteredClasses())

	d.Clear()
	assert.Empty(t, d.Listeners())
	assert.Equal(t, []string{"_Root"}, d.FilteredClasses())

	d.RemoveFilter("_Root")
	assert.False(t, d.Filtered("_Root"))
}

func TestDispatcher_ErrorAbortsCommit(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := NewDispatcher()
	engine, manager := newManager(t, d)
	failing := &recorder{failOn: "created a"}
	after := &onlyCreated{}
	require.NoError(t, d.Register(failing))
	require.NoError(t, d.Register(after))

	tx := manager.BeginTransaction()
	require.NoError(t, tx.CreateNode(&storage.Node{ID: "a", Labels: []string{"Person"}}))
	require.NoError(t, tx.CreateNode(&storage.Node{ID: "b", Labels: []string{"Person"}}))
	err := tx.Commit()
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrBeforeCommit)
	assert.Contains(t, err.Error(), "node created a")

	assert.Empty(t, after.seen, "dispatch stops at the first error")
	assert.Equal(t, []string{"created a", "after rollback", "finished"}, failing.events)

	count, err := engine.NodeCount()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDispatcher_Funcs(t *testing.T) {
	d := NewDispatcher()
	_, manager := newManager(t, d)

	var changed []string
	var finished int
	f := &Funcs{
		Tag: "Audit",
		PropertyChanged: func(_ *storage.Transaction, n *storage.Node, key string, _, newValue any) error {
			changed = append(changed, fmt.Sprintf("%s.%s=%v", n.ID, key, newValue))
			return nil
		},
		TxFinished: func(*storage.Transaction) { finished++ },
	}
	require.NoError(t, d.Register(f))
	assert.True(t, d.Filtered("Audit"))

	tx := manager.BeginTransaction()
	require.NoError(t, tx.CreateNode(&storage.Node{ID: "p", Labels: []string{"Person"}, Properties: map[string]any{"age": 1}}))
	require.NoError(t, tx.CreateNode(&storage.Node{ID: "log", Labels: []string{"Audit"}, Properties: map[string]any{"msg": "x"}}))
	require.NoError(t, tx.Commit())

	assert.Equal(t, []string{"p.age=1"}, changed)
	assert.Equal(t, 1, finished)
}

func TestDispatcher_Lifecycle(t *testing.T) {
	d := NewDispatcher()
	_, manager := newManager(t, d)
	rec := &recorder{}
	require.NoError(t, d.Register(rec))

	require.NoError(t, manager.Start())
	manager.Stop()
	assert.Equal(t, []string{"store started", "store stopped"}, rec.events)

	failing := &recorder{failOn: "store started"}
	d2 := NewDispatcher()
	require.NoError(t, d2.Register(failing))
	assert.Error(t, d2.StoreStarted(manager))
}

func TestDispatcher_NoListenersIsNoop(t *testing.T) {
	d := NewDispatcher()
	_, manager := newManager(t, d)

	tx := manager.BeginTransaction()
	require.NoError(t, tx.CreateNode(&storage.Node{ID: "n", Labels: []string{"Person"}}))
	assert.NoError(t, tx.Commit())
}
