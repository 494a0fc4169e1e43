package storage

import (
	"sort"

	"github.com/orneryd/nornicrules/pkg/convert"
)

// TransactionEventHandler observes transactions created by a TxManager.
//
// BeforeCommit runs on the committing goroutine before anything reaches the
// engine. It may read and write through data.Tx(); those writes commit with
// the transaction. Returning an error rolls the transaction back. The returned
// state is handed back to AfterCommit or AfterRollback.
type TransactionEventHandler interface {
	BeforeCommit(data *TransactionData) (any, error)
	AfterCommit(data *TransactionData, state any)
	AfterRollback(data *TransactionData, state any)
}

// TxFinishedHandler is an optional extension of TransactionEventHandler,
// called once after a transaction commits or rolls back.
type TxFinishedHandler interface {
	TxFinished(tx *Transaction)
}

// KernelEventHandler observes store lifecycle.
type KernelEventHandler interface {
	StoreStarted(manager *TxManager) error
	StoreStopped(manager *TxManager)
}

// PropertyEntry is one property delta. New is nil for removed properties and
// Old is nil for properties that did not exist before.
type PropertyEntry struct {
	Node *Node
	Key  string
	Old  any
	New  any
}

// TransactionData is the net change of a transaction, computed when it starts
// to commit. Entities appear in the order the transaction first touched them.
//
// A node created and deleted within the same transaction does not appear.
// A created node reports each of its properties as assigned (Old == nil).
// A deleted node reports no property removals; it appears in DeletedNodes
// with its last committed state.
type TransactionData struct {
	CreatedNodes       []*Node
	DeletedNodes       []*Node
	AssignedProperties []PropertyEntry
	RemovedProperties  []PropertyEntry
	CreatedEdges       []*Edge
	DeletedEdges       []*Edge

	tx *Transaction
}

// Tx returns the committing transaction. It is writable during BeforeCommit.
func (d *TransactionData) Tx() *Transaction {
	if d == nil {
		return nil
	}
	return d.tx
}

// IsEmpty reports whether the transaction changed nothing.
func (d *TransactionData) IsEmpty() bool {
	return len(d.CreatedNodes) == 0 && len(d.DeletedNodes) == 0 &&
		len(d.AssignedProperties) == 0 && len(d.RemovedProperties) == 0 &&
		len(d.CreatedEdges) == 0 && len(d.DeletedEdges) == 0
}

// buildDataUnlocked diffs first-seen state against pending state. Caller must hold tx.mu.
func (tx *Transaction) buildDataUnlocked() *TransactionData {
	data := &TransactionData{tx: tx}

	for _, id := range tx.nodeOrder {
		before := tx.initialNodes[id]
		after := tx.pendingNodes[id]
		if _, deleted := tx.deletedNodes[id]; deleted {
			after = nil
		}

		switch {
		case before == nil && after == nil:
			continue
		case before == nil:
			data.CreatedNodes = append(data.CreatedNodes, copyNode(after))
			for _, key := range sortedKeys(after.Properties, nil) {
				data.AssignedProperties = append(data.AssignedProperties, PropertyEntry{
					Node: copyNode(after),
					Key:  key,
					New:  after.Properties[key],
				})
			}
		case after == nil:
			data.DeletedNodes = append(data.DeletedNodes, copyNode(before))
		default:
			for _, key := range sortedKeys(before.Properties, after.Properties) {
				oldVal, hadOld := before.Properties[key]
				newVal, hasNew := after.Properties[key]
				switch {
				case hasNew && (!hadOld || !convert.Equal(oldVal, newVal)):
					data.AssignedProperties = append(data.AssignedProperties, PropertyEntry{
						Node: copyNode(after),
						Key:  key,
						Old:  oldVal,
						New:  newVal,
					})
				case hadOld && !hasNew:
					data.RemovedProperties = append(data.RemovedProperties, PropertyEntry{
						Node: copyNode(after),
						Key:  key,
						Old:  oldVal,
					})
				}
			}
		}
	}

	for _, id := range tx.edgeOrder {
		before := tx.initialEdges[id]
		after := tx.pendingEdges[id]
		if _, deleted := tx.deletedEdges[id]; deleted {
			after = nil
		}

		switch {
		case before == nil && after != nil:
			data.CreatedEdges = append(data.CreatedEdges, copyEdge(after))
		case before != nil && after == nil:
			data.DeletedEdges = append(data.DeletedEdges, copyEdge(before))
		}
	}

	return data
}

func sortedKeys(a, b map[string]any) []string {
	keys := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, m := range []map[string]any{a, b} {
		for k := range m {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
