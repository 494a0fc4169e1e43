// Package events turns committing transactions into typed change events and
// fans them out to listeners.
//
// A Dispatcher is registered with a storage.TxManager as both transaction and
// kernel event handler. For every committing transaction it walks the
// storage.TransactionData snapshot and emits, in order:
//
//  1. NodeCreated for each created node
//  2. RelationshipCreated for each created edge
//  3. PropertyChanged for each assigned property
//  4. PropertyChanged (new = nil) for each removed property
//  5. RelationshipDeleted for each deleted edge
//  6. NodeDeleted for each deleted node
//
// Deletions come last so property handlers still see live nodes.
//
// Listeners implement any subset of the capability interfaces below. A
// missing capability means the event is skipped for that listener. Change
// capabilities receive the committing transaction, which is still writable:
// whatever a listener writes commits or rolls back with it.
//
// Example:
//
//	d := events.NewDispatcher()
//	d.Register(&events.Funcs{
//		NodeCreated: func(tx *storage.Transaction, n *storage.Node) error {
//			log.Printf("created %s", n.ID)
//			return nil
//		},
//	})
//	manager.RegisterTransactionEventHandler(d)
//	manager.RegisterKernelEventHandler(d)
package events

import "github.com/orneryd/nornicrules/pkg/storage"

// Classed is implemented by listeners that own a class of nodes. Registering
// such a listener filters events about that class for every listener, so a
// listener's own writes never loop back into it.
type Classed interface {
	Class() string
}

// NodeCreatedListener receives NodeCreated events.
type NodeCreatedListener interface {
	OnNodeCreated(tx *storage.Transaction, node *storage.Node) error
}

// NodeDeletedListener receives NodeDeleted events. The node carries its last
// committed state and no longer exists in tx.
type NodeDeletedListener interface {
	OnNodeDeleted(tx *storage.Transaction, node *storage.Node) error
}

// RelationshipCreatedListener receives RelationshipCreated events.
type RelationshipCreatedListener interface {
	OnRelationshipCreated(tx *storage.Transaction, edge *storage.Edge) error
}

// RelationshipDeletedListener receives RelationshipDeleted events.
type RelationshipDeletedListener interface {
	OnRelationshipDeleted(tx *storage.Transaction, edge *storage.Edge) error
}

// PropertyChangedListener receives PropertyChanged events. newValue is nil
// when the property was removed; oldValue is nil when it did not exist.
type PropertyChangedListener interface {
	OnPropertyChanged(tx *storage.Transaction, node *storage.Node, key string, oldValue, newValue any) error
}

// TxFinishedListener is told when a transaction has committed or rolled back.
type TxFinishedListener interface {
	OnTxFinished(tx *storage.Transaction)
}

// AfterCommitListener is told after a transaction has been applied.
type AfterCommitListener interface {
	OnAfterCommit(data *storage.TransactionData)
}

// AfterRollbackListener is told after a transaction has been rolled back.
type AfterRollbackListener interface {
	OnAfterRollback(data *storage.TransactionData)
}

// StoreStartedListener is told when the store starts. An error aborts start-up.
type StoreStartedListener interface {
	OnStoreStarted(manager *storage.TxManager) error
}

// StoreStoppedListener is told when the store stops.
type StoreStoppedListener interface {
	OnStoreStopped(manager *storage.TxManager)
}

// Funcs is a listener assembled from optional functions. Nil fields are
// absent capabilities. Register it by pointer.
type Funcs struct {
	// Tag, if set, is the listener's class tag (see Classed).
	Tag string

	NodeCreated         func(tx *storage.Transaction, node *storage.Node) error
	NodeDeleted         func(tx *storage.Transaction, node *storage.Node) error
	RelationshipCreated func(tx *storage.Transaction, edge *storage.Edge) error
	RelationshipDeleted func(tx *storage.Transaction, edge *storage.Edge) error
	PropertyChanged     func(tx *storage.Transaction, node *storage.Node, key string, oldValue, newValue any) error
	TxFinished          func(tx *storage.Transaction)
	AfterCommit         func(data *storage.TransactionData)
	AfterRollback       func(data *storage.TransactionData)
	StoreStarted        func(manager *storage.TxManager) error
	StoreStopped        func(manager *storage.TxManager)
}

// entry is a registered listener with its capabilities resolved once.
type entry struct {
	listener any
	tag      string

	nodeCreated         func(*storage.Transaction, *storage.Node) error
	nodeDeleted         func(*storage.Transaction, *storage.Node) error
	relationshipCreated func(*storage.Transaction, *storage.Edge) error
	relationshipDeleted func(*storage.Transaction, *storage.Edge) error
	propertyChanged     func(*storage.Transaction, *storage.Node, string, any, any) error
	txFinished          func(*storage.Transaction)
	afterCommit         func(*storage.TransactionData)
	afterRollback       func(*storage.TransactionData)
	storeStarted        func(*storage.TxManager) error
	storeStopped        func(*storage.TxManager)
}

func resolve(listener any) *entry {
	if f, ok := listener.(*Funcs); ok {
		return &entry{
			listener:            listener,
			tag:                 f.Tag,
			nodeCreated:         f.NodeCreated,
			nodeDeleted:         f.NodeDeleted,
			relationshipCreated: f.RelationshipCreated,
			relationshipDeleted: f.RelationshipDeleted,
			propertyChanged:     f.PropertyChanged,
			txFinished:          f.TxFinished,
			afterCommit:         f.AfterCommit,
			afterRollback:       f.AfterRollback,
			storeStarted:        f.StoreStarted,
			storeStopped:        f.StoreStopped,
		}
	}

	e := &entry{listener: listener}
	if l, ok := listener.(Classed); ok {
		e.tag = l.Class()
	}
	if l, ok := listener.(NodeCreatedListener); ok {
		e.nodeCreated = l.OnNodeCreated
	}
	if l, ok := listener.(NodeDeletedListener); ok {
		e.nodeDeleted = l.OnNodeDeleted
	}
	if l, ok := listener.(RelationshipCreatedListener); ok {
		e.relationshipCreated = l.OnRelationshipCreated
	}
	if l, ok := listener.(RelationshipDeletedListener); ok {
		e.relationshipDeleted = l.OnRelationshipDeleted
	}
	if l, ok := listener.(PropertyChangedListener); ok {
		e.propertyChanged = l.OnPropertyChanged
	}
	if l, ok := listener.(TxFinishedListener); ok {
		e.txFinished = l.OnTxFinished
	}
	if l, ok := listener.(AfterCommitListener); ok {
		e.afterCommit = l.OnAfterCommit
	}
	if l, ok := listener.(AfterRollbackListener); ok {
		e.afterRollback = l.OnAfterRollback
	}
	if l, ok := listener.(StoreStartedListener); ok {
		e.storeStarted = l.OnStoreStarted
	}
	if l, ok := listener.(StoreStoppedListener); ok {
		e.storeStopped = l.OnStoreStopped
	}
	return e
}
