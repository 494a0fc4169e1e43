// Package rules materializes rule membership as graph edges.
//
// Every class (a node's first label) may own a Registry of named rules. The
// first time a class is evaluated, an anchor node is created and linked from
// the store's root node. Each node of the class that satisfies a rule is
// connected to the anchor by an edge whose type is the rule name; nodes that
// stop satisfying it are disconnected. Membership queries then become
// one-hop traversals from the anchor.
//
// Evaluation runs inside the committing transaction, driven by an
// events.Dispatcher. Every edge the engine writes commits or rolls back with
// the change that caused it.
//
// Example:
//
//	engine := rules.NewEngine(rules.Options{})
//	engine.Registry("Person").AddRule("adult", rules.Match(func(n *storage.Node) bool {
//		age, ok := convert.ToFloat64(n.Properties["age"])
//		return ok && age >= 18
//	}))
//
//	dispatcher := events.NewDispatcher()
//	dispatcher.Register(engine)
//	manager.RegisterTransactionEventHandler(dispatcher)
//	manager.RegisterKernelEventHandler(dispatcher)
package rules

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orneryd/nornicrules/pkg/storage"
)

// Options configures an Engine.
type Options struct {
	// MaxCascadeNodes bounds the nodes one evaluation pass may visit. Zero
	// means no bound beyond the per-pass visited set.
	MaxCascadeNodes int

	// Registerer receives the engine's collectors. Defaults to a private
	// registry.
	Registerer prometheus.Registerer

	// Verbose logs every rule evaluation.
	Verbose bool
}

// Engine owns the registries of all classes and is the dispatcher listener
// that evaluates them.
type Engine struct {
	opts    Options
	metrics *metrics

	mu      sync.RWMutex
	classes map[string]*Registry
}

// NewEngine creates an engine with no classes.
func NewEngine(opts Options) *Engine {
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	return &Engine{
		opts:    opts,
		metrics: newMetrics(opts.Registerer),
		classes: make(map[string]*Registry),
	}
}

// Registry returns the registry of class, creating it if needed.
func (e *Engine) Registry(class string) *Registry {
	e.mu.RLock()
	reg, ok := e.classes[class]
	e.mu.RUnlock()
	if ok {
		return reg
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if reg, ok := e.classes[class]; ok {
		return reg
	}
	reg = newRegistry(class, e)
	e.classes[class] = reg
	return reg
}

// LookupRegistry returns the registry of class without creating one.
func (e *Engine) LookupRegistry(class string) (*Registry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	reg, ok := e.classes[class]
	return reg, ok
}

// Registries returns all registries ordered by class name.
func (e *Engine) Registries() []*Registry {
	e.mu.RLock()
	regs := make([]*Registry, 0, len(e.classes))
	for _, reg := range e.classes {
		regs = append(regs, reg)
	}
	e.mu.RUnlock()

	sort.Slice(regs, func(i, j int) bool { return regs[i].class < regs[j].class })
	return regs
}

// Class tags the engine with the anchor label so that anchor writes are
// filtered out of dispatch.
func (e *Engine) Class() string {
	return AnchorLabel
}

// OnNodeCreated evaluates the rules of the new node's class.
func (e *Engine) OnNodeCreated(tx *storage.Transaction, node *storage.Node) error {
	reg, ok := e.LookupRegistry(node.Class())
	if !ok {
		return nil
	}
	return reg.Evaluate(tx, node, nil)
}

// OnPropertyChanged evaluates the rules of the node's class with the change.
func (e *Engine) OnPropertyChanged(tx *storage.Transaction, node *storage.Node, key string, oldValue, newValue any) error {
	reg, ok := e.LookupRegistry(node.Class())
	if !ok {
		return nil
	}
	return reg.Evaluate(tx, node, &Change{Key: key, Old: oldValue, New: newValue})
}

// OnStoreStarted ensures every registered class has an anchor, in one
// transaction.
func (e *Engine) OnStoreStarted(manager *storage.TxManager) error {
	regs := e.Registries()
	if len(regs) == 0 {
		return nil
	}

	tx := manager.BeginTransaction()
	for _, reg := range regs {
		if err := reg.OnStoreStarted(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("starting rules for %s: %w", reg.class, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rule anchors: %w", err)
	}
	log.Printf("[Rules] Anchors ready for %d classes", len(regs))
	return nil
}

// OnStoreStopped drops every memoized anchor.
func (e *Engine) OnStoreStopped(_ *storage.TxManager) {
	for _, reg := range e.Registries() {
		reg.ClearAnchor()
	}
	log.Printf("[Rules] Store stopped, anchor memos cleared")
}

// OnAfterCommit marks anchors created by the transaction as committed.
func (e *Engine) OnAfterCommit(data *storage.TransactionData) {
	tx := data.Tx()
	if tx == nil {
		return
	}
	for _, reg := range e.Registries() {
		reg.settleAnchor(tx)
	}
}

// OnAfterRollback forgets anchors created by the rolled back transaction.
func (e *Engine) OnAfterRollback(data *storage.TransactionData) {
	tx := data.Tx()
	if tx == nil {
		return
	}
	for _, reg := range e.Registries() {
		if reg.forgetAnchorFrom(tx) {
			log.Printf("[Rules] Dropped uncommitted anchor memo for class %s", reg.class)
		}
	}
}
