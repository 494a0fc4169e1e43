package rules

import (
	"errors"
	"fmt"
	"log"

	"github.com/orneryd/nornicrules/pkg/storage"
)

// workItem is one node waiting to be evaluated in a pass.
type workItem struct {
	registry *Registry
	nodeID   storage.NodeID
	change   *Change
}

// evaluate runs one evaluation pass: the changed node first, then every node
// reached through trigger relation types, breadth-first. Each node is
// evaluated at most once per pass, so cyclic trigger graphs terminate.
func (e *Engine) evaluate(tx *storage.Transaction, registry *Registry, node *storage.Node, change *Change) error {
	queue := []workItem{{registry: registry, nodeID: node.ID, change: change}}
	visited := map[storage.NodeID]struct{}{node.ID: {}}
	evaluated := 0
	defer func() { e.metrics.cascadeNodes.Observe(float64(evaluated)) }()

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		if e.opts.MaxCascadeNodes > 0 && evaluated >= e.opts.MaxCascadeNodes {
			return fmt.Errorf("%w: %d nodes evaluated starting from %s", ErrCascadeLimit, evaluated, node.ID)
		}
		evaluated++

		current, err := tx.GetNode(item.nodeID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return &StoreOperationError{Op: "read node", Node: string(item.nodeID), Err: err}
		}

		next, err := item.registry.evaluateNode(tx, current, item.change)
		if err != nil {
			return err
		}

		for _, id := range next {
			if _, seen := visited[id]; seen {
				continue
			}
			visited[id] = struct{}{}

			dependent, err := tx.GetNode(id)
			if err != nil {
				return &StoreOperationError{Op: "read trigger node", Node: string(id), Err: err}
			}
			reg, ok := e.LookupRegistry(dependent.Class())
			if !ok {
				continue
			}
			queue = append(queue, workItem{registry: reg, nodeID: id})
		}
	}
	return nil
}

// evaluateNode applies every rule of r to node in registration order and
// returns the start nodes of incoming trigger edges, in rule order.
func (r *Registry) evaluateNode(tx *storage.Transaction, node *storage.Node, change *Change) ([]storage.NodeID, error) {
	rules := r.Rules()
	if len(rules) == 0 {
		return nil, nil
	}

	anchor, err := r.Anchor(tx)
	if err != nil {
		return nil, err
	}

	var next []storage.NodeID
	for _, rule := range rules {
		if err := r.applyRule(tx, anchor.ID, rule, node, change); err != nil {
			return nil, err
		}

		if len(rule.Triggers) == 0 {
			continue
		}
		incoming, err := tx.GetIncomingEdges(node.ID)
		if err != nil {
			return nil, &StoreOperationError{Op: "read incoming edges", Rule: rule.Name, Node: string(node.ID), Err: err}
		}
		for _, trigger := range rule.Triggers {
			for _, edge := range incoming {
				if edge.Type == trigger {
					next = append(next, edge.StartNode)
				}
			}
		}
	}
	return next, nil
}

// applyRule connects or disconnects node for rule so that the edge exists
// exactly when the predicate holds.
func (r *Registry) applyRule(tx *storage.Transaction, anchorID storage.NodeID, rule *Rule, node *storage.Node, change *Change) error {
	m := r.engine.metrics

	matched, err := r.runPredicate(tx, rule, node)
	if err != nil {
		m.evaluations.WithLabelValues(r.class, rule.Name, resultError).Inc()
		return err
	}

	edge, err := r.connection(tx, anchorID, rule.Name, node.ID)
	if err != nil {
		return err
	}

	result := resultUnchanged
	switch {
	case matched && edge == nil:
		if err := tx.CreateEdge(&storage.Edge{StartNode: anchorID, EndNode: node.ID, Type: rule.Name}); err != nil {
			return &StoreOperationError{Op: "connect", Rule: rule.Name, Node: string(node.ID), Err: err}
		}
		m.connected.WithLabelValues(r.class, rule.Name).Inc()
		result = resultConnected
		if change != nil {
			if err := r.runAggregations(tx, anchorID, rule, change, true); err != nil {
				return err
			}
		}
	case !matched && edge != nil:
		if err := tx.DeleteEdge(edge.ID); err != nil {
			return &StoreOperationError{Op: "disconnect", Rule: rule.Name, Node: string(node.ID), Err: err}
		}
		m.disconnected.WithLabelValues(r.class, rule.Name).Inc()
		result = resultDisconnected
		if change != nil {
			if err := r.runAggregations(tx, anchorID, rule, change, false); err != nil {
				return err
			}
		}
	}

	m.evaluations.WithLabelValues(r.class, rule.Name, result).Inc()
	if r.engine.opts.Verbose {
		log.Printf("[Rules] %s.%s on %s: %s", r.class, rule.Name, node.ID, result)
	}
	return nil
}

// connection returns the rule edge from the anchor to nodeID, or nil. It scans
// the node's incoming edges, which are far fewer than the anchor's outgoing ones.
func (r *Registry) connection(tx *storage.Transaction, anchorID storage.NodeID, rule string, nodeID storage.NodeID) (*storage.Edge, error) {
	incoming, err := tx.GetIncomingEdges(nodeID)
	if err != nil {
		return nil, &StoreOperationError{Op: "read incoming edges", Rule: rule, Node: string(nodeID), Err: err}
	}
	for _, edge := range incoming {
		if edge.Type == rule && edge.StartNode == anchorID {
			return edge, nil
		}
	}
	return nil, nil
}

func (r *Registry) runPredicate(tx *storage.Transaction, rule *Rule, node *storage.Node) (matched bool, err error) {
	defer func() {
		if v := recover(); v != nil {
			matched = false
			err = &PredicateError{Class: r.class, Rule: rule.Name, Node: string(node.ID), Err: recovered(v)}
		}
	}()

	matched, err = rule.Predicate(tx, node)
	if err != nil {
		return false, &PredicateError{Class: r.class, Rule: rule.Name, Node: string(node.ID), Err: err}
	}
	return matched, nil
}

func (r *Registry) runAggregations(tx *storage.Transaction, anchorID storage.NodeID, rule *Rule, change *Change, added bool) error {
	for _, agg := range rule.AggregationsFor(change.Key) {
		scope := &Scope{Tx: tx, Anchor: anchorID, Class: r.class, Rule: rule.Name, Key: change.Key}
		if err := r.runAggregation(agg, scope, change, added); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) runAggregation(agg Aggregation, scope *Scope, change *Change, added bool) (err error) {
	op := "remove"
	if added {
		op = "add"
	}
	defer func() {
		if v := recover(); v != nil {
			err = &AggregationError{Class: r.class, Rule: scope.Rule, Key: scope.Key, Op: op, Err: recovered(v)}
		}
	}()

	if added {
		err = agg.OnAdd(scope, change.Old, change.New)
	} else {
		err = agg.OnRemove(scope, change.Old)
	}
	if err != nil {
		return &AggregationError{Class: r.class, Rule: scope.Rule, Key: scope.Key, Op: op, Err: err}
	}
	return nil
}
