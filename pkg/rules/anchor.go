package rules

import (
	"errors"
	"fmt"
	"log"

	"github.com/orneryd/nornicrules/pkg/storage"
)

// Anchor layout:
//
//	(root:_Root {id: "_root"}) -[:_RULES_Person]-> (anchor:_RuleAnchor {class: "Person"})
//	(anchor) -[:adult]-> (member:Person)
const (
	// AnchorLabel labels every class anchor. It is also the rule engine's
	// class tag, so anchor changes are never dispatched back to it.
	AnchorLabel = "_RuleAnchor"

	// AnchorClassProperty holds the class name on an anchor node.
	AnchorClassProperty = "class"

	relationPrefix = "_RULES_"
)

// RelationType returns the root-to-anchor edge type for class.
func RelationType(class string) string {
	return relationPrefix + class
}

// Anchor returns the class anchor, creating it inside tx if the store has
// none. The result is memoized; a memo that tx can no longer see (deleted,
// or created by a transaction that rolled back) is dropped and re-resolved.
//
// Managed commits are serialized by storage.TxManager, so a transaction that
// commits after another has created the anchor finds it in the store.
func (r *Registry) Anchor(tx *storage.Transaction) (*storage.Node, error) {
	anchor, err := r.lookupAnchor(tx)
	if err != nil {
		return nil, err
	}
	if anchor != nil {
		return anchor, nil
	}

	anchor, err = r.createAnchor(tx)
	if err != nil {
		return nil, fmt.Errorf("%w: creating anchor for %s: %w", ErrAnchorUnavailable, r.class, err)
	}

	r.mu.Lock()
	r.anchor = &anchorMemo{id: anchor.ID, createdBy: tx}
	r.mu.Unlock()

	log.Printf("[Rules] Created anchor %s for class %s", anchor.ID, r.class)
	return anchor, nil
}

// lookupAnchor returns the memoized or stored anchor without creating one.
// It returns (nil, nil) when the class has no anchor.
func (r *Registry) lookupAnchor(tx *storage.Transaction) (*storage.Node, error) {
	r.mu.RLock()
	memo := r.anchor
	r.mu.RUnlock()

	if memo != nil {
		node, err := tx.GetNode(memo.id)
		if err == nil {
			return node, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s: %w", ErrAnchorUnavailable, r.class, err)
		}
		r.dropMemo(memo)
	}

	anchors, err := r.findAnchors(tx)
	if err != nil {
		return nil, fmt.Errorf("%w: finding anchor for %s: %w", ErrAnchorUnavailable, r.class, err)
	}
	if len(anchors) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	if r.anchor == nil {
		r.anchor = &anchorMemo{id: anchors[0].ID}
	}
	r.mu.Unlock()
	return anchors[0], nil
}

// findAnchors follows the root's outgoing edges of this class's relation type.
func (r *Registry) findAnchors(tx *storage.Transaction) ([]*storage.Node, error) {
	if _, err := tx.GetNode(storage.RootNodeID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	edges, err := tx.GetOutgoingEdges(storage.RootNodeID)
	if err != nil {
		return nil, err
	}

	var anchors []*storage.Node
	for _, edge := range edges {
		if edge.Type != r.RelationType() {
			continue
		}
		node, err := tx.GetNode(edge.EndNode)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		anchors = append(anchors, node)
	}
	return anchors, nil
}

func (r *Registry) createAnchor(tx *storage.Transaction) (*storage.Node, error) {
	if _, err := tx.GetNode(storage.RootNodeID); errors.Is(err, storage.ErrNotFound) {
		root := &storage.Node{ID: storage.RootNodeID, Labels: []string{storage.RootLabel}}
		if err := tx.CreateNode(root); err != nil {
			return nil, fmt.Errorf("creating root node: %w", err)
		}
	} else if err != nil {
		return nil, err
	}

	anchor := &storage.Node{
		Labels:     []string{AnchorLabel},
		Properties: map[string]any{AnchorClassProperty: r.class},
	}
	if err := tx.CreateNode(anchor); err != nil {
		return nil, fmt.Errorf("creating anchor node: %w", err)
	}
	if err := tx.CreateEdge(&storage.Edge{
		StartNode: storage.RootNodeID,
		EndNode:   anchor.ID,
		Type:      r.RelationType(),
	}); err != nil {
		return nil, fmt.Errorf("linking anchor to root: %w", err)
	}
	return anchor, nil
}

// AnchorExists reports whether the store (as seen by tx) has an anchor for
// this class. It ignores the memo.
func (r *Registry) AnchorExists(tx *storage.Transaction) (bool, error) {
	if _, err := tx.GetNode(storage.RootNodeID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return tx.HasOutgoing(storage.RootNodeID, r.RelationType())
}

// DeleteAnchor deletes every anchor of this class together with all edges
// attached to it: the root edge and every materialized rule edge. Member
// nodes are not touched. The memo is cleared, so the next Anchor call
// re-creates the anchor.
func (r *Registry) DeleteAnchor(tx *storage.Transaction) error {
	anchors, err := r.findAnchors(tx)
	if err != nil {
		return fmt.Errorf("%w: finding anchor for %s: %w", ErrAnchorUnavailable, r.class, err)
	}
	for _, anchor := range anchors {
		if err := tx.DeleteNode(anchor.ID); err != nil {
			return &StoreOperationError{Op: "delete anchor", Node: string(anchor.ID), Err: err}
		}
		log.Printf("[Rules] Deleted anchor %s for class %s", anchor.ID, r.class)
	}
	r.ClearAnchor()
	return nil
}

// ClearAnchor forgets the memoized anchor without touching the store.
func (r *Registry) ClearAnchor() {
	r.mu.Lock()
	r.anchor = nil
	r.mu.Unlock()
}

// OnStoreStarted makes sure the anchor exists before any rule runs.
func (r *Registry) OnStoreStarted(tx *storage.Transaction) error {
	_, err := r.Anchor(tx)
	return err
}

func (r *Registry) dropMemo(memo *anchorMemo) {
	r.mu.Lock()
	if r.anchor == memo {
		r.anchor = nil
	}
	r.mu.Unlock()
}

// settleAnchor marks an anchor created by tx as committed.
func (r *Registry) settleAnchor(tx *storage.Transaction) {
	r.mu.Lock()
	if r.anchor != nil && r.anchor.createdBy == tx {
		r.anchor = &anchorMemo{id: r.anchor.id}
	}
	r.mu.Unlock()
}

// forgetAnchorFrom drops a memo pointing at an anchor created by tx, which
// rolled back.
func (r *Registry) forgetAnchorFrom(tx *storage.Transaction) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.anchor != nil && r.anchor.createdBy == tx {
		r.anchor = nil
		return true
	}
	return false
}
