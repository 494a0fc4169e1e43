// Package storage - Transaction support for atomic operations.
//
// This file implements transaction semantics for NornicRules storage
// operations, including the pre-commit hook that rule materialization runs in.
//
// # Transaction Semantics
//
// Transactions provide:
//   - Atomicity: All operations commit together or none do
//   - Isolation: Changes are invisible to other readers until commit
//   - Read-your-writes: The transaction sees its own uncommitted changes
//
// # Commit Sequence
//
//  1. BEGIN: TxManager.BeginTransaction creates the transaction
//  2. Operations: Buffer all writes, record the first-seen state of every entity
//  3. BEFORE COMMIT: Build a TransactionData snapshot and hand it to every
//     registered TransactionEventHandler. Handlers may keep writing to the
//     transaction. Any handler error rolls the whole transaction back.
//  4. APPLY: Engine.Apply writes every buffered operation in one atomic batch
//  5. AFTER COMMIT / AFTER ROLLBACK, then TX FINISHED
//
// # ELI12 (Explain Like I'm 12)
//
// Imagine you're moving furniture in your room:
//
//	BEGIN = "I'm going to rearrange my room"
//	OPERATIONS = Moving furniture around (but not committing yet)
//	BEFORE COMMIT = Your parent checks the room and adds the labels on the drawers
//	COMMIT = "Yes! I like this arrangement, keep it!"
//	ROLLBACK = "Nope, put everything back where it was"
package storage

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transaction errors
var (
	ErrTransactionClosed = errors.New("transaction already closed")
	ErrCommitInProgress  = errors.New("transaction commit in progress")
	ErrBeforeCommit      = errors.New("before-commit handler failed")
)

// TransactionStatus represents the current state of a transaction.
type TransactionStatus string

const (
	TxStatusActive     TransactionStatus = "active"
	TxStatusCommitted  TransactionStatus = "committed"
	TxStatusRolledBack TransactionStatus = "rolled_back"
)

// OperationType represents the type of operation in a transaction.
type OperationType string

const (
	OpCreateNode OperationType = "create_node"
	OpUpdateNode OperationType = "update_node"
	OpDeleteNode OperationType = "delete_node"
	OpCreateEdge OperationType = "create_edge"
	OpDeleteEdge OperationType = "delete_edge"
)

// Operation represents a single buffered write within a transaction.
type Operation struct {
	Type      OperationType
	Timestamp time.Time

	// For node operations
	NodeID NodeID
	Node   *Node // New state (for create/update) or nil

	// For edge operations
	EdgeID EdgeID
	Edge   *Edge // New state (for create) or nil
}

// validateOperations checks a batch against engine state as it would be after
// each preceding operation. hasNode and hasEdge report committed state.
func validateOperations(ops []Operation, hasNode func(NodeID) bool, hasEdge func(EdgeID) bool) error {
	nodes := make(map[NodeID]bool)
	edges := make(map[EdgeID]bool)

	nodeExists := func(id NodeID) bool {
		if v, ok := nodes[id]; ok {
			return v
		}
		return hasNode(id)
	}
	edgeExists := func(id EdgeID) bool {
		if v, ok := edges[id]; ok {
			return v
		}
		return hasEdge(id)
	}

	for i, op := range ops {
		switch op.Type {
		case OpCreateNode:
			if op.Node == nil {
				return fmt.Errorf("operation %d: %w", i, ErrInvalidData)
			}
			if nodeExists(op.NodeID) {
				return fmt.Errorf("operation %d: node %s: %w", i, op.NodeID, ErrAlreadyExists)
			}
			nodes[op.NodeID] = true
		case OpUpdateNode:
			if op.Node == nil {
				return fmt.Errorf("operation %d: %w", i, ErrInvalidData)
			}
			if !nodeExists(op.NodeID) {
				return fmt.Errorf("operation %d: node %s: %w", i, op.NodeID, ErrNotFound)
			}
		case OpDeleteNode:
			if !nodeExists(op.NodeID) {
				return fmt.Errorf("operation %d: node %s: %w", i, op.NodeID, ErrNotFound)
			}
			nodes[op.NodeID] = false
		case OpCreateEdge:
			if op.Edge == nil {
				return fmt.Errorf("operation %d: %w", i, ErrInvalidData)
			}
			if edgeExists(op.EdgeID) {
				return fmt.Errorf("operation %d: edge %s: %w", i, op.EdgeID, ErrAlreadyExists)
			}
			if !nodeExists(op.Edge.StartNode) || !nodeExists(op.Edge.EndNode) {
				return fmt.Errorf("operation %d: edge %s: %w", i, op.EdgeID, ErrInvalidEdge)
			}
			edges[op.EdgeID] = true
		case OpDeleteEdge:
			if !edgeExists(op.EdgeID) {
				return fmt.Errorf("operation %d: edge %s: %w", i, op.EdgeID, ErrNotFound)
			}
			edges[op.EdgeID] = false
		default:
			return fmt.Errorf("operation %d: unknown operation type %q", i, op.Type)
		}
	}
	return nil
}

// Transaction represents an atomic unit of work.
//
// All operations within a transaction are buffered and only applied to the
// underlying engine on commit. If rollback is called, all buffered operations
// are discarded.
//
// Reads (GetNode, GetOutgoingEdges, HasIncoming, ...) merge the committed
// engine state with the transaction's pending writes, so code running inside
// a BeforeCommit handler sees the transaction exactly as it will be committed.
//
// Thread Safety:
//
//	Methods are safe to call from multiple goroutines, but a transaction is
//	meant to be driven by one goroutine. Commit calls handlers without holding
//	the transaction lock so handlers can write to it.
type Transaction struct {
	mu sync.Mutex

	// Transaction identity
	ID        string
	StartTime time.Time
	Status    TransactionStatus

	committing bool

	// Buffered operations (applied on commit)
	operations []Operation

	engine  Engine
	manager *TxManager

	// Pending node/edge states for read-your-writes
	pendingNodes     map[NodeID]*Node
	pendingEdges     map[EdgeID]*Edge
	pendingEdgeOrder []EdgeID
	deletedNodes     map[NodeID]struct{}
	deletedEdges     map[EdgeID]struct{}

	// First-seen committed state of every touched entity (nil = did not exist),
	// in first-touch order. TransactionData is derived from these.
	initialNodes map[NodeID]*Node
	initialEdges map[EdgeID]*Edge
	nodeOrder    []NodeID
	edgeOrder    []EdgeID

	// Transaction metadata (for logging/debugging)
	Metadata map[string]any
}

// NewTransaction creates a transaction bound directly to an engine. It has no
// event handlers: committing it never runs rules. Use TxManager.BeginTransaction
// for writes that rules should observe.
//
// Example:
//
//	tx := storage.NewTransaction(engine)
//	tx.CreateNode(&storage.Node{ID: "n1", Labels: []string{"Test"}})
//	tx.CreateNode(&storage.Node{ID: "n2", Labels: []string{"Test"}})
//	if err := tx.Commit(); err != nil {
//		log.Fatal("Transaction failed:", err)
//	}
func NewTransaction(engine Engine) *Transaction {
	return newTransaction(engine, nil)
}

func newTransaction(engine Engine, manager *TxManager) *Transaction {
	return &Transaction{
		ID:           generateTxID(),
		StartTime:    time.Now(),
		Status:       TxStatusActive,
		engine:       engine,
		manager:      manager,
		operations:   make([]Operation, 0),
		pendingNodes: make(map[NodeID]*Node),
		pendingEdges: make(map[EdgeID]*Edge),
		deletedNodes: make(map[NodeID]struct{}),
		deletedEdges: make(map[EdgeID]struct{}),
		initialNodes: make(map[NodeID]*Node),
		initialEdges: make(map[EdgeID]*Edge),
		Metadata:     make(map[string]any),
	}
}

// generateTxID generates a unique transaction ID.
func generateTxID() string {
	return "tx-" + uuid.NewString()
}

// IsActive returns true if the transaction can still accept writes.
func (tx *Transaction) IsActive() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.Status == TxStatusActive
}

// Engine returns the engine the transaction commits to.
func (tx *Transaction) Engine() Engine {
	return tx.engine
}

// ============================================================================
// Writes
// ============================================================================

// CreateNode buffers a node creation. An empty ID is replaced with a UUID and
// written back to node.ID.
func (tx *Transaction) CreateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}
	if node.ID == "" {
		node.ID = NodeID(uuid.NewString())
	}

	exists, err := tx.nodeExistsUnlocked(node.ID)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyExists
	}

	if err := tx.touchNodeUnlocked(node.ID); err != nil {
		return err
	}
	stored := copyNode(node)
	tx.pendingNodes[node.ID] = stored
	delete(tx.deletedNodes, node.ID)
	tx.operations = append(tx.operations, Operation{
		Type:      OpCreateNode,
		Timestamp: time.Now(),
		NodeID:    node.ID,
		Node:      copyNode(stored),
	})
	return nil
}

// UpdateNode buffers a replacement of a node's labels and properties.
func (tx *Transaction) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}
	return tx.updateNodeUnlocked(node)
}

// SetProperty sets a single property on a node.
func (tx *Transaction) SetProperty(nodeID NodeID, key string, value any) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}
	node, err := tx.getNodeUnlocked(nodeID)
	if err != nil {
		return err
	}
	if node.Properties == nil {
		node.Properties = make(map[string]any)
	}
	node.Properties[key] = value
	return tx.updateNodeUnlocked(node)
}

// RemoveProperty removes a property from a node. Removing an absent key is a no-op.
func (tx *Transaction) RemoveProperty(nodeID NodeID, key string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}
	node, err := tx.getNodeUnlocked(nodeID)
	if err != nil {
		return err
	}
	if _, ok := node.Properties[key]; !ok {
		return nil
	}
	delete(node.Properties, key)
	return tx.updateNodeUnlocked(node)
}

// DeleteNode buffers the deletion of a node together with every edge attached
// to it. The detached edges are reported as deleted edges on commit.
func (tx *Transaction) DeleteNode(nodeID NodeID) error {
	if nodeID == "" {
		return ErrInvalidID
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}

	exists, err := tx.nodeExistsUnlocked(nodeID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}

	outgoing, err := tx.adjacentEdgesUnlocked(nodeID, true)
	if err != nil {
		return err
	}
	incoming, err := tx.adjacentEdgesUnlocked(nodeID, false)
	if err != nil {
		return err
	}
	for _, edge := range append(outgoing, incoming...) {
		if _, gone := tx.deletedEdges[edge.ID]; gone {
			continue // self-loop seen twice
		}
		if err := tx.deleteEdgeUnlocked(edge.ID); err != nil {
			return fmt.Errorf("detaching edge %s: %w", edge.ID, err)
		}
	}

	if err := tx.touchNodeUnlocked(nodeID); err != nil {
		return err
	}
	delete(tx.pendingNodes, nodeID)
	tx.deletedNodes[nodeID] = struct{}{}
	tx.operations = append(tx.operations, Operation{
		Type:      OpDeleteNode,
		Timestamp: time.Now(),
		NodeID:    nodeID,
	})
	return nil
}

// CreateEdge buffers an edge creation. Both endpoints must exist in the
// transaction's view. An empty ID is replaced with a UUID.
func (tx *Transaction) CreateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}
	if edge.ID == "" {
		edge.ID = EdgeID(uuid.NewString())
	}

	exists, err := tx.edgeExistsUnlocked(edge.ID)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyExists
	}
	for _, endpoint := range []NodeID{edge.StartNode, edge.EndNode} {
		ok, err := tx.nodeExistsUnlocked(endpoint)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidEdge
		}
	}

	if err := tx.touchEdgeUnlocked(edge.ID); err != nil {
		return err
	}
	stored := copyEdge(edge)
	tx.pendingEdges[edge.ID] = stored
	tx.pendingEdgeOrder = append(tx.pendingEdgeOrder, edge.ID)
	delete(tx.deletedEdges, edge.ID)
	tx.operations = append(tx.operations, Operation{
		Type:      OpCreateEdge,
		Timestamp: time.Now(),
		EdgeID:    edge.ID,
		Edge:      copyEdge(stored),
	})
	return nil
}

// DeleteEdge buffers an edge deletion.
func (tx *Transaction) DeleteEdge(edgeID EdgeID) error {
	if edgeID == "" {
		return ErrInvalidID
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}
	return tx.deleteEdgeUnlocked(edgeID)
}

// ============================================================================
// Reads
// ============================================================================

// GetNode returns a node as seen by the transaction.
func (tx *Transaction) GetNode(nodeID NodeID) (*Node, error) {
	if nodeID == "" {
		return nil, ErrInvalidID
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return nil, ErrTransactionClosed
	}
	return tx.getNodeUnlocked(nodeID)
}

// GetEdge returns an edge as seen by the transaction.
func (tx *Transaction) GetEdge(edgeID EdgeID) (*Edge, error) {
	if edgeID == "" {
		return nil, ErrInvalidID
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return nil, ErrTransactionClosed
	}
	if _, deleted := tx.deletedEdges[edgeID]; deleted {
		return nil, ErrNotFound
	}
	if edge, ok := tx.pendingEdges[edgeID]; ok {
		return copyEdge(edge), nil
	}
	return tx.engine.GetEdge(edgeID)
}

// GetNodesByLabel returns the nodes carrying label as seen by the transaction:
// committed nodes first (ordered by ID), then nodes created in the transaction.
func (tx *Transaction) GetNodesByLabel(label string) ([]*Node, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return nil, ErrTransactionClosed
	}

	committed, err := tx.engine.GetNodesByLabel(label)
	if err != nil {
		return nil, err
	}

	seen := make(map[NodeID]struct{}, len(committed))
	result := make([]*Node, 0, len(committed))
	for _, node := range committed {
		seen[node.ID] = struct{}{}
		if _, deleted := tx.deletedNodes[node.ID]; deleted {
			continue
		}
		if pending, ok := tx.pendingNodes[node.ID]; ok {
			if pending.HasLabel(label) {
				result = append(result, copyNode(pending))
			}
			continue
		}
		result = append(result, node)
	}
	for _, id := range tx.nodeOrder {
		if _, ok := seen[id]; ok {
			continue
		}
		if pending, ok := tx.pendingNodes[id]; ok && pending.HasLabel(label) {
			result = append(result, copyNode(pending))
		}
	}
	return result, nil
}

// GetOutgoingEdges returns all edges starting at nodeID as seen by the transaction.
func (tx *Transaction) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	if nodeID == "" {
		return nil, ErrInvalidID
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return nil, ErrTransactionClosed
	}
	return tx.adjacentEdgesUnlocked(nodeID, true)
}

// GetIncomingEdges returns all edges ending at nodeID as seen by the transaction.
func (tx *Transaction) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	if nodeID == "" {
		return nil, ErrInvalidID
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return nil, ErrTransactionClosed
	}
	return tx.adjacentEdgesUnlocked(nodeID, false)
}

// HasOutgoing reports whether nodeID has an outgoing edge of edgeType.
func (tx *Transaction) HasOutgoing(nodeID NodeID, edgeType string) (bool, error) {
	edges, err := tx.GetOutgoingEdges(nodeID)
	if err != nil {
		return false, err
	}
	return containsEdgeType(edges, edgeType), nil
}

// HasIncoming reports whether nodeID has an incoming edge of edgeType.
func (tx *Transaction) HasIncoming(nodeID NodeID, edgeType string) (bool, error) {
	edges, err := tx.GetIncomingEdges(nodeID)
	if err != nil {
		return false, err
	}
	return containsEdgeType(edges, edgeType), nil
}

func containsEdgeType(edges []*Edge, edgeType string) bool {
	for _, e := range edges {
		if e.Type == edgeType {
			return true
		}
	}
	return false
}

// ============================================================================
// Commit / Rollback
// ============================================================================

// Commit runs the before-commit handlers and applies all buffered operations
// to the engine atomically.
//
// Commits of transactions from the same TxManager are serialized: the next
// one starts its handlers only after the previous batch is applied. A
// BeforeCommit handler must therefore not commit another managed transaction.
//
// If a handler fails, the transaction is rolled back and the returned error
// wraps both ErrBeforeCommit and the handler's error. If the engine rejects
// the batch, the transaction is rolled back and the engine error is returned.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	if tx.Status != TxStatusActive {
		tx.mu.Unlock()
		return ErrTransactionClosed
	}
	if tx.committing {
		tx.mu.Unlock()
		return ErrCommitInProgress
	}
	tx.committing = true
	tx.mu.Unlock()

	// Managed commits run one at a time from BeforeCommit through Apply, so
	// handlers always evaluate against the state the batch is applied to.
	var handlers []TransactionEventHandler
	if tx.manager != nil {
		tx.manager.commitMu.Lock()
		handlers = tx.manager.transactionHandlers()
	}
	releaseCommit := func() {
		if tx.manager != nil {
			tx.manager.commitMu.Unlock()
		}
	}

	var data *TransactionData
	states := make([]any, len(handlers))
	if len(handlers) > 0 {
		tx.mu.Lock()
		data = tx.buildDataUnlocked()
		tx.mu.Unlock()

		for i, h := range handlers {
			state, err := h.BeforeCommit(data)
			if err != nil {
				releaseCommit()
				tx.abort(handlers, data, states)
				return fmt.Errorf("%w: %w", ErrBeforeCommit, err)
			}
			states[i] = state
		}
	}

	tx.mu.Lock()
	if len(tx.Metadata) > 0 {
		log.Printf("[Transaction %s] Committing with metadata: %v", tx.ID, tx.Metadata)
	}
	if err := tx.engine.Apply(tx.operations); err != nil {
		tx.mu.Unlock()
		releaseCommit()
		tx.abort(handlers, data, states)
		return fmt.Errorf("applying transaction %s: %w", tx.ID, err)
	}
	tx.Status = TxStatusCommitted
	tx.committing = false
	tx.mu.Unlock()
	releaseCommit()

	for i, h := range handlers {
		h.AfterCommit(data, states[i])
	}
	tx.finish(handlers)
	return nil
}

// Rollback discards all buffered operations and notifies handlers.
func (tx *Transaction) Rollback() error {
	tx.mu.Lock()
	if tx.Status != TxStatusActive {
		tx.mu.Unlock()
		return ErrTransactionClosed
	}
	if tx.committing {
		tx.mu.Unlock()
		return ErrCommitInProgress
	}
	tx.committing = true
	tx.mu.Unlock()

	var handlers []TransactionEventHandler
	if tx.manager != nil {
		handlers = tx.manager.transactionHandlers()
	}
	var data *TransactionData
	if len(handlers) > 0 {
		tx.mu.Lock()
		data = tx.buildDataUnlocked()
		tx.mu.Unlock()
	}
	tx.abort(handlers, data, make([]any, len(handlers)))
	return nil
}

// abort marks the transaction rolled back, discards its state and runs the
// after-rollback and finished notifications.
func (tx *Transaction) abort(handlers []TransactionEventHandler, data *TransactionData, states []any) {
	tx.mu.Lock()
	tx.Status = TxStatusRolledBack
	tx.committing = false
	tx.operations = nil
	tx.pendingNodes = nil
	tx.pendingEdges = nil
	tx.pendingEdgeOrder = nil
	tx.deletedNodes = nil
	tx.deletedEdges = nil
	tx.mu.Unlock()

	for i, h := range handlers {
		h.AfterRollback(data, states[i])
	}
	tx.finish(handlers)
}

func (tx *Transaction) finish(handlers []TransactionEventHandler) {
	for _, h := range handlers {
		if f, ok := h.(TxFinishedHandler); ok {
			f.TxFinished(tx)
		}
	}
}

// OperationCount returns the number of buffered operations.
func (tx *Transaction) OperationCount() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.operations)
}

// SetMetadata sets transaction metadata for logging and debugging.
// Metadata is logged on commit and can be used to track which application,
// user, or request performed the transaction.
//
// The metadata is merged with any existing metadata. The total character
// count is limited to 2048 characters.
func (tx *Transaction) SetMetadata(metadata map[string]any) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}

	totalSize := 0
	for k, v := range metadata {
		totalSize += len(k)
		if v != nil {
			totalSize += len(fmt.Sprint(v))
		}
	}
	if totalSize > 2048 {
		return fmt.Errorf("transaction metadata too large: %d chars (max 2048)", totalSize)
	}

	if tx.Metadata == nil {
		tx.Metadata = make(map[string]any)
	}
	for k, v := range metadata {
		tx.Metadata[k] = v
	}
	return nil
}

// GetMetadata returns a copy of the transaction metadata.
func (tx *Transaction) GetMetadata() map[string]any {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	result := make(map[string]any, len(tx.Metadata))
	for k, v := range tx.Metadata {
		result[k] = v
	}
	return result
}

// ============================================================================
// Unlocked helpers - caller must hold tx.mu
// ============================================================================

func (tx *Transaction) getNodeUnlocked(nodeID NodeID) (*Node, error) {
	if _, deleted := tx.deletedNodes[nodeID]; deleted {
		return nil, ErrNotFound
	}
	if node, ok := tx.pendingNodes[nodeID]; ok {
		return copyNode(node), nil
	}
	return tx.engine.GetNode(nodeID)
}

func (tx *Transaction) nodeExistsUnlocked(nodeID NodeID) (bool, error) {
	_, err := tx.getNodeUnlocked(nodeID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (tx *Transaction) edgeExistsUnlocked(edgeID EdgeID) (bool, error) {
	if _, deleted := tx.deletedEdges[edgeID]; deleted {
		return false, nil
	}
	if _, ok := tx.pendingEdges[edgeID]; ok {
		return true, nil
	}
	_, err := tx.engine.GetEdge(edgeID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// touchNodeUnlocked records the committed state of a node the first time the
// transaction writes to it.
func (tx *Transaction) touchNodeUnlocked(nodeID NodeID) error {
	if _, seen := tx.initialNodes[nodeID]; seen {
		return nil
	}
	node, err := tx.engine.GetNode(nodeID)
	if errors.Is(err, ErrNotFound) {
		node, err = nil, nil
	}
	if err != nil {
		return err
	}
	tx.initialNodes[nodeID] = node
	tx.nodeOrder = append(tx.nodeOrder, nodeID)
	return nil
}

func (tx *Transaction) touchEdgeUnlocked(edgeID EdgeID) error {
	if _, seen := tx.initialEdges[edgeID]; seen {
		return nil
	}
	edge, err := tx.engine.GetEdge(edgeID)
	if errors.Is(err, ErrNotFound) {
		edge, err = nil, nil
	}
	if err != nil {
		return err
	}
	tx.initialEdges[edgeID] = edge
	tx.edgeOrder = append(tx.edgeOrder, edgeID)
	return nil
}

func (tx *Transaction) updateNodeUnlocked(node *Node) error {
	exists, err := tx.nodeExistsUnlocked(node.ID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	if err := tx.touchNodeUnlocked(node.ID); err != nil {
		return err
	}

	stored := copyNode(node)
	tx.pendingNodes[node.ID] = stored
	tx.operations = append(tx.operations, Operation{
		Type:      OpUpdateNode,
		Timestamp: time.Now(),
		NodeID:    node.ID,
		Node:      copyNode(stored),
	})
	return nil
}

func (tx *Transaction) deleteEdgeUnlocked(edgeID EdgeID) error {
	exists, err := tx.edgeExistsUnlocked(edgeID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	if err := tx.touchEdgeUnlocked(edgeID); err != nil {
		return err
	}

	if _, ok := tx.pendingEdges[edgeID]; ok {
		delete(tx.pendingEdges, edgeID)
		for i, id := range tx.pendingEdgeOrder {
			if id == edgeID {
				tx.pendingEdgeOrder = append(tx.pendingEdgeOrder[:i], tx.pendingEdgeOrder[i+1:]...)
				break
			}
		}
	}
	tx.deletedEdges[edgeID] = struct{}{}
	tx.operations = append(tx.operations, Operation{
		Type:      OpDeleteEdge,
		Timestamp: time.Now(),
		EdgeID:    edgeID,
	})
	return nil
}

// adjacentEdgesUnlocked merges committed adjacency with pending edges:
// committed edges in engine order, then edges created by this transaction in
// creation order.
func (tx *Transaction) adjacentEdgesUnlocked(nodeID NodeID, outgoing bool) ([]*Edge, error) {
	var committed []*Edge
	var err error
	if outgoing {
		committed, err = tx.engine.GetOutgoingEdges(nodeID)
	} else {
		committed, err = tx.engine.GetIncomingEdges(nodeID)
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	result := make([]*Edge, 0, len(committed))
	for _, edge := range committed {
		if _, deleted := tx.deletedEdges[edge.ID]; deleted {
			continue
		}
		if _, pending := tx.pendingEdges[edge.ID]; pending {
			continue
		}
		result = append(result, edge)
	}
	for _, id := range tx.pendingEdgeOrder {
		edge := tx.pendingEdges[id]
		if (outgoing && edge.StartNode == nodeID) || (!outgoing && edge.EndNode == nodeID) {
			result = append(result, copyEdge(edge))
		}
	}
	return result, nil
}

// ============================================================================
// TxManager
// ============================================================================

// TxManager creates transactions over an engine and owns the handlers that
// observe them.
//
// Example:
//
//	manager := storage.NewTxManager(storage.NewMemoryEngine())
//	manager.RegisterTransactionEventHandler(dispatcher)
//	manager.RegisterKernelEventHandler(dispatcher)
//	if err := manager.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer manager.Stop()
type TxManager struct {
	engine Engine

	// commitMu serializes managed commits from BeforeCommit through Apply.
	commitMu sync.Mutex

	mu             sync.RWMutex
	txHandlers     []TransactionEventHandler
	kernelHandlers []KernelEventHandler
	started        bool
}

// NewTxManager creates a transaction manager for engine.
func NewTxManager(engine Engine) *TxManager {
	return &TxManager{engine: engine}
}

// Engine returns the underlying storage engine.
func (m *TxManager) Engine() Engine {
	return m.engine
}

// BeginTransaction starts a transaction whose commit runs the registered
// transaction event handlers.
func (m *TxManager) BeginTransaction() *Transaction {
	return newTransaction(m.engine, m)
}

// RegisterTransactionEventHandler adds h. Registering the same handler twice
// has no effect. Handlers must be comparable (typically pointers).
func (m *TxManager) RegisterTransactionEventHandler(h TransactionEventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.txHandlers {
		if existing == h {
			return
		}
	}
	m.txHandlers = append(m.txHandlers, h)
}

// UnregisterTransactionEventHandler removes h if present.
func (m *TxManager) UnregisterTransactionEventHandler(h TransactionEventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.txHandlers {
		if existing == h {
			m.txHandlers = append(m.txHandlers[:i:i], m.txHandlers[i+1:]...)
			return
		}
	}
}

// RegisterKernelEventHandler adds h. Registering the same handler twice has
// no effect. A handler registered after Start is not called retroactively.
func (m *TxManager) RegisterKernelEventHandler(h KernelEventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.kernelHandlers {
		if existing == h {
			return
		}
	}
	m.kernelHandlers = append(m.kernelHandlers, h)
}

// UnregisterKernelEventHandler removes h if present.
func (m *TxManager) UnregisterKernelEventHandler(h KernelEventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.kernelHandlers {
		if existing == h {
			m.kernelHandlers = append(m.kernelHandlers[:i:i], m.kernelHandlers[i+1:]...)
			return
		}
	}
}

// Start notifies kernel handlers that the store is ready. The first handler
// error aborts start-up and is returned. Calling Start twice is a no-op.
func (m *TxManager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	handlers := append([]KernelEventHandler(nil), m.kernelHandlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		if err := h.StoreStarted(m); err != nil {
			return fmt.Errorf("store started handler: %w", err)
		}
	}

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	log.Printf("[TxManager] Store started (%d kernel handlers)", len(handlers))
	return nil
}

// Stop notifies kernel handlers that the store is shutting down.
// It does not close the engine.
func (m *TxManager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	handlers := append([]KernelEventHandler(nil), m.kernelHandlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		h.StoreStopped(m)
	}
	log.Printf("[TxManager] Store stopped")
}

// IsStarted reports whether Start has completed.
func (m *TxManager) IsStarted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}

func (m *TxManager) transactionHandlers() []TransactionEventHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]TransactionEventHandler(nil), m.txHandlers...)
}
