package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryEngine is a thread-safe in-memory graph storage implementation.
//
// Use Cases:
//   - Unit testing (no disk I/O, fast cleanup)
//   - Evaluating rule files against a graph export without touching disk
//
// Features:
//   - Thread-safe: All operations use RWMutex for concurrent access
//   - Indexed: label, outgoing and incoming indexes
//   - Deep copies: Returns copies to prevent external mutation
//   - Deterministic: query results are ordered by ID
//
// Performance Characteristics:
//   - Node lookup by ID: O(1)
//   - Node lookup by label: O(k log k) where k = nodes with that label
//   - Outgoing/incoming edges: O(degree log degree)
type MemoryEngine struct {
	mu    sync.RWMutex
	nodes map[NodeID]*Node
	edges map[EdgeID]*Edge

	// Indexes for efficient lookups
	nodesByLabel  map[string]map[NodeID]struct{}
	outgoingEdges map[NodeID]map[EdgeID]struct{}
	incomingEdges map[NodeID]map[EdgeID]struct{}

	closed bool
}

// NewMemoryEngine creates a new in-memory storage engine with empty indexes.
//
// All data is stored in RAM and lost when the process exits.
//
// Example:
//
//	func TestMyGraph(t *testing.T) {
//		engine := storage.NewMemoryEngine()
//		defer engine.Close()
//
//		engine.CreateNode(&storage.Node{ID: "n1", Labels: []string{"Person"}})
//		node, _ := engine.GetNode("n1")
//		assert.Equal(t, "Person", node.Class())
//	}
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		nodes:         make(map[NodeID]*Node),
		edges:         make(map[EdgeID]*Edge),
		nodesByLabel:  make(map[string]map[NodeID]struct{}),
		outgoingEdges: make(map[NodeID]map[EdgeID]struct{}),
		incomingEdges: make(map[NodeID]map[EdgeID]struct{}),
	}
}

// CreateNode creates a new node in the storage.
//
// Returns:
//   - ErrInvalidData if node is nil
//   - ErrInvalidID if ID is empty
//   - ErrAlreadyExists if node with this ID exists
//   - ErrStorageClosed if engine is closed
func (m *MemoryEngine) CreateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.nodes[node.ID]; exists {
		return ErrAlreadyExists
	}

	m.createNodeUnlocked(node)
	return nil
}

// GetNode retrieves a node by its unique ID.
func (m *MemoryEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	node, exists := m.nodes[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyNode(node), nil
}

// UpdateNode replaces an existing node's labels and properties.
func (m *MemoryEngine) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.nodes[node.ID]; !exists {
		return ErrNotFound
	}

	m.updateNodeUnlocked(node)
	return nil
}

// DeleteNode deletes a node and every edge attached to it.
func (m *MemoryEngine) DeleteNode(id NodeID) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.nodes[id]; !exists {
		return ErrNotFound
	}

	m.deleteNodeUnlocked(id)
	return nil
}

// CreateEdge creates a new edge. Both endpoints must exist.
func (m *MemoryEngine) CreateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.edges[edge.ID]; exists {
		return ErrAlreadyExists
	}
	if _, exists := m.nodes[edge.StartNode]; !exists {
		return ErrInvalidEdge
	}
	if _, exists := m.nodes[edge.EndNode]; !exists {
		return ErrInvalidEdge
	}

	m.createEdgeUnlocked(edge)
	return nil
}

// GetEdge retrieves an edge by ID.
func (m *MemoryEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	edge, exists := m.edges[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyEdge(edge), nil
}

// DeleteEdge deletes an edge by ID.
func (m *MemoryEngine) DeleteEdge(id EdgeID) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.edges[id]; !exists {
		return ErrNotFound
	}

	m.deleteEdgeUnlocked(id)
	return nil
}

// GetNodesByLabel returns all nodes that carry the label, ordered by ID.
// Labels are class tags and match case-sensitively.
func (m *MemoryEngine) GetNodesByLabel(label string) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	ids := m.nodesByLabel[label]
	nodes := make([]*Node, 0, len(ids))
	for id := range ids {
		if node := m.nodes[id]; node != nil {
			nodes = append(nodes, copyNode(node))
		}
	}
	sortNodes(nodes)
	return nodes, nil
}

// GetOutgoingEdges returns all edges where the given node is the source.
func (m *MemoryEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	if nodeID == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	return m.collectEdges(m.outgoingEdges[nodeID]), nil
}

// GetIncomingEdges returns all edges where the given node is the target.
func (m *MemoryEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	if nodeID == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	return m.collectEdges(m.incomingEdges[nodeID]), nil
}

// AllNodes returns every node ordered by ID.
func (m *MemoryEngine) AllNodes() ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	nodes := make([]*Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		nodes = append(nodes, copyNode(node))
	}
	sortNodes(nodes)
	return nodes, nil
}

// AllEdges returns every edge ordered by ID.
func (m *MemoryEngine) AllEdges() ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	edges := make([]*Edge, 0, len(m.edges))
	for _, edge := range m.edges {
		edges = append(edges, copyEdge(edge))
	}
	sortEdges(edges)
	return edges, nil
}

// Apply commits a transaction's operations under a single write lock.
//
// Every operation is validated against the engine state as it would be after
// the preceding operations of the batch. Nothing is applied if any of them fail.
func (m *MemoryEngine) Apply(ops []Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if err := validateOperations(ops, m.hasNodeUnlocked, m.hasEdgeUnlocked); err != nil {
		return err
	}

	for _, op := range ops {
		switch op.Type {
		case OpCreateNode:
			m.createNodeUnlocked(op.Node)
		case OpUpdateNode:
			m.updateNodeUnlocked(op.Node)
		case OpDeleteNode:
			m.deleteNodeUnlocked(op.NodeID)
		case OpCreateEdge:
			m.createEdgeUnlocked(op.Edge)
		case OpDeleteEdge:
			m.deleteEdgeUnlocked(op.EdgeID)
		default:
			return fmt.Errorf("unknown operation type %q", op.Type)
		}
	}
	return nil
}

// Close releases all data. Subsequent calls return ErrStorageClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.nodes = nil
	m.edges = nil
	m.nodesByLabel = nil
	m.outgoingEdges = nil
	m.incomingEdges = nil

	return nil
}

// NodeCount returns the number of nodes.
func (m *MemoryEngine) NodeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.nodes)), nil
}

// EdgeCount returns the number of edges.
func (m *MemoryEngine) EdgeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.edges)), nil
}

// ============================================================================
// Unlocked helpers - caller must hold m.mu
// ============================================================================

func (m *MemoryEngine) hasNodeUnlocked(id NodeID) bool {
	_, ok := m.nodes[id]
	return ok
}

func (m *MemoryEngine) hasEdgeUnlocked(id EdgeID) bool {
	_, ok := m.edges[id]
	return ok
}

func (m *MemoryEngine) collectEdges(ids map[EdgeID]struct{}) []*Edge {
	edges := make([]*Edge, 0, len(ids))
	for id := range ids {
		if edge := m.edges[id]; edge != nil {
			edges = append(edges, copyEdge(edge))
		}
	}
	sortEdges(edges)
	return edges
}

func (m *MemoryEngine) createNodeUnlocked(node *Node) {
	stored := copyNode(node)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	m.nodes[node.ID] = stored
	m.indexLabelsUnlocked(stored)
}

func (m *MemoryEngine) updateNodeUnlocked(node *Node) {
	existing, exists := m.nodes[node.ID]
	if !exists {
		return
	}
	m.unindexLabelsUnlocked(existing)

	stored := copyNode(node)
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now()
	m.nodes[node.ID] = stored
	m.indexLabelsUnlocked(stored)
}

func (m *MemoryEngine) deleteNodeUnlocked(id NodeID) {
	node, exists := m.nodes[id]
	if !exists {
		return
	}
	m.unindexLabelsUnlocked(node)

	for edgeID := range m.outgoingEdges[id] {
		m.deleteEdgeUnlocked(edgeID)
	}
	for edgeID := range m.incomingEdges[id] {
		m.deleteEdgeUnlocked(edgeID)
	}
	delete(m.outgoingEdges, id)
	delete(m.incomingEdges, id)
	delete(m.nodes, id)
}

func (m *MemoryEngine) createEdgeUnlocked(edge *Edge) {
	stored := copyEdge(edge)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	m.edges[edge.ID] = stored

	if m.outgoingEdges[edge.StartNode] == nil {
		m.outgoingEdges[edge.StartNode] = make(map[EdgeID]struct{})
	}
	m.outgoingEdges[edge.StartNode][edge.ID] = struct{}{}

	if m.incomingEdges[edge.EndNode] == nil {
		m.incomingEdges[edge.EndNode] = make(map[EdgeID]struct{})
	}
	m.incomingEdges[edge.EndNode][edge.ID] = struct{}{}
}

func (m *MemoryEngine) deleteEdgeUnlocked(id EdgeID) {
	edge, exists := m.edges[id]
	if !exists {
		return
	}
	if outgoing := m.outgoingEdges[edge.StartNode]; outgoing != nil {
		delete(outgoing, id)
	}
	if incoming := m.incomingEdges[edge.EndNode]; incoming != nil {
		delete(incoming, id)
	}
	delete(m.edges, id)
}

func (m *MemoryEngine) indexLabelsUnlocked(node *Node) {
	for _, label := range node.Labels {
		if m.nodesByLabel[label] == nil {
			m.nodesByLabel[label] = make(map[NodeID]struct{})
		}
		m.nodesByLabel[label][node.ID] = struct{}{}
	}
}

func (m *MemoryEngine) unindexLabelsUnlocked(node *Node) {
	for _, label := range node.Labels {
		if ids := m.nodesByLabel[label]; ids != nil {
			delete(ids, node.ID)
		}
	}
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

func sortEdges(edges []*Edge) {
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
}

// Verify MemoryEngine implements Engine interface
var _ Engine = (*MemoryEngine)(nil)
