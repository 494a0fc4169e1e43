// Package storage provides the embedded property-graph store that rule
// materialization runs on.
//
// The storage layer keeps the labeled property graph model of Neo4j: nodes carry
// labels and properties, edges are typed and directed. Two engines implement the
// Engine interface:
//   - MemoryEngine: in-memory storage for tests and small graphs
//   - BadgerEngine: persistent storage backed by BadgerDB
//
// All writes that should be observed by rules go through a Transaction obtained
// from a TxManager. Transactions buffer their operations and, on commit, hand a
// TransactionData snapshot to every registered TransactionEventHandler before the
// operations are applied to the engine in one atomic batch. Handlers may keep
// writing to the same transaction from inside BeforeCommit; those writes commit
// or roll back together with the user's changes.
//
// Example Usage:
//
//	engine := storage.NewMemoryEngine()
//	manager := storage.NewTxManager(engine)
//	defer manager.Stop()
//
//	tx := manager.BeginTransaction()
//	tx.CreateNode(&storage.Node{
//		ID:         "alice",
//		Labels:     []string{"Person"},
//		Properties: map[string]any{"age": 30},
//	})
//	if err := tx.Commit(); err != nil {
//		log.Fatal(err)
//	}
package storage

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidData   = errors.New("invalid data")
	ErrInvalidEdge   = errors.New("invalid edge: start or end node not found")
	ErrStorageClosed = errors.New("storage closed")
)

// NodeID is a strongly-typed unique identifier for graph nodes.
type NodeID string

// EdgeID is a strongly-typed unique identifier for graph edges (relationships).
type EdgeID string

// RootNodeID is the well-known reference node. Per-class rule anchors hang off it.
const RootNodeID NodeID = "_root"

// RootLabel labels the reference node.
const RootLabel = "_Root"

// Node represents a graph node (vertex) in the labeled property graph.
//
// The first label is the node's class tag. Rule registries, event filters and
// anchors are all keyed by it:
//
//	node := &storage.Node{
//		ID:     "user-alice",
//		Labels: []string{"Person", "User"}, // class "Person"
//		Properties: map[string]any{
//			"name": "Alice",
//			"age":  30,
//		},
//	}
//
// Thread Safety:
//
//	Node structs are NOT thread-safe. Engines and transactions hand out copies.
type Node struct {
	ID         NodeID         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// Class returns the node's class tag (its first label), or "" for unlabeled nodes.
func (n *Node) Class() string {
	if n == nil || len(n.Labels) == 0 {
		return ""
	}
	return n.Labels[0]
}

// HasLabel reports whether the node carries label.
func (n *Node) HasLabel(label string) bool {
	return hasLabel(n.Labels, label)
}

// Edge represents a directed graph relationship between two nodes.
//
// Direction matters: an edge of type "friend" from Y to X is an outgoing edge of
// Y and an incoming edge of X. Rule cascades walk incoming edges of the changed
// node back to the nodes that point at it.
type Edge struct {
	ID         EdgeID         `json:"id"`
	StartNode  NodeID         `json:"startNode"`
	EndNode    NodeID         `json:"endNode"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`

	CreatedAt time.Time `json:"-"`
}

// Engine defines the storage engine interface for graph database operations.
//
// All Engine implementations MUST be:
//   - Thread-safe: Safe for concurrent access from multiple goroutines
//   - Atomic in Apply: a batch of operations is applied completely or not at all
//
// Direct CRUD methods bypass transactions and therefore bypass rule evaluation.
// They exist for bulk loading, maintenance and tests; application writes go
// through TxManager.BeginTransaction.
type Engine interface {
	// Node operations
	CreateNode(node *Node) error
	GetNode(id NodeID) (*Node, error)
	UpdateNode(node *Node) error
	DeleteNode(id NodeID) error

	// Edge operations
	CreateEdge(edge *Edge) error
	GetEdge(id EdgeID) (*Edge, error)
	DeleteEdge(id EdgeID) error

	// Query operations
	GetNodesByLabel(label string) ([]*Node, error)
	GetOutgoingEdges(nodeID NodeID) ([]*Edge, error)
	GetIncomingEdges(nodeID NodeID) ([]*Edge, error)
	AllNodes() ([]*Node, error)
	AllEdges() ([]*Edge, error)

	// Apply commits a transaction's buffered operations atomically.
	Apply(ops []Operation) error

	// Lifecycle
	Close() error

	// Stats
	NodeCount() (int64, error)
	EdgeCount() (int64, error)
}

// Neo4jExport represents the Neo4j JSON export format.
// This is compatible with `neo4j-admin database dump` JSON output.
type Neo4jExport struct {
	Nodes         []Neo4jNode         `json:"nodes"`
	Relationships []Neo4jRelationship `json:"relationships"`
}

// Neo4jNode is the Neo4j JSON export format for nodes.
type Neo4jNode struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

// Neo4jNodeRef is a reference to a node in Neo4j relationship format.
type Neo4jNodeRef struct {
	ID     string   `json:"id"`
	Labels []string `json:"labels,omitempty"`
}

// Neo4jRelationship is the Neo4j JSON export format for relationships.
// Supports both flat format (startNode/endNode strings) and APOC format (start/end objects).
type Neo4jRelationship struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`

	// Flat format (neo4j-admin dump)
	StartNode string `json:"startNode,omitempty"`
	EndNode   string `json:"endNode,omitempty"`

	// APOC format (apoc.export.json)
	Start Neo4jNodeRef `json:"start,omitempty"`
	End   Neo4jNodeRef `json:"end,omitempty"`
}

// GetStartID returns the start node ID supporting both Neo4j export formats.
func (r *Neo4jRelationship) GetStartID() string {
	if r.Start.ID != "" {
		return r.Start.ID
	}
	return r.StartNode
}

// GetEndID returns the end node ID regardless of format.
func (r *Neo4jRelationship) GetEndID() string {
	if r.End.ID != "" {
		return r.End.ID
	}
	return r.EndNode
}

// FromNeo4jExport converts Neo4j JSON export format to nodes and edges, ready to
// be created inside a transaction.
func FromNeo4jExport(export *Neo4jExport) ([]*Node, []*Edge) {
	nodes := make([]*Node, len(export.Nodes))
	edges := make([]*Edge, len(export.Relationships))

	for i, n := range export.Nodes {
		nodes[i] = &Node{
			ID:         NodeID(n.ID),
			Labels:     append([]string(nil), n.Labels...),
			Properties: copyProperties(n.Properties),
		}
	}

	for i, r := range export.Relationships {
		edges[i] = &Edge{
			ID:         EdgeID(r.ID),
			StartNode:  NodeID(r.GetStartID()),
			EndNode:    NodeID(r.GetEndID()),
			Type:       r.Type,
			Properties: copyProperties(r.Properties),
		}
	}

	return nodes, edges
}

// ToNeo4jExport converts nodes and edges to the Neo4j JSON export format.
func ToNeo4jExport(nodes []*Node, edges []*Edge) *Neo4jExport {
	export := &Neo4jExport{
		Nodes:         make([]Neo4jNode, len(nodes)),
		Relationships: make([]Neo4jRelationship, len(edges)),
	}
	for i, n := range nodes {
		export.Nodes[i] = Neo4jNode{
			ID:         string(n.ID),
			Labels:     n.Labels,
			Properties: copyProperties(n.Properties),
		}
	}
	for i, e := range edges {
		export.Relationships[i] = Neo4jRelationship{
			ID:         string(e.ID),
			StartNode:  string(e.StartNode),
			EndNode:    string(e.EndNode),
			Type:       e.Type,
			Properties: copyProperties(e.Properties),
		}
	}
	return export
}

// copyNode creates a deep copy of a node.
func copyNode(node *Node) *Node {
	if node == nil {
		return nil
	}
	return &Node{
		ID:         node.ID,
		Labels:     append(make([]string, 0, len(node.Labels)), node.Labels...),
		Properties: copyProperties(node.Properties),
		CreatedAt:  node.CreatedAt,
		UpdatedAt:  node.UpdatedAt,
	}
}

// copyEdge creates a deep copy of an edge.
func copyEdge(edge *Edge) *Edge {
	if edge == nil {
		return nil
	}
	return &Edge{
		ID:         edge.ID,
		StartNode:  edge.StartNode,
		EndNode:    edge.EndNode,
		Type:       edge.Type,
		Properties: copyProperties(edge.Properties),
		CreatedAt:  edge.CreatedAt,
	}
}

func copyProperties(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

func hasLabel(labels []string, target string) bool {
	for _, l := range labels {
		if l == target {
			return true
		}
	}
	return false
}
