package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadNeo4jExport_Directory(t *testing.T) {
	dir := t.TempDir()
	nodes := `{"id":"0","labels":["Person"],"properties":{"name":"Alice","age":30}}
{"id":"1","labels":["Person"],"properties":{"name":"Bob","age":17}}
`
	rels := `{"id":"r0","type":"friend","start":{"id":"1"},"end":{"id":"0"},"properties":{}}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nodes.json"), []byte(nodes), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relationships.json"), []byte(rels), 0o644))

	export, err := ReadNeo4jExport(dir)
	require.NoError(t, err)
	require.Len(t, export.Nodes, 2)
	require.Len(t, export.Relationships, 1)
	assert.Equal(t, "1", export.Relationships[0].GetStartID(), "APOC start/end objects are supported")
	assert.Equal(t, "0", export.Relationships[0].GetEndID())
}

func TestImportAndSaveRoundTrip(t *testing.T) {
	engine := NewMemoryEngine()
	defer engine.Close()

	export := &Neo4jExport{
		Nodes: []Neo4jNode{
			{ID: "a", Labels: []string{"Person"}, Properties: map[string]any{"age": 19.0}},
			{ID: "b", Labels: []string{"Person"}},
		},
		Relationships: []Neo4jRelationship{{ID: "ab", Type: "friend", StartNode: "a", EndNode: "b"}},
	}

	tx := NewTransaction(engine)
	require.NoError(t, ImportNeo4jExport(tx, export))
	require.NoError(t, tx.Commit())

	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, SaveToNeo4jExport(engine, path))

	back, err := ReadNeo4jExport(path)
	require.NoError(t, err)
	require.Len(t, back.Nodes, 2)
	require.Len(t, back.Relationships, 1)
	assert.Equal(t, "a", back.Relationships[0].GetStartID())
	assert.Equal(t, 19.0, back.Nodes[0].Properties["age"])
}

func TestImportNeo4jExport_DanglingRelationship(t *testing.T) {
	engine := NewMemoryEngine()
	defer engine.Close()

	tx := NewTransaction(engine)
	err := ImportNeo4jExport(tx, &Neo4jExport{
		Relationships: []Neo4jRelationship{{ID: "r", Type: "x", StartNode: "nope", EndNode: "nada"}},
	})
	assert.ErrorIs(t, err, ErrInvalidEdge)
}

func TestReadNeo4jExport_Missing(t *testing.T) {
	_, err := ReadNeo4jExport(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
