// Package storage - Neo4j JSON import/export.
//
// Supported Formats:
//   - Neo4j APOC JSON exports (a directory with nodes.json + relationships.json, one object per line)
//   - Combined export format (single JSON file with "nodes" and "relationships")
//
// Imports are written through a Transaction, so rules observe imported data
// exactly like any other write:
//
//	export, err := storage.ReadNeo4jExport("./neo4j-export/")
//	if err != nil {
//		log.Fatal(err)
//	}
//	tx := manager.BeginTransaction()
//	if err := storage.ImportNeo4jExport(tx, export); err != nil {
//		tx.Rollback()
//		log.Fatal(err)
//	}
//	err = tx.Commit() // rule edges for every imported node are materialized here
//
// Example nodes.json:
//
//	{"id":"0","labels":["Person"],"properties":{"name":"Alice","age":30}}
//	{"id":"1","labels":["Person"],"properties":{"name":"Bob","age":25}}
//
// Example relationships.json:
//
//	{"id":"0","type":"friend","startNode":"0","endNode":"1","properties":{"since":2020}}
//
// JSON numbers decode as float64; rule predicates compare numbers with
// convert.Compare, so 30 and 30.0 behave identically.
package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ReadNeo4jExport reads an export from path. A directory is read as an APOC
// export (nodes.json and relationships.json, both optional); a file is read
// as the combined format.
func ReadNeo4jExport(path string) (*Neo4jExport, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading export: %w", err)
	}

	if !info.IsDir() {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening file: %w", err)
		}
		defer file.Close()

		var export Neo4jExport
		if err := json.NewDecoder(file).Decode(&export); err != nil {
			return nil, fmt.Errorf("decoding JSON: %w", err)
		}
		return &export, nil
	}

	export := &Neo4jExport{}
	if err := readJSONLines(filepath.Join(path, "nodes.json"), func(line []byte) error {
		var n Neo4jNode
		if err := json.Unmarshal(line, &n); err != nil {
			return fmt.Errorf("parsing node JSON: %w", err)
		}
		export.Nodes = append(export.Nodes, n)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("loading nodes: %w", err)
	}
	if err := readJSONLines(filepath.Join(path, "relationships.json"), func(line []byte) error {
		var r Neo4jRelationship
		if err := json.Unmarshal(line, &r); err != nil {
			return fmt.Errorf("parsing relationship JSON: %w", err)
		}
		export.Relationships = append(export.Relationships, r)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("loading relationships: %w", err)
	}
	return export, nil
}

func readJSONLines(path string, fn func(line []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Optional file
		}
		return err
	}
	defer file.Close()

	return scanJSONLines(file, fn)
}

func scanJSONLines(r io.Reader, fn func(line []byte) error) error {
	scanner := bufio.NewScanner(r)
	// Increase buffer for large lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning file: %w", err)
	}
	return nil
}

// ImportNeo4jExport creates every node and then every relationship of export
// inside tx. Entries without an ID get a generated one.
func ImportNeo4jExport(tx *Transaction, export *Neo4jExport) error {
	nodes, edges := FromNeo4jExport(export)
	for _, node := range nodes {
		if err := tx.CreateNode(node); err != nil {
			return fmt.Errorf("creating node %s: %w", node.ID, err)
		}
	}
	for _, edge := range edges {
		if err := tx.CreateEdge(edge); err != nil {
			return fmt.Errorf("creating relationship %s (%s -> %s): %w", edge.ID, edge.StartNode, edge.EndNode, err)
		}
	}
	return nil
}

// SaveToNeo4jExport writes every node and edge of engine to path in the
// combined format. Rule anchors and materialized edges are included.
func SaveToNeo4jExport(engine Engine, path string) error {
	nodes, err := engine.AllNodes()
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}
	edges, err := engine.AllEdges()
	if err != nil {
		return fmt.Errorf("listing edges: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(ToNeo4jExport(nodes, edges)); err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	return nil
}
