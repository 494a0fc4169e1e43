package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicrules/pkg/storage"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "nornicrules v"+version+" ("+commit+")\n", out)
}

func TestDescribe(t *testing.T) {
	out, err := run(t, "describe", "testdata/rules.yaml")
	require.NoError(t, err)
	golden(t).Assert(t, "describe", []byte(out))

	_, err = run(t, "describe", "testdata/missing.yaml")
	assert.Error(t, err)
}

func TestApply_InMemory(t *testing.T) {
	out, err := run(t, "apply",
		"--in-memory",
		"--rules", "testdata/rules.yaml",
		"--import", "testdata/people.json",
	)
	require.NoError(t, err)
	golden(t).Assert(t, "apply", []byte(out))
}

func TestApply_NoRules(t *testing.T) {
	_, err := run(t, "apply", "--in-memory")
	assert.ErrorContains(t, err, "no rule file")
}

func TestApply_ExportAndMembers(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	exportPath := filepath.Join(dir, "out.json")

	out, err := run(t, "apply",
		"--data-dir", dataDir,
		"--rules", "testdata/rules.yaml",
		"--import", "testdata/people.json",
		"--export", exportPath,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported graph to "+exportPath)
	assert.Contains(t, out, "Data directory: "+dataDir)

	// The export carries the root, the anchor and the rule edges.
	export, err := storage.ReadNeo4jExport(exportPath)
	require.NoError(t, err)
	assert.Len(t, export.Nodes, 6)
	assert.Len(t, export.Relationships, 6)

	// Memberships survive a reopen of the same data directory.
	out, err = run(t, "members", "Person", "hasAdultFriend",
		"--data-dir", dataDir,
		"--rules", "testdata/rules.yaml",
	)
	require.NoError(t, err)
	assert.Equal(t, "bob\tBob\n", out)

	_, err = run(t, "members", "Company", "big",
		"--data-dir", dataDir,
		"--rules", "testdata/rules.yaml",
	)
	assert.Error(t, err)
}

func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"serve", "--in-memory", "--rules", "testdata/rules.yaml", "--http-port", "0"})
	require.NoError(t, cmd.ExecuteContext(ctx))

	assert.Contains(t, out.String(), "Serving Config{Storage: memory")
	assert.Contains(t, out.String(), "Shutting down...")
}
