package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

const (
	existingDoc = `{"patientID":"P-1","guardianInformation":{"saved":[{"relationship_id":1,"name":"Jane"}]}}`
	incomingDoc = `{"patientID":"P-1","guardianInformation":{"saved":[{"relationship_id":1,"name":"Jane"},{"relationship_id":2,"name":"Tom"}]}}`
)

func TestDiffCommand(t *testing.T) {
	dir := t.TempDir()
	existing := writeFile(t, dir, "existing.json", existingDoc)
	incoming := writeFile(t, dir, "incoming.json", incomingDoc)

	out, err := run(t, "diff", existing, incoming)
	require.NoError(t, err)

	var result struct {
		HasChanges bool `json:"hasChanges"`
		Changes    []struct {
			Section string `json:"section"`
			Type    string `json:"type"`
		} `json:"changes"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.HasChanges)
	require.NotEmpty(t, result.Changes)
	assert.Equal(t, "new", result.Changes[0].Type)
}

func TestMergeCommand(t *testing.T) {
	dir := t.TempDir()
	existing := writeFile(t, dir, "existing.json", existingDoc)
	incoming := writeFile(t, dir, "incoming.json", incomingDoc)

	out, err := run(t, "merge", existing, incoming)
	require.NoError(t, err)
	assert.JSONEq(t, incomingDoc, out)

	target := filepath.Join(dir, "merged.json")
	_, err = run(t, "merge", "--changes", "-o", target, existing, incoming)
	require.NoError(t, err)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"mergedData"`)
}

func TestMergeCommand_IdentityMismatch(t *testing.T) {
	dir := t.TempDir()
	existing := writeFile(t, dir, "a.json", `{"patientID":"A"}`)
	incoming := writeFile(t, dir, "b.json", `{"patientID":"B"}`)

	_, err := run(t, "merge", existing, incoming)
	assert.Error(t, err)
}

func TestDiffCommand_BadInput(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.json", `[1]`)

	_, err := run(t, "diff", bad, bad)
	assert.Error(t, err)

	_, err = run(t, "diff", filepath.Join(dir, "missing.json"), bad)
	assert.Error(t, err)

	_, err = run(t, "diff", bad)
	assert.Error(t, err)
}

func TestSchemaPrint(t *testing.T) {
	out, err := run(t, "schema", "print")
	require.NoError(t, err)
	assert.Contains(t, out, "CREATE TABLE IF NOT EXISTS patients")
}

func TestRemoteDiffCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/patients/P-1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(incomingDoc))
	}))
	defer srv.Close()

	local := writeFile(t, t.TempDir(), "local.json", existingDoc)
	out, err := run(t, "remote-diff", "--url", srv.URL, local)
	require.NoError(t, err)
	assert.Contains(t, out, `"hasChanges": true`)
}
