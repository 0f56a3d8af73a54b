package engine

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSchemaDecodesColumnsAndIndexes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.json")
	body := `{
		"nodes": {
			"columns": ["id", "label"],
			"indexes": [{"name": "idx_label", "columns": ["label"]}]
		}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing schema fixture: %v", err)
	}

	schemas, err := LoadSchema(path)
	if err != nil {
		t.Fatalf("LoadSchema: %v", err)
	}

	nodes, ok := schemas["nodes"]
	if !ok {
		t.Fatal("expected a nodes table in the decoded schema")
	}
	if len(nodes.Columns) != 2 || nodes.Columns[1] != "label" {
		t.Fatalf("expected columns [id label], got %v", nodes.Columns)
	}
	if len(nodes.Indexes) != 1 || nodes.Indexes[0].Name != "idx_label" || nodes.Indexes[0].Columns[0] != "label" {
		t.Fatalf("expected one idx_label(label) index, got %v", nodes.Indexes)
	}
}

func TestLoadSchemaRejectsTableWithNoColumns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.json")
	if err := os.WriteFile(path, []byte(`{"empty": {"columns": []}}`), 0o644); err != nil {
		t.Fatalf("writing schema fixture: %v", err)
	}

	if _, err := LoadSchema(path); err == nil {
		t.Fatal("expected LoadSchema to reject a table with no declared columns")
	}
}
