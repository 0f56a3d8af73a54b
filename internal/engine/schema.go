// ABOUTME: Static table/index catalog loaded once at open time from MetaDir
// ABOUTME: spec.md §1 scopes schema evolution to add/drop column metadata only — no ALTER here

package engine

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nainya/graphcore/pkg/index"
)

// Schema declares one table's columns, in row order, and the secondary
// indexes maintained over it. GraphCore has no catalog component in
// spec.md §3/§4 — tables are a session-level concept identified by name —
// so the schema a session needs is supplied once at bootstrap rather than
// mutated through a DDL surface.
type Schema struct {
	Columns []string    `json:"columns"`
	Indexes []index.Def `json:"indexes"`
}

// LoadSchema reads the table catalog from a JSON file: {"tableName":
// {"columns": [...], "indexes": [{"name": "...", "columns": [...]}]}}.
func LoadSchema(path string) (map[string]Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema %s: %w", path, err)
	}
	var schemas map[string]Schema
	if err := json.Unmarshal(data, &schemas); err != nil {
		return nil, fmt.Errorf("parsing schema %s: %w", path, err)
	}
	for table, s := range schemas {
		if len(s.Columns) == 0 {
			return nil, fmt.Errorf("table %s: schema must declare at least one column", table)
		}
	}
	return schemas, nil
}
