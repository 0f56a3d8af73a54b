// ABOUTME: Secondary index + trash column maintenance over a table's tx-local mutation buffer
// ABOUTME: Grounded on the teacher's IndexManager/IndexedTx, trash keying per spec.md §4.8

package index

import (
	"encoding/binary"
	"fmt"

	"github.com/nainya/graphcore/pkg/gerrors"
	"github.com/nainya/graphcore/pkg/mvcc"
	"github.com/nainya/graphcore/pkg/storage"
)

// Def declares one secondary index over a table's columns, in order.
type Def struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

// Engine tracks the set of declared indices for a table, the way the
// teacher's IndexManager tracks one B+Tree per index name.
type Engine struct {
	defs map[string]Def
}

// NewEngine creates an empty index engine.
func NewEngine() *Engine {
	return &Engine{defs: make(map[string]Def)}
}

// AddIndex registers a new index definition.
func (e *Engine) AddIndex(def Def) error {
	if _, exists := e.defs[def.Name]; exists {
		return gerrors.New(gerrors.KindInvariant, "index.Engine.AddIndex", fmt.Errorf("index %s already exists", def.Name))
	}
	if len(def.Columns) == 0 {
		return gerrors.New(gerrors.KindInvariant, "index.Engine.AddIndex", fmt.Errorf("index %s has no columns", def.Name))
	}
	e.defs = cloneDefs(e.defs)
	e.defs[def.Name] = def
	return nil
}

func cloneDefs(in map[string]Def) map[string]Def {
	out := make(map[string]Def, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Lookup returns a registered index definition by name.
func (e *Engine) Lookup(name string) (Def, bool) {
	d, ok := e.defs[name]
	return d, ok
}

// Defs returns every registered index definition.
func (e *Engine) Defs() []Def {
	out := make([]Def, 0, len(e.defs))
	for _, d := range e.defs {
		out = append(out, d)
	}
	return out
}

// liveTable names the column family an index's live entries live in.
func liveTable(table, indexName string) string {
	return fmt.Sprintf("%s#idx:%s", table, indexName)
}

// trashTable names the column family an index's pending-vacuum entries live in.
func trashTable(table, indexName string) string {
	return fmt.Sprintf("%s#trash:%s", table, indexName)
}

// Key builds an index's live entry key: encoded column values followed by
// the data row's key, so distinct rows with identical indexed values still
// sort into distinct, uniquely ordered entries.
func Key(values []storage.Value, dataKey []byte) []byte {
	out := storage.EncodeValues(values)
	return append(out, dataKey...)
}

// DecodeKeyColumns decodes the leading len(def.Columns) values off a live
// index key, returning the trailing data-row key unconsumed — lets a local
// search (spec.md S6) read a row's indexed columns straight off the index
// key, without ever touching KEY_PREFIX_DATA.
func DecodeKeyColumns(def Def, key []byte) (values []storage.Value, dataKey []byte, err error) {
	return storage.DecodeValuesPrefix(key, len(def.Columns))
}

// TrashKey builds an index trash entry's key: deleteTxId || indexKey,
// per spec.md §4.8.
func TrashKey(deleteTxId uint64, indexKey []byte) []byte {
	out := make([]byte, 8+len(indexKey))
	binary.BigEndian.PutUint64(out[:8], deleteTxId)
	copy(out[8:], indexKey)
	return out
}

// SplitTrashKey reverses TrashKey.
func SplitTrashKey(key []byte) (deleteTxId uint64, indexKey []byte, ok bool) {
	if len(key) < 8 {
		return 0, nil, false
	}
	return binary.BigEndian.Uint64(key[:8]), key[8:], true
}

// StageInsert writes a row's indexed column values into def's live table.
func (e *Engine) StageInsert(tx *mvcc.Transaction, table string, def Def, values []storage.Value, dataKey []byte) error {
	return tx.PutRaw(liveTable(table, def.Name), Key(values, dataKey), []byte{}, false)
}

// StageDelete moves a row's indexed column values to def's trash table,
// keyed by the deleting tx's id, per spec.md §4.8 ("the live entry is
// removed on a later vacuum" — not here).
func (e *Engine) StageDelete(tx *mvcc.Transaction, table string, def Def, values []storage.Value, dataKey []byte, deleteTxId uint64) error {
	ik := Key(values, dataKey)
	return tx.PutRaw(trashTable(table, def.Name), TrashKey(deleteTxId, ik), []byte{}, false)
}

// LiveTableName exposes the live column-family name vacuum/planner need to
// open a cursor against.
func LiveTableName(table string, def Def) string { return liveTable(table, def.Name) }

// TrashTableName exposes the trash column-family name vacuum needs.
func TrashTableName(table string, def Def) string { return trashTable(table, def.Name) }
