// ABOUTME: Transaction-local mutation buffer and the four-record MVCC write shape
// ABOUTME: Grounded on spec.md §3's Transaction type and §4.7's write protocol

package mvcc

import (
	"fmt"
	"sort"

	"github.com/nainya/graphcore/pkg/gerrors"
	"github.com/nainya/graphcore/pkg/storage"
)

// Transaction id sentinels, per spec.md §3.
const (
	TxIdInvalid = storage.TxIdInvalid
	TxIdFrozen  = storage.TxIdFrozen
	TxIdMin     = storage.TxIdMin
)

// Mutation is one buffered physical-key write: Val is nil and Tombstone
// true for a delete recorded in the tx-local buffer (spec.md §9, "deletes
// are modeled as an xmax record... not as physical removal").
type Mutation struct {
	Val       []byte
	Tombstone bool
}

// orderedMutations is an ordered map keyed by full physical key bytes, kept
// sorted so scans can merge it against a committed B+Tree iterator by key.
type orderedMutations struct {
	keys   [][]byte
	values map[string]Mutation
}

func newOrderedMutations() *orderedMutations {
	return &orderedMutations{values: make(map[string]Mutation)}
}

func (m *orderedMutations) put(key []byte, mut Mutation) bool {
	k := string(key)
	if _, exists := m.values[k]; exists {
		return false
	}
	m.values[k] = mut
	idx := sort.Search(len(m.keys), func(i int) bool { return string(m.keys[i]) >= k })
	m.keys = append(m.keys, nil)
	copy(m.keys[idx+1:], m.keys[idx:])
	m.keys[idx] = append([]byte(nil), key...)
	return true
}

func (m *orderedMutations) get(key []byte) (Mutation, bool) {
	v, ok := m.values[string(key)]
	return v, ok
}

// Transaction holds one tx's id, auto-commit flag, and its per-table
// mutation buffer, per spec.md §3.
type Transaction struct {
	TxId       uint64
	AutoCommit bool

	mutations map[string]*orderedMutations
	// deletedRows tracks rowIds this tx has already issued an XMAX for,
	// to detect update/delete-after-delete conflicts within the same tx.
	deletedRows map[string]map[uint64]bool
}

// New creates a transaction with the given id.
func New(txId uint64, autoCommit bool) *Transaction {
	return &Transaction{
		TxId:        txId,
		AutoCommit:  autoCommit,
		mutations:   make(map[string]*orderedMutations),
		deletedRows: make(map[string]map[uint64]bool),
	}
}

func (tx *Transaction) tableBuffer(table string) *orderedMutations {
	buf, ok := tx.mutations[table]
	if !ok {
		buf = newOrderedMutations()
		tx.mutations[table] = buf
	}
	return buf
}

// putOrConflict stages one physical-key write, returning a Conflict error if
// this key was already written in the same transaction.
func (tx *Transaction) putOrConflict(table string, key []byte, mut Mutation) error {
	if !tx.tableBuffer(table).put(key, mut) {
		return gerrors.New(gerrors.KindConflict, "mvcc.Transaction.put", fmt.Errorf("table %s: key already written by tx %d", table, tx.TxId))
	}
	return nil
}

// Insert stages the four records a new row produces: DATA, xmin marker,
// xmax-invalid sentinel, and an origin entry pointing to originRowId (or
// storage.DataKeyInvalid if this is a fresh row rather than an update head).
func (tx *Transaction) Insert(table string, rowId uint64, rowBytes []byte, originRowId uint64) error {
	if err := tx.putOrConflict(table, storage.DataKey(rowId), Mutation{Val: rowBytes}); err != nil {
		return err
	}
	if err := tx.putOrConflict(table, storage.MvccKey(rowId, storage.MvccTagXmin, tx.TxId), Mutation{Val: []byte{}}); err != nil {
		return err
	}
	if err := tx.putOrConflict(table, storage.MvccKey(rowId, storage.MvccTagXmax, storage.TxIdInvalid), Mutation{Val: []byte{}}); err != nil {
		return err
	}
	origin := storage.DataKeyInvalid
	if originRowId != 0 {
		origin = originRowId
	}
	originVal := storage.DataKey(origin)
	return tx.putOrConflict(table, storage.OriginKey(rowId), Mutation{Val: originVal})
}

// Delete stages an xmax record for rowId, marking it as deleted at this
// tx's id without touching DATA/MVCC-xmin/ORIGIN — old readers still see it.
func (tx *Transaction) Delete(table string, rowId uint64) error {
	if rows := tx.deletedRows[table]; rows != nil && rows[rowId] {
		return gerrors.New(gerrors.KindConflict, "mvcc.Transaction.Delete", fmt.Errorf("table %s row %d: delete-after-delete within tx %d", table, rowId, tx.TxId))
	}
	if err := tx.putOrConflict(table, storage.MvccKey(rowId, storage.MvccTagXmax, tx.TxId), Mutation{Val: []byte{}}); err != nil {
		return err
	}
	if tx.deletedRows[table] == nil {
		tx.deletedRows[table] = make(map[uint64]bool)
	}
	tx.deletedRows[table][rowId] = true
	return nil
}

// Update stages a new row version (via Insert, with origin = oldRowId) and
// an xmax record on the old row, chaining the update.
func (tx *Transaction) Update(table string, oldRowId uint64, newRowId uint64, rowBytes []byte) error {
	if err := tx.Insert(table, newRowId, rowBytes, oldRowId); err != nil {
		return err
	}
	return tx.Delete(table, oldRowId)
}

// PutRaw stages an arbitrary physical key/value write that isn't part of the
// row-centric Insert/Update/Delete bookkeeping — used by pkg/graphedge for
// pointer-key records and pkg/index for secondary-index/trash entries.
func (tx *Transaction) PutRaw(table string, key []byte, val []byte, tombstone bool) error {
	return tx.putOrConflict(table, key, Mutation{Val: val, Tombstone: tombstone})
}

// Get returns this tx's buffered mutation for an exact physical key, if any.
func (tx *Transaction) Get(table string, key []byte) (Mutation, bool) {
	buf, ok := tx.mutations[table]
	if !ok {
		return Mutation{}, false
	}
	return buf.get(key)
}

// HasDeleted reports whether this tx has already issued an XMAX for rowId.
func (tx *Transaction) HasDeleted(table string, rowId uint64) bool {
	rows, ok := tx.deletedRows[table]
	return ok && rows[rowId]
}

// Tables returns every table name this transaction has buffered a write
// for, so a commit knows which MemTables to fold into.
func (tx *Transaction) Tables() []string {
	out := make([]string, 0, len(tx.mutations))
	for table := range tx.mutations {
		out = append(out, table)
	}
	return out
}

// ForEach iterates the tx-local buffer for table in key order, for merging
// with a committed B+Tree scan.
func (tx *Transaction) ForEach(table string, visit func(key []byte, mut Mutation) bool) {
	buf, ok := tx.mutations[table]
	if !ok {
		return
	}
	for _, k := range buf.keys {
		if !visit(k, buf.values[string(k)]) {
			return
		}
	}
}

// Rollback discards this tx's mutation buffer without touching committed state.
func (tx *Transaction) Rollback() {
	tx.mutations = make(map[string]*orderedMutations)
	tx.deletedRows = make(map[string]map[uint64]bool)
}
