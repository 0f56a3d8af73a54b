// ABOUTME: pkg/vacuum.RowScanner/RangeDeleter/TrashScanner backed by real column families
// ABOUTME: Ground truth: Seek's own deleteOldVersions/txIdThreshold pruning, not a separate compactor

package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/nainya/graphcore/pkg/gerrors"
	"github.com/nainya/graphcore/pkg/index"
	"github.com/nainya/graphcore/pkg/page"
	"github.com/nainya/graphcore/pkg/storage"
)

// VacuumAdapter scopes pkg/vacuum.Sweep to one table's column families: its
// own row namespace plus every index's live/trash tables.
type VacuumAdapter struct {
	engine *Engine
	table  string
}

// Vacuum returns a VacuumAdapter a pkg/vacuum.Sweep can run against table.
func (e *Engine) Vacuum(table string) *VacuumAdapter {
	return &VacuumAdapter{engine: e, table: table}
}

func (v *VacuumAdapter) defByName(indexName string) (index.Def, bool) {
	for _, d := range v.engine.schemas[v.table].Indexes {
		if d.Name == indexName {
			return d, true
		}
	}
	return index.Def{}, false
}

// rowNamespacePrefix builds the 9-byte prefix common to all four key
// namespaces' entries for rowId: DATA|rowId is this exactly, and
// MVCC/POINTER/ORIGIN keys all begin with the same prefix||rowId bytes.
func rowNamespacePrefix(prefix byte, rowId uint64) []byte {
	out := make([]byte, 9)
	out[0] = prefix
	binary.BigEndian.PutUint64(out[1:], rowId)
	return out
}

// ScanXmax enumerates every rowId in the table's own column family carrying
// at least one committed xmax marker, reporting the highest txId seen per
// row (every insert stages an xmax sentinel at TxIdInvalid, and a delete or
// update adds one at the deleting txId, so the max is the deleting tx when
// there is one).
func (v *VacuumAdapter) ScanXmax(visit func(rowId uint64, xmax uint64) bool) error {
	cf, err := v.engine.openFamily(v.table)
	if err != nil {
		return err
	}

	maxByRow := make(map[uint64]uint64)
	err = cf.forEachPhysical([]byte{storage.KeyPrefixMvcc}, func(physicalKey, _ []byte, tombstone bool) bool {
		if tombstone {
			return true
		}
		rowId, tag, txId, ok := storage.SplitMvccKey(page.LogicalKey(physicalKey))
		if !ok || tag != storage.MvccTagXmax {
			return true
		}
		if txId > maxByRow[rowId] {
			maxByRow[rowId] = txId
		}
		return true
	})
	if err != nil {
		return err
	}

	for rowId, xmax := range maxByRow {
		if !visit(rowId, xmax) {
			break
		}
	}
	return nil
}

// DeleteRange tombstones every physical entry under prefix|rowId in the
// table's own column family.
func (v *VacuumAdapter) DeleteRange(prefix byte, rowId uint64) error {
	cf, err := v.engine.openFamily(v.table)
	if err != nil {
		return err
	}
	return cf.tombstoneLogicalPrefix(rowNamespacePrefix(prefix, rowId))
}

// ScanTrash enumerates a named index's trash entries.
func (v *VacuumAdapter) ScanTrash(indexName string, visit func(deleteTxId uint64, indexKey []byte) bool) error {
	def, ok := v.defByName(indexName)
	if !ok {
		return gerrors.New(gerrors.KindInvariant, "engine.VacuumAdapter.ScanTrash", fmt.Errorf("table %s has no index %s", v.table, indexName))
	}
	cf, err := v.engine.openFamily(index.TrashTableName(v.table, def))
	if err != nil {
		return err
	}
	return cf.forEachPhysical(nil, func(physicalKey, _ []byte, tombstone bool) bool {
		if tombstone {
			return true
		}
		deleteTxId, indexKey, ok := index.SplitTrashKey(page.LogicalKey(physicalKey))
		if !ok {
			return true
		}
		return visit(deleteTxId, indexKey)
	})
}

// DeleteTrashEntry tombstones one index's trash entry.
func (v *VacuumAdapter) DeleteTrashEntry(indexName string, deleteTxId uint64, indexKey []byte) error {
	def, ok := v.defByName(indexName)
	if !ok {
		return gerrors.New(gerrors.KindInvariant, "engine.VacuumAdapter.DeleteTrashEntry", fmt.Errorf("table %s has no index %s", v.table, indexName))
	}
	cf, err := v.engine.openFamily(index.TrashTableName(v.table, def))
	if err != nil {
		return err
	}
	return cf.tombstoneLogicalPrefix(index.TrashKey(deleteTxId, indexKey))
}

// DeleteLiveEntry tombstones one index's live entry, the step that finally
// makes a deleted row invisible to ScanIndexLive (spec.md §4.8: the live
// entry survives until vacuum, not the delete itself, removes it).
func (v *VacuumAdapter) DeleteLiveEntry(indexName string, indexKey []byte) error {
	def, ok := v.defByName(indexName)
	if !ok {
		return gerrors.New(gerrors.KindInvariant, "engine.VacuumAdapter.DeleteLiveEntry", fmt.Errorf("table %s has no index %s", v.table, indexName))
	}
	cf, err := v.engine.openFamily(index.LiveTableName(v.table, def))
	if err != nil {
		return err
	}
	return cf.tombstoneLogicalPrefix(indexKey)
}

// tombstoneLogicalPrefix marks every physical entry whose logical key
// carries logicalPrefix as tombstoned, across both the active memtable (a
// plain in-place Actions overwrite) and the flushed B+Tree. Tree edits go
// through a fresh Cursor per key, writing the dirtied leaf back immediately:
// this sidesteps the flush pipeline's split/merge/relink policy entirely
// (a tombstone never grows a page), so there is no parent-relinking step to
// defer and nothing gained by batching Seeks onto one shared cursor.
func (cf *columnFamily) tombstoneLogicalPrefix(logicalPrefix []byte) error {
	for k, mut := range cf.mem.Actions {
		if mut.Tombstone {
			continue
		}
		key := []byte(k)
		logical, _, ok := page.SplitKeyTxId(key)
		if !ok || !bytes.HasPrefix(logical, logicalPrefix) {
			continue
		}
		if _, err := cf.mem.Put(key, nil, true); err != nil {
			return err
		}
	}

	var toTombstone [][]byte
	scanCur := page.NewCursor(cf.tree)
	err := scanCur.ScanForward(logicalPrefix, func(el page.Element) bool {
		key := el.KeyBytes()
		logical, _, ok := page.SplitKeyTxId(key)
		if !ok || !bytes.HasPrefix(logical, logicalPrefix) {
			return false
		}
		if le, ok := el.(*page.LeafElement); ok && le.Tombstone {
			return true
		}
		toTombstone = append(toTombstone, append([]byte(nil), key...))
		return true
	})
	if err != nil {
		return err
	}

	for _, key := range toTombstone {
		_, txId, ok := page.SplitKeyTxId(key)
		if !ok {
			continue
		}
		cur := page.NewCursor(cf.tree)
		leaf, err := cur.Seek(key, nil, true, true, txId)
		if err != nil {
			return err
		}
		data, err := leaf.Serialize()
		if err != nil {
			return err
		}
		if err := cf.store.WritePage(leaf.Header.Id, data); err != nil {
			return gerrors.New(gerrors.KindIoError, "engine.tombstoneLogicalPrefix", fmt.Errorf("writing page %d: %w", leaf.Header.Id, err))
		}
	}
	return nil
}
