// ABOUTME: Table-id registry and pkg/graphedge.PointerReader backing for graph edges
// ABOUTME: Ground truth: storage.PointerKey's peerTableId field, spec.md §3/§4.7

package engine

import (
	"fmt"
	"hash/fnv"

	"github.com/nainya/graphcore/pkg/gerrors"
	"github.com/nainya/graphcore/pkg/graphedge"
	"github.com/nainya/graphcore/pkg/page"
	"github.com/nainya/graphcore/pkg/storage"
)

// tableIdHash derives a stable uint64 identifier from a table name. Tables
// are declared once in the static schema catalog and never renamed at
// runtime, so a deterministic hash serves as the "table id" spec.md's
// peerTableId field needs without a separate persisted id-to-name mapping.
func tableIdHash(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}

// TableId resolves table to the identifier a LinkRequest stamps into a
// pointer-key record's peerTableId field.
func (e *Engine) TableId(table string) (uint64, error) {
	e.mu.Lock()
	_, ok := e.schemas[table]
	e.mu.Unlock()
	if !ok {
		return 0, gerrors.New(gerrors.KindInvariant, "engine.TableId", fmt.Errorf("unknown table %s", table))
	}
	return tableIdHash(table), nil
}

// TableName reverses TableId by scanning the (small, static) schema catalog.
func (e *Engine) TableName(id uint64) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name := range e.schemas {
		if tableIdHash(name) == id {
			return name, true
		}
	}
	return "", false
}

// XmaxPointerRecords satisfies pkg/graphedge.PointerReader: every
// xmax-tagged pointer-key record for (rowId, dir) in table's own column
// family, the edge-endpoint analogue of mvccMarkers.
func (e *Engine) XmaxPointerRecords(table string, rowId uint64, dir graphedge.Direction) ([]graphedge.PointerRecord, error) {
	cf, err := e.openFamily(table)
	if err != nil {
		return nil, err
	}
	var out []graphedge.PointerRecord
	err = cf.forEachPhysical(storage.PointerRowPrefix(rowId), func(physicalKey, _ []byte, tombstone bool) bool {
		if tombstone {
			return true
		}
		logical := page.LogicalKey(physicalKey)
		_, dirTag, peerTableId, peerDataKey, mvccTag, txId, ok := storage.SplitPointerKey(logical)
		if !ok || dirTag != dir || mvccTag != storage.MvccTagXmax {
			return true
		}
		out = append(out, graphedge.PointerRecord{PeerTableId: peerTableId, PeerDataKey: peerDataKey, TxId: txId})
		return true
	})
	return out, err
}
