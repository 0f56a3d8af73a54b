package vacuum

import (
	"testing"

	"github.com/nainya/graphcore/pkg/storage"
)

// fakeRows is a hand-rolled rowId -> xmax table, standing in for a committed
// MVCC key-space scan.
type fakeRows struct {
	xmax map[uint64]uint64
}

func (f *fakeRows) ScanXmax(visit func(rowId uint64, xmax uint64) bool) error {
	for rowId, xmax := range f.xmax {
		if !visit(rowId, xmax) {
			break
		}
	}
	return nil
}

// fakeRanges records every prefix/rowId range delete requested.
type fakeRanges struct {
	deleted map[byte]map[uint64]bool
}

func newFakeRanges() *fakeRanges {
	return &fakeRanges{deleted: make(map[byte]map[uint64]bool)}
}

func (f *fakeRanges) DeleteRange(prefix byte, rowId uint64) error {
	if f.deleted[prefix] == nil {
		f.deleted[prefix] = make(map[uint64]bool)
	}
	f.deleted[prefix][rowId] = true
	return nil
}

func (f *fakeRanges) wasDeleted(rowId uint64) bool {
	for _, prefix := range namespacePrefixes {
		if !f.deleted[prefix][rowId] {
			return false
		}
	}
	return true
}

// fakeTrash is a hand-rolled index trash/live table.
type fakeTrash struct {
	trash map[string]map[uint64][][]byte // index -> deleteTxId -> []indexKey
	live  map[string]map[string]bool     // index -> indexKey(string) -> present
}

func newFakeTrash() *fakeTrash {
	return &fakeTrash{
		trash: make(map[string]map[uint64][][]byte),
		live:  make(map[string]map[string]bool),
	}
}

func (f *fakeTrash) put(index string, deleteTxId uint64, indexKey []byte) {
	if f.trash[index] == nil {
		f.trash[index] = make(map[uint64][][]byte)
	}
	f.trash[index][deleteTxId] = append(f.trash[index][deleteTxId], indexKey)
	if f.live[index] == nil {
		f.live[index] = make(map[string]bool)
	}
	f.live[index][string(indexKey)] = true
}

func (f *fakeTrash) ScanTrash(indexName string, visit func(deleteTxId uint64, indexKey []byte) bool) error {
	for txId, keys := range f.trash[indexName] {
		for _, k := range keys {
			if !visit(txId, k) {
				return nil
			}
		}
	}
	return nil
}

func (f *fakeTrash) DeleteTrashEntry(indexName string, deleteTxId uint64, indexKey []byte) error {
	keys := f.trash[indexName][deleteTxId]
	for i, k := range keys {
		if string(k) == string(indexKey) {
			f.trash[indexName][deleteTxId] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeTrash) DeleteLiveEntry(indexName string, indexKey []byte) error {
	delete(f.live[indexName], string(indexKey))
	return nil
}

// TestRunReclaimsRowsAtOrBelowHorizon mirrors spec.md's S7 scenario: with
// live txs {12}, horizon H=11, a rowId with xmax=9 is fully removed across
// all four namespace prefixes, while a rowId with xmax=15 is untouched.
func TestRunReclaimsRowsAtOrBelowHorizon(t *testing.T) {
	rows := &fakeRows{xmax: map[uint64]uint64{
		7: 9,  // <= horizon, reclaim
		8: 15, // > horizon, keep
		9: storage.TxIdInvalid, // never deleted, keep
	}}
	ranges := newFakeRanges()

	sweep := &Sweep{}
	result, err := sweep.Run("nodes", 11, rows, ranges, nil, newFakeTrash())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ReclaimedRows != 1 {
		t.Fatalf("expected 1 reclaimed row, got %d", result.ReclaimedRows)
	}
	if !ranges.wasDeleted(7) {
		t.Fatal("expected rowId 7's DATA/MVCC/POINTER/ORIGIN ranges all deleted")
	}
	if ranges.wasDeleted(8) {
		t.Fatal("expected rowId 8 (xmax above horizon) untouched")
	}
	if ranges.wasDeleted(9) {
		t.Fatal("expected rowId 9 (never deleted) untouched")
	}
}

func TestRunSweepsIndexTrashAtOrBelowHorizon(t *testing.T) {
	trash := newFakeTrash()
	trash.put("idx_a", 9, []byte("key-old"))
	trash.put("idx_a", 15, []byte("key-new"))

	sweep := &Sweep{}
	result, err := sweep.Run("nodes", 11, &fakeRows{xmax: map[uint64]uint64{}}, newFakeRanges(), []string{"idx_a"}, trash)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.TrashEntriesHit["idx_a"] != 1 {
		t.Fatalf("expected 1 trash entry hit, got %d", result.TrashEntriesHit["idx_a"])
	}
	if trash.live["idx_a"]["key-old"] {
		t.Fatal("expected live entry for key-old to be removed")
	}
	if !trash.live["idx_a"]["key-new"] {
		t.Fatal("expected live entry for key-new (above horizon) to survive")
	}
	if len(trash.trash["idx_a"][9]) != 0 {
		t.Fatal("expected trash entry for deleteTxId 9 to be removed")
	}
	if len(trash.trash["idx_a"][15]) != 1 {
		t.Fatal("expected trash entry for deleteTxId 15 (above horizon) to survive")
	}
}

func TestRunIsIdempotentOnEmptyInput(t *testing.T) {
	sweep := &Sweep{}
	result, err := sweep.Run("nodes", 11, &fakeRows{xmax: map[uint64]uint64{}}, newFakeRanges(), nil, newFakeTrash())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ReclaimedRows != 0 {
		t.Fatalf("expected no rows reclaimed, got %d", result.ReclaimedRows)
	}
}
