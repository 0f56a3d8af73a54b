package engine

import (
	"testing"

	"github.com/nainya/graphcore/pkg/index"
	"github.com/nainya/graphcore/pkg/page"
	"github.com/nainya/graphcore/pkg/storage"
	"github.com/nainya/graphcore/pkg/vacuum"
)

func TestScanXmaxReportsHighestXmaxPerRow(t *testing.T) {
	eng := testEngine(t, t.TempDir(), map[string]Schema{"t": {Columns: []string{"id"}}})
	sink, err := eng.TableSink("t")
	if err != nil {
		t.Fatalf("TableSink: %v", err)
	}

	first := eng.NextTxId()
	second := eng.NextTxId()
	for _, txId := range []uint64{first, second} {
		key := page.AppendTxId(storage.MvccKey(1, storage.MvccTagXmax, txId), txId)
		if _, err := sink.Put(key, nil, false); err != nil {
			t.Fatalf("Put xmax: %v", err)
		}
	}

	got := make(map[uint64]uint64)
	if err := eng.Vacuum("t").ScanXmax(func(rowId, xmax uint64) bool {
		got[rowId] = xmax
		return true
	}); err != nil {
		t.Fatalf("ScanXmax: %v", err)
	}
	if got[1] != second {
		t.Fatalf("expected rowId 1's xmax to be the highest txId %d, got %d", second, got[1])
	}
}

func TestDeleteRangeTombstonesMemtableAndFlushedEntries(t *testing.T) {
	eng := testEngine(t, t.TempDir(), map[string]Schema{"t": {Columns: []string{"id"}}})

	flushedTx := eng.NextTxId()
	putRow(t, eng, "t", 1, flushedTx, []storage.Value{storage.NewInt64Value(1)})
	if err := eng.HandleSealed("t"); err != nil {
		t.Fatalf("HandleSealed: %v", err)
	}

	memtableTx := eng.NextTxId()
	putRow(t, eng, "t", 2, memtableTx, []storage.Value{storage.NewInt64Value(2)})

	if err := eng.Vacuum("t").DeleteRange(storage.KeyPrefixData, 1); err != nil {
		t.Fatalf("DeleteRange (flushed): %v", err)
	}
	if err := eng.Vacuum("t").DeleteRange(storage.KeyPrefixData, 2); err != nil {
		t.Fatalf("DeleteRange (memtable): %v", err)
	}

	if _, ok, err := eng.FetchRow("t", 1); err != nil || ok {
		t.Fatalf("expected row 1 to be gone after vacuum, found=%v err=%v", ok, err)
	}
	if _, ok, err := eng.FetchRow("t", 2); err != nil || ok {
		t.Fatalf("expected row 2 to be gone after vacuum, found=%v err=%v", ok, err)
	}
}

func TestIndexTrashAndLiveEntriesRemovedByVacuumAdapter(t *testing.T) {
	def := index.Def{Name: "idx_a", Columns: []string{"a"}}
	eng := testEngine(t, t.TempDir(), map[string]Schema{"t": {Columns: []string{"id", "a"}, Indexes: []index.Def{def}}})

	dataKey := storage.DataKey(1)
	ik := index.Key([]storage.Value{storage.NewInt64Value(7)}, dataKey)

	liveSink, err := eng.TableSink(index.LiveTableName("t", def))
	if err != nil {
		t.Fatalf("TableSink live: %v", err)
	}
	liveTxId := eng.NextTxId()
	if _, err := liveSink.Put(page.AppendTxId(ik, liveTxId), nil, false); err != nil {
		t.Fatalf("Put live entry: %v", err)
	}

	deleteTxId := eng.NextTxId()
	trashKey := index.TrashKey(deleteTxId, ik)
	trashSink, err := eng.TableSink(index.TrashTableName("t", def))
	if err != nil {
		t.Fatalf("TableSink trash: %v", err)
	}
	if _, err := trashSink.Put(page.AppendTxId(trashKey, deleteTxId), nil, false); err != nil {
		t.Fatalf("Put trash entry: %v", err)
	}

	adapter := eng.Vacuum("t")
	var trashHits int
	if err := adapter.ScanTrash("idx_a", func(gotDeleteTxId uint64, gotIndexKey []byte) bool {
		trashHits++
		if gotDeleteTxId != deleteTxId {
			t.Fatalf("expected deleteTxId %d, got %d", deleteTxId, gotDeleteTxId)
		}
		return true
	}); err != nil {
		t.Fatalf("ScanTrash: %v", err)
	}
	if trashHits != 1 {
		t.Fatalf("expected 1 trash entry, got %d", trashHits)
	}

	if err := adapter.DeleteLiveEntry("idx_a", ik); err != nil {
		t.Fatalf("DeleteLiveEntry: %v", err)
	}
	if err := adapter.DeleteTrashEntry("idx_a", deleteTxId, ik); err != nil {
		t.Fatalf("DeleteTrashEntry: %v", err)
	}

	var liveAfter, trashAfter int
	if err := eng.ScanIndexLive("t", def, func([]byte) bool { liveAfter++; return true }); err != nil {
		t.Fatalf("ScanIndexLive: %v", err)
	}
	if err := adapter.ScanTrash("idx_a", func(uint64, []byte) bool { trashAfter++; return true }); err != nil {
		t.Fatalf("ScanTrash after delete: %v", err)
	}
	if liveAfter != 0 {
		t.Fatalf("expected no live index entries after DeleteLiveEntry, got %d", liveAfter)
	}
	if trashAfter != 0 {
		t.Fatalf("expected no trash entries after DeleteTrashEntry, got %d", trashAfter)
	}
}

func TestSweepRunEndToEndThroughVacuumAdapter(t *testing.T) {
	eng := testEngine(t, t.TempDir(), map[string]Schema{"t": {Columns: []string{"id"}}})

	insertTx := eng.NextTxId()
	putRow(t, eng, "t", 1, insertTx, []storage.Value{storage.NewInt64Value(1)})
	xmaxTx := eng.NextTxId()
	key := page.AppendTxId(storage.MvccKey(1, storage.MvccTagXmax, xmaxTx), xmaxTx)
	sink, err := eng.TableSink("t")
	if err != nil {
		t.Fatalf("TableSink: %v", err)
	}
	if _, err := sink.Put(key, nil, false); err != nil {
		t.Fatalf("Put xmax: %v", err)
	}

	sweep := &vacuum.Sweep{}
	adapter := eng.Vacuum("t")
	result, err := sweep.Run("t", xmaxTx, adapter, adapter, nil, adapter)
	if err != nil {
		t.Fatalf("Sweep.Run: %v", err)
	}
	if result.ReclaimedRows != 1 {
		t.Fatalf("expected 1 reclaimed row, got %d", result.ReclaimedRows)
	}
	if _, ok, err := eng.FetchRow("t", 1); err != nil || ok {
		t.Fatalf("expected row 1 reclaimed by the sweep, found=%v err=%v", ok, err)
	}
}
