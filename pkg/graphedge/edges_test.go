package graphedge

import (
	"testing"

	"github.com/nainya/graphcore/pkg/mvcc"
	"github.com/nainya/graphcore/pkg/storage"
)

func TestStageEdgeStagesXminAndXmaxRecords(t *testing.T) {
	tx := mvcc.New(5, true)
	if err := StageEdge(tx, "t", 1, Outbound, 9, 55); err != nil {
		t.Fatalf("stage edge: %v", err)
	}

	if _, ok := tx.Get("t", storage.PointerKey(1, Outbound, 9, 55, storage.MvccTagXmin, 5)); !ok {
		t.Fatal("expected xmin pointer record staged")
	}
	if _, ok := tx.Get("t", storage.PointerKey(1, Outbound, 9, 55, storage.MvccTagXmax, storage.TxIdInvalid)); !ok {
		t.Fatal("expected xmax-invalid pointer sentinel staged")
	}
}

type fakePointerReader struct {
	records []PointerRecord
}

func (r *fakePointerReader) XmaxPointerRecords(table string, rowId uint64, dir Direction) ([]PointerRecord, error) {
	return r.records, nil
}

func TestScanReachableExcludesRemovedEdges(t *testing.T) {
	reader := &fakePointerReader{records: []PointerRecord{
		{PeerTableId: 9, PeerDataKey: 55, TxId: storage.TxIdInvalid},
		{PeerTableId: 9, PeerDataKey: 77, TxId: 3}, // removed at tx 3
	}}

	peers, err := ScanReachable(10, "t", 1, Outbound, reader)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(peers) != 1 || peers[0].DataKey != 55 {
		t.Fatalf("expected only the never-removed peer, got %+v", peers)
	}
}

func TestScanReachableKeepsEdgeRemovedByFutureTx(t *testing.T) {
	reader := &fakePointerReader{records: []PointerRecord{
		{PeerTableId: 9, PeerDataKey: 55, TxId: storage.TxIdInvalid},
		{PeerTableId: 9, PeerDataKey: 55, TxId: 20}, // removed, but by a tx not yet visible
	}}

	peers, err := ScanReachable(10, "t", 1, Outbound, reader)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("expected edge to remain reachable until tx 20 is visible, got %+v", peers)
	}
}
