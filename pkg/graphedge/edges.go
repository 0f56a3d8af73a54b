// ABOUTME: Graph edge endpoints as pointer-key MVCC records
// ABOUTME: Grounded on the teacher's PREFIX_CHILDREN parent/child idiom, adapted to §4.7's pointer-key scheme

package graphedge

import (
	"github.com/nainya/graphcore/pkg/mvcc"
	"github.com/nainya/graphcore/pkg/storage"
)

// Direction names the two pointer-key directions an edge is recorded under.
type Direction = byte

const (
	Outbound Direction = storage.DirTagOutbound
	Inbound  Direction = storage.DirTagInbound
)

// StageEdge stages the two pointer-key records an edge endpoint produces:
// an xmin-tagged variant (ordering marker, skipped during scans) and an
// xmax sentinel (TX_ID_INVALID, "not yet removed") that scans actually
// consult for reachability, per spec.md §4.7's "Pointer-key MVCC".
func StageEdge(tx *mvcc.Transaction, table string, rowId uint64, dir Direction, peerTableId uint64, peerDataKey uint64) error {
	xminKey := storage.PointerKey(rowId, dir, peerTableId, peerDataKey, storage.MvccTagXmin, tx.TxId)
	xmaxKey := storage.PointerKey(rowId, dir, peerTableId, peerDataKey, storage.MvccTagXmax, storage.TxIdInvalid)
	if err := tx.PutRaw(table, xminKey, []byte{}, false); err != nil {
		return err
	}
	return tx.PutRaw(table, xmaxKey, []byte{}, false)
}

// RemoveEdge stages an additional xmax record at the current tx id,
// superseding the existing xmax-invalid sentinel for reachability purposes
// (the max-txId rule in ScanReachable below mirrors row-level xmax).
func RemoveEdge(tx *mvcc.Transaction, table string, rowId uint64, dir Direction, peerTableId uint64, peerDataKey uint64) error {
	key := storage.PointerKey(rowId, dir, peerTableId, peerDataKey, storage.MvccTagXmax, tx.TxId)
	return tx.PutRaw(table, key, []byte{}, false)
}

// Peer is one resolved edge endpoint.
type Peer struct {
	TableId uint64
	DataKey uint64
}

// PointerReader resolves every xmax-tagged pointer record for (rowId, dir).
type PointerReader interface {
	XmaxPointerRecords(table string, rowId uint64, dir Direction) ([]PointerRecord, error)
}

// PointerRecord is one raw xmax-tagged pointer-key record as read from storage.
type PointerRecord struct {
	PeerTableId uint64
	PeerDataKey uint64
	TxId        uint64
}

// ScanReachable groups xmax-tagged records by peer and returns the peers
// whose max recorded txId is 0 (never removed) or greater than currentTxId
// (removed only by a tx not yet visible) — the pointer-key analogue of row
// xmax visibility.
func ScanReachable(currentTxId uint64, table string, rowId uint64, dir Direction, reader PointerReader) ([]Peer, error) {
	records, err := reader.XmaxPointerRecords(table, rowId, dir)
	if err != nil {
		return nil, err
	}

	type peerKey struct {
		tableId uint64
		dataKey uint64
	}
	maxTxId := make(map[peerKey]uint64)
	for _, r := range records {
		k := peerKey{r.PeerTableId, r.PeerDataKey}
		if cur, ok := maxTxId[k]; !ok || r.TxId > cur {
			maxTxId[k] = r.TxId
		}
	}

	var peers []Peer
	for k, txId := range maxTxId {
		if txId == storage.TxIdInvalid || txId > currentTxId {
			peers = append(peers, Peer{TableId: k.tableId, DataKey: k.dataKey})
		}
	}
	return peers, nil
}
