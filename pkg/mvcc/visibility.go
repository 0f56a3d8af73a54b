// ABOUTME: MVCC visibility predicate over xmin/xmax/origin records
// ABOUTME: A pure function of currentTxId and point-lookup results, per spec.md §9

package mvcc

import "github.com/nainya/graphcore/pkg/storage"

// Reader resolves the committed xmin/xmax/origin records for one row. A
// single rowId may have several XMIN or XMAX records (one per writing tx);
// visibility takes the min of XMIN and the max of XMAX, per spec.md §4.7.
type Reader interface {
	XminTxIds(table string, rowId uint64) ([]uint64, error)
	XmaxTxIds(table string, rowId uint64) ([]uint64, error)
	Origin(table string, rowId uint64) (originRowId uint64, hasOrigin bool, err error)
}

// CommittedSet reports whether a given tx id has committed (as opposed to
// still in flight or rolled back).
type CommittedSet interface {
	IsCommitted(txId uint64) bool
}

func minTxId(ids []uint64) (uint64, bool) {
	if len(ids) == 0 {
		return 0, false
	}
	m := ids[0]
	for _, id := range ids[1:] {
		if id < m {
			m = id
		}
	}
	return m, true
}

func maxTxId(ids []uint64) uint64 {
	m := TxIdInvalid
	for _, id := range ids {
		if id > m {
			m = id
		}
	}
	return m
}

// IsVisibleCommitted evaluates the committed-row visibility predicate from
// spec.md §4.7 for (table, rowId) against currentTxId.
func IsVisibleCommitted(currentTxId uint64, table string, rowId uint64, reader Reader, committed CommittedSet) (bool, error) {
	xminIds, err := reader.XminTxIds(table, rowId)
	if err != nil {
		return false, err
	}
	xmin, ok := minTxId(xminIds)
	if !ok || !committed.IsCommitted(xmin) || xmin > currentTxId {
		return false, nil
	}

	xmaxIds, err := reader.XmaxTxIds(table, rowId)
	if err != nil {
		return false, err
	}
	xmax := maxTxId(xmaxIds)
	if xmax != TxIdInvalid && xmax <= currentTxId {
		return false, nil
	}

	originRowId, hasOrigin, err := reader.Origin(table, rowId)
	if err != nil {
		return false, err
	}
	if hasOrigin && originRowId != 0 {
		originXmaxIds, err := reader.XmaxTxIds(table, originRowId)
		if err != nil {
			return false, err
		}
		originXmax := maxTxId(originXmaxIds)
		if originXmax != xmin {
			return false, nil // discontinuous chain: a concurrent update produced a different head
		}
	}

	return true, nil
}

// IsVisibleTxLocal evaluates visibility for a row written by the current
// transaction itself: visible unless the tx-local buffer subsequently
// recorded an XMAX(rowId, currentTxId) delete for it.
func IsVisibleTxLocal(tx *Transaction, table string, rowId uint64) bool {
	return !tx.HasDeleted(table, rowId)
}

// IsVisible is the combined predicate used during a scan: a row is visible
// if either the tx-local buffer produced it (and the tx hasn't since
// deleted it) or it is visible under the committed-row predicate and the
// tx-local buffer does not itself delete it.
func IsVisible(currentTxId uint64, table string, rowId uint64, reader Reader, committed CommittedSet, tx *Transaction) (bool, error) {
	if tx != nil && tx.HasDeleted(table, rowId) {
		return false, nil
	}
	if tx != nil {
		if _, ok := tx.Get(table, storage.DataKey(rowId)); ok {
			return true, nil
		}
	}
	visible, err := IsVisibleCommitted(currentTxId, table, rowId, reader, committed)
	if err != nil {
		return false, err
	}
	return visible, nil
}
