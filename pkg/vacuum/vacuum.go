// ABOUTME: Horizon-driven physical reclamation of dead row versions and index trash
// ABOUTME: Grounded on the teacher's pkg/wal/recovery.go range-bounded sweep-and-classify idiom

package vacuum

import (
	"time"

	"github.com/nainya/graphcore/internal/logger"
	"github.com/nainya/graphcore/internal/metrics"
	"github.com/nainya/graphcore/pkg/storage"
)

// RowScanner enumerates every rowId with a recorded xmax for one table, the
// committed-state counterpart of a full KEY_PREFIX_MVCC|rowId|XMAX scan.
type RowScanner interface {
	ScanXmax(visit func(rowId uint64, xmax uint64) bool) error
}

// RangeDeleter physically removes the half-open key range
// [prefix|rowId, prefix|(rowId+1)) for one of the four namespace prefixes.
type RangeDeleter interface {
	DeleteRange(prefix byte, rowId uint64) error
}

// TrashScanner enumerates and removes one index's trash/live entries.
type TrashScanner interface {
	ScanTrash(indexName string, visit func(deleteTxId uint64, indexKey []byte) bool) error
	DeleteTrashEntry(indexName string, deleteTxId uint64, indexKey []byte) error
	DeleteLiveEntry(indexName string, indexKey []byte) error
}

// namespacePrefixes are the four key-space prefixes a dead row's version
// spans, per spec.md §3's KV Store Layout.
var namespacePrefixes = [4]byte{
	storage.KeyPrefixData,
	storage.KeyPrefixMvcc,
	storage.KeyPrefixPointer,
	storage.KeyPrefixOrigin,
}

// Result summarizes one sweep, for logging/metrics.
type Result struct {
	ReclaimedRows   int
	TrashEntriesHit map[string]int
}

// Sweep wraps the logger/metrics instances a vacuum run reports through,
// the way the teacher's background workers take both.
type Sweep struct {
	Log     *logger.Logger
	Metrics *metrics.Metrics
}

// Run reclaims every rowId in table whose xmax is in (0, horizon], deleting
// its DATA/MVCC/POINTER/ORIGIN ranges, then sweeps every named index's
// trash entries at or below horizon, removing both the trash entry and its
// corresponding live index entry. Per spec.md §4.9, idempotent and safe to
// run concurrently with readers using a snapshot taken before the sweep.
func (s *Sweep) Run(table string, horizon uint64, rows RowScanner, ranges RangeDeleter, indexNames []string, trash TrashScanner) (Result, error) {
	start := time.Now()
	result := Result{TrashEntriesHit: make(map[string]int)}

	var scanErr error
	err := rows.ScanXmax(func(rowId uint64, xmax uint64) bool {
		if xmax == storage.TxIdInvalid || xmax > horizon {
			return true
		}
		for _, prefix := range namespacePrefixes {
			if err := ranges.DeleteRange(prefix, rowId); err != nil {
				scanErr = err
				return false
			}
		}
		result.ReclaimedRows++
		return true
	})
	if err == nil {
		err = scanErr
	}
	if err != nil {
		s.record(table, "error", start, result)
		s.log(table, horizon, result, start, err)
		return result, err
	}

	for _, idx := range indexNames {
		var trashErr error
		scanErr := trash.ScanTrash(idx, func(deleteTxId uint64, indexKey []byte) bool {
			if deleteTxId > horizon {
				return true
			}
			if err := trash.DeleteLiveEntry(idx, indexKey); err != nil {
				trashErr = err
				return false
			}
			if err := trash.DeleteTrashEntry(idx, deleteTxId, indexKey); err != nil {
				trashErr = err
				return false
			}
			result.TrashEntriesHit[idx]++
			return true
		})
		if scanErr == nil {
			scanErr = trashErr
		}
		if scanErr != nil {
			s.record(table, "error", start, result)
			s.log(table, horizon, result, start, scanErr)
			return result, scanErr
		}
		if s.Metrics != nil {
			s.Metrics.UpdateIndexTrashSize(idx, int64(result.TrashEntriesHit[idx]))
		}
	}

	s.record(table, "ok", start, result)
	s.log(table, horizon, result, start, nil)
	return result, nil
}

func (s *Sweep) record(table, status string, start time.Time, result Result) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.RecordVacuum(table, status, time.Since(start), result.ReclaimedRows)
	for idx, n := range result.TrashEntriesHit {
		s.Metrics.VacuumTrashEntriesHit.WithLabelValues(idx).Add(float64(n))
	}
}

func (s *Sweep) log(table string, horizon uint64, result Result, start time.Time, err error) {
	if s.Log == nil {
		return
	}
	s.Log.LogVacuum(table, horizon, result.ReclaimedRows, time.Since(start), err)
}
