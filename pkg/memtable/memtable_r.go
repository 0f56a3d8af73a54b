// ABOUTME: Sealed, read-only view of a MemTable, iterable for the flush pipeline
// ABOUTME: Grounded on original_source/mem_table_r.rs's MemTableR/MemTableRIter shape

package memtable

import (
	"fmt"
	"syscall"

	"github.com/nainya/graphcore/pkg/gerrors"
)

// MemTableR is a sealed memtable awaiting flush. Iteration reads entryCount
// from the header and stops there, since the file tail may be uninitialised
// (pre-allocated but unwritten) beyond that point.
type MemTableR struct {
	path       string
	fd         int
	entryCount uint32
}

// Entry is one (key, value-or-tombstone) record yielded during iteration.
type Entry struct {
	Key       []byte
	Val       []byte
	Tombstone bool
}

// Iterate calls visit for every record in file order, stopping early if
// visit returns false.
func (r *MemTableR) Iterate(visit func(Entry) bool) error {
	offset := int64(fileHeaderSize)
	for i := uint32(0); i < r.entryCount; i++ {
		key, val, tombstone, next, err := readRecord(r.fd, offset)
		if err != nil {
			return gerrors.New(gerrors.KindCorruptHeader, "memtable.MemTableR.Iterate", fmt.Errorf("record %d: %w", i, err))
		}
		if !visit(Entry{Key: key, Val: val, Tombstone: tombstone}) {
			return nil
		}
		offset = next
	}
	return nil
}

// EntryCount returns the number of records this sealed memtable holds.
func (r *MemTableR) EntryCount() uint32 { return r.entryCount }

// Path returns the backing file path.
func (r *MemTableR) Path() string { return r.path }

// MarkWritten2Disk flips the header's written2Disk flag once every entry
// has been folded into the B+Tree, signalling the file is safe to delete.
func (r *MemTableR) MarkWritten2Disk() error {
	var buf [1]byte
	buf[0] = 1
	if _, err := syscall.Pwrite(r.fd, buf[:], 4); err != nil {
		return gerrors.New(gerrors.KindIoError, "memtable.MarkWritten2Disk", err)
	}
	return syscall.Fsync(r.fd)
}

// Written2Disk reports the header's written2Disk flag.
func (r *MemTableR) Written2Disk() (bool, error) {
	var buf [1]byte
	if _, err := syscall.Pread(r.fd, buf[:], 4); err != nil {
		return false, gerrors.New(gerrors.KindIoError, "memtable.Written2Disk", err)
	}
	return buf[0] != 0, nil
}

// Close closes the underlying file descriptor.
func (r *MemTableR) Close() error {
	return syscall.Close(r.fd)
}
