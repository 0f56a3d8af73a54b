// ABOUTME: Mutable write buffer backed by an mmap'd append-only file, with replay-on-open
// ABOUTME: Grounded on original_source/mem_table.rs's header/record byte format

package memtable

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"syscall"

	"github.com/nainya/graphcore/pkg/gerrors"
)

// fileHeaderSize is {entryCount u32, written2Disk bool} = 5 bytes.
const fileHeaderSize = 5

// tombstoneValLen marks a deleted logical key, distinct from a zero-length value.
const tombstoneValLen uint32 = math.MaxUint32

// Mutation is one logical write: Val is nil and Tombstone true for a delete.
type Mutation struct {
	Val       []byte
	Tombstone bool
}

// MemTable owns its backing file and an in-memory action map used for
// point lookups before a flush has happened. On Open, if the file
// already existed, every record is replayed into Actions — this is the
// engine's crash-recovery mechanism (spec.md §4.5).
type MemTable struct {
	path         string
	fd           int
	entryCount   uint32
	written2Disk bool
	endOffset    int64

	// Actions maps each key to its latest mutation. It is a plain Go map:
	// ranging over it yields keys in no defined order, sorted or by
	// insertion. Iteration order for flush purposes is recovered by reading
	// records back from the file in original order, not from this map.
	Actions map[string]Mutation

	sealed        bool
	sizeThreshold int64
}

// Open replays an existing memtable file, or creates a fresh empty one.
func Open(path string, sizeThreshold int64) (*MemTable, error) {
	existed := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		existed = false
	}

	fd, err := syscall.Open(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, gerrors.New(gerrors.KindIoError, "memtable.Open", err)
	}

	mt := &MemTable{path: path, fd: fd, Actions: make(map[string]Mutation), sizeThreshold: sizeThreshold}

	if !existed {
		if err := mt.writeHeader(); err != nil {
			_ = syscall.Close(fd)
			return nil, err
		}
		mt.endOffset = fileHeaderSize
		return mt, nil
	}

	if err := mt.replay(); err != nil {
		_ = syscall.Close(fd)
		return nil, err
	}
	return mt, nil
}

func (mt *MemTable) writeHeader() error {
	var header [fileHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], mt.entryCount)
	if mt.written2Disk {
		header[4] = 1
	}
	if _, err := syscall.Pwrite(mt.fd, header[:], 0); err != nil {
		return gerrors.New(gerrors.KindIoError, "memtable.writeHeader", err)
	}
	return syscall.Fsync(mt.fd)
}

// replay reads entryCount from the header then iterates records, inserting
// each into Actions, reconstructing in-memory state after a crash.
func (mt *MemTable) replay() error {
	var header [fileHeaderSize]byte
	n, err := syscall.Pread(mt.fd, header[:], 0)
	if err != nil {
		return gerrors.New(gerrors.KindIoError, "memtable.replay", err)
	}
	if n < fileHeaderSize {
		return gerrors.New(gerrors.KindCorruptHeader, "memtable.replay", fmt.Errorf("short memtable header: %d bytes", n))
	}

	mt.entryCount = binary.BigEndian.Uint32(header[0:4])
	mt.written2Disk = header[4] != 0

	offset := int64(fileHeaderSize)
	for i := uint32(0); i < mt.entryCount; i++ {
		key, val, tombstone, next, err := readRecord(mt.fd, offset)
		if err != nil {
			return gerrors.New(gerrors.KindCorruptHeader, "memtable.replay", fmt.Errorf("record %d: %w", i, err))
		}
		mt.Actions[string(key)] = Mutation{Val: val, Tombstone: tombstone}
		offset = next
	}
	mt.endOffset = offset
	return nil
}

func readRecord(fd int, offset int64) (key, val []byte, tombstone bool, next int64, err error) {
	var lenBuf [6]byte
	n, err := syscall.Pread(fd, lenBuf[:], offset)
	if err != nil {
		return nil, nil, false, 0, err
	}
	if n < 6 {
		return nil, nil, false, 0, fmt.Errorf("short record header at offset %d", offset)
	}
	keyLen := binary.BigEndian.Uint16(lenBuf[0:2])
	valLen := binary.BigEndian.Uint32(lenBuf[2:6])

	key = make([]byte, keyLen)
	if _, err := syscall.Pread(fd, key, offset+6); err != nil {
		return nil, nil, false, 0, err
	}

	pos := offset + 6 + int64(keyLen)
	if valLen == tombstoneValLen {
		return key, nil, true, pos, nil
	}
	val = make([]byte, valLen)
	if _, err := syscall.Pread(fd, val, pos); err != nil {
		return nil, nil, false, 0, err
	}
	return key, val, false, pos + int64(valLen), nil
}

// Put appends one record to the file and updates the in-memory action map.
// Returns sealed=true if this write crossed the size threshold and the
// memtable must now be sealed by the caller via Seal.
func (mt *MemTable) Put(key []byte, val []byte, tombstone bool) (sealed bool, err error) {
	if mt.sealed {
		return false, gerrors.New(gerrors.KindInvariant, "memtable.Put", fmt.Errorf("memtable %s is sealed", mt.path))
	}

	record := encodeRecord(key, val, tombstone)
	if _, err := syscall.Pwrite(mt.fd, record, mt.endOffset); err != nil {
		return false, gerrors.New(gerrors.KindIoError, "memtable.Put", err)
	}
	if err := syscall.Fsync(mt.fd); err != nil {
		return false, gerrors.New(gerrors.KindIoError, "memtable.Put", err)
	}

	mt.endOffset += int64(len(record))
	mt.entryCount++
	if err := mt.writeHeader(); err != nil {
		return false, err
	}

	mt.Actions[string(key)] = Mutation{Val: val, Tombstone: tombstone}
	return mt.endOffset >= mt.sizeThreshold, nil
}

func encodeRecord(key, val []byte, tombstone bool) []byte {
	out := make([]byte, 6+len(key), 6+len(key)+len(val))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(key)))
	valLen := uint32(len(val))
	if tombstone {
		valLen = tombstoneValLen
	}
	binary.BigEndian.PutUint32(out[2:6], valLen)
	copy(out[6:], key)
	if !tombstone {
		out = append(out, val...)
	}
	return out
}

// Get performs a point lookup in the in-memory action map.
func (mt *MemTable) Get(key []byte) (Mutation, bool) {
	m, ok := mt.Actions[string(key)]
	return m, ok
}

// EntryCount returns the number of records written so far.
func (mt *MemTable) EntryCount() uint32 { return mt.entryCount }

// Path returns the memtable's backing file path.
func (mt *MemTable) Path() string { return mt.path }

// Seal closes this memtable to further writes and returns a read-only
// MemTableR view of the same file, handed to the flush pipeline.
func (mt *MemTable) Seal() (*MemTableR, error) {
	mt.sealed = true
	return &MemTableR{path: mt.path, fd: mt.fd, entryCount: mt.entryCount}, nil
}
