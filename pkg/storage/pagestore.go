// ABOUTME: Opens and maintains the database file: header, mmap windows, page read/write
// ABOUTME: Grounded on the teacher's pkg/storage/kv.go Open/writePages/extendMmap/createFileSync

package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"syscall"

	"github.com/nainya/graphcore/pkg/gerrors"
)

const (
	fileMagic      uint32 = 0xCAFEBABE
	fileVersion    uint16 = 1
	fileHeaderSize        = 100
)

// PageStore owns the database file: a fixed 100-byte header followed by a
// sequence of fixed-size pages, mmap'd for reads and Pwrite+Fsync'd on
// write, per spec.md §4.1.
type PageStore struct {
	fd       int
	path     string
	pageSize int
	mmap     []byte
	fileSize int64

	// rootPageId is kept in the header's reserved region (bytes 8..16) so
	// the tree root survives restarts without a separate metadata file.
	rootPageId uint64
}

// Open creates the database file with a fresh header if it does not exist,
// or validates and loads an existing one. pageSize is only used on create;
// on open the on-disk value (which must be a power of two) wins.
func Open(path string, pageSize int) (*PageStore, error) {
	existed := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		existed = false
	}

	fd, err := syscall.Open(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, gerrors.New(gerrors.KindIoError, "storage.Open", err)
	}

	s := &PageStore{fd: fd, path: path}

	if !existed {
		if err := s.createFileSync(pageSize); err != nil {
			_ = syscall.Close(fd)
			return nil, err
		}
	} else {
		if err := s.loadHeader(); err != nil {
			_ = syscall.Close(fd)
			return nil, err
		}
	}

	if err := s.mmapWholeFile(); err != nil {
		_ = syscall.Close(fd)
		return nil, err
	}
	return s, nil
}

func (s *PageStore) createFileSync(pageSize int) error {
	if pageSize <= 0 || pageSize&(pageSize-1) != 0 {
		return gerrors.New(gerrors.KindCorruptHeader, "storage.createFileSync", fmt.Errorf("pageSize %d is not a power of two", pageSize))
	}
	s.pageSize = pageSize

	header := make([]byte, fileHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], fileMagic)
	binary.BigEndian.PutUint16(header[4:6], fileVersion)
	binary.BigEndian.PutUint16(header[6:8], uint16(pageSize))
	binary.BigEndian.PutUint64(header[8:16], 0) // rootPageId, unset until first page exists

	if err := syscall.Ftruncate(s.fd, fileHeaderSize); err != nil {
		return gerrors.New(gerrors.KindIoError, "storage.createFileSync", err)
	}
	if _, err := syscall.Pwrite(s.fd, header, 0); err != nil {
		return gerrors.New(gerrors.KindIoError, "storage.createFileSync", err)
	}
	if err := syscall.Fsync(s.fd); err != nil {
		return gerrors.New(gerrors.KindIoError, "storage.createFileSync", err)
	}
	s.fileSize = fileHeaderSize
	return nil
}

func (s *PageStore) loadHeader() error {
	header := make([]byte, fileHeaderSize)
	n, err := syscall.Pread(s.fd, header, 0)
	if err != nil {
		return gerrors.New(gerrors.KindIoError, "storage.loadHeader", err)
	}
	if n < fileHeaderSize {
		return gerrors.New(gerrors.KindCorruptHeader, "storage.loadHeader", fmt.Errorf("short header: %d bytes", n))
	}

	magic := binary.BigEndian.Uint32(header[0:4])
	version := binary.BigEndian.Uint16(header[4:6])
	pageSize := binary.BigEndian.Uint16(header[6:8])
	rootPageId := binary.BigEndian.Uint64(header[8:16])

	if magic != fileMagic {
		return gerrors.New(gerrors.KindCorruptHeader, "storage.loadHeader", fmt.Errorf("bad magic: %#x", magic))
	}
	if version != fileVersion {
		return gerrors.New(gerrors.KindCorruptHeader, "storage.loadHeader", fmt.Errorf("unsupported version: %d", version))
	}
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return gerrors.New(gerrors.KindCorruptHeader, "storage.loadHeader", fmt.Errorf("on-disk pageSize %d is not a power of two", pageSize))
	}

	var stat syscall.Stat_t
	if err := syscall.Fstat(s.fd, &stat); err != nil {
		return gerrors.New(gerrors.KindIoError, "storage.loadHeader", err)
	}

	s.pageSize = int(pageSize)
	s.rootPageId = rootPageId
	s.fileSize = stat.Size
	return nil
}

func (s *PageStore) mmapWholeFile() error {
	if s.fileSize == 0 {
		return nil
	}
	data, err := syscall.Mmap(s.fd, 0, int(s.fileSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return gerrors.New(gerrors.KindIoError, "storage.mmapWholeFile", err)
	}
	s.mmap = data
	return nil
}

// extendMmap grows the file and its mapping to cover at least minSize bytes.
func (s *PageStore) extendMmap(minSize int64) error {
	if minSize <= s.fileSize {
		return nil
	}
	if err := syscall.Ftruncate(s.fd, minSize); err != nil {
		return gerrors.New(gerrors.KindIoError, "storage.extendMmap", err)
	}
	if s.mmap != nil {
		if err := syscall.Munmap(s.mmap); err != nil {
			return gerrors.New(gerrors.KindIoError, "storage.extendMmap", err)
		}
		s.mmap = nil
	}
	s.fileSize = minSize
	return s.mmapWholeFile()
}

func (s *PageStore) pageOffset(id uint64) int64 {
	return fileHeaderSize + int64(id)*int64(s.pageSize)
}

// PageSize returns the store's fixed page size.
func (s *PageStore) PageSize() int { return s.pageSize }

// RootPageId returns the persisted root page id (0 if the tree is empty).
func (s *PageStore) RootPageId() uint64 { return s.rootPageId }

// SetRootPageId persists a new root page id into the header and fsyncs it.
func (s *PageStore) SetRootPageId(id uint64) error {
	s.rootPageId = id
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	if _, err := syscall.Pwrite(s.fd, buf[:], 8); err != nil {
		return gerrors.New(gerrors.KindIoError, "storage.SetRootPageId", err)
	}
	return syscall.Fsync(s.fd)
}

// ReadPage returns a copy of the bytes for page id.
func (s *PageStore) ReadPage(id uint64) ([]byte, error) {
	offset := s.pageOffset(id)
	if offset+int64(s.pageSize) > s.fileSize {
		return nil, gerrors.New(gerrors.KindIoError, "storage.ReadPage", fmt.Errorf("page %d out of file bounds", id))
	}
	out := make([]byte, s.pageSize)
	copy(out, s.mmap[offset:offset+int64(s.pageSize)])
	return out, nil
}

// WritePage writes data (exactly one page's worth of bytes) to page id,
// extending the file if necessary, and fsyncs the written range.
func (s *PageStore) WritePage(id uint64, data []byte) error {
	if len(data) != s.pageSize {
		return gerrors.New(gerrors.KindInvariant, "storage.WritePage", fmt.Errorf("page %d: data length %d != pageSize %d", id, len(data), s.pageSize))
	}
	offset := s.pageOffset(id)
	if err := s.extendMmap(offset + int64(s.pageSize)); err != nil {
		return err
	}
	copy(s.mmap[offset:offset+int64(s.pageSize)], data)
	return s.SyncRange(offset, int64(s.pageSize))
}

// SyncRange flushes mmap'd writes in [offset, offset+length) to disk, via a
// Pwrite of the in-memory bytes followed by Fsync — a two-phase commit that
// guarantees the write lands even if msync semantics differ across platforms.
func (s *PageStore) SyncRange(offset, length int64) error {
	if _, err := syscall.Pwrite(s.fd, s.mmap[offset:offset+length], offset); err != nil {
		return gerrors.New(gerrors.KindIoError, "storage.SyncRange", err)
	}
	return syscall.Fsync(s.fd)
}

// Close unmaps the file and closes its descriptor.
func (s *PageStore) Close() error {
	if s.mmap != nil {
		if err := syscall.Munmap(s.mmap); err != nil {
			return gerrors.New(gerrors.KindIoError, "storage.Close", err)
		}
	}
	return syscall.Close(s.fd)
}
