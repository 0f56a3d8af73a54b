// ABOUTME: Opens the page allocator's own mmap-backed state file
// ABOUTME: Mirrors pkg/storage's PageStore open/extend/fsync idiom

package pagealloc

import (
	"fmt"
	"os"
	"syscall"

	"github.com/nainya/graphcore/pkg/gerrors"
)

// File owns the allocator's persisted bitmap state: an *Allocator plus the
// mmap window backing its on-disk serialization, following the same
// raw-syscall mmap/fsync idiom as pkg/storage.PageStore (grounded on the
// teacher's pkg/storage/kv.go createFileSync/extendMmap).
type File struct {
	*Allocator
	path string
	fd   int
	mmap []byte
}

// Open restores an existing allocator file or creates a fresh, all-free one
// covering 2^maxOrder pages when the file does not yet exist.
func Open(path string, maxOrder uint8) (*File, error) {
	existed := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		existed = false
	}

	fd, err := syscall.Open(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, gerrors.New(gerrors.KindIoError, "pagealloc.Open", err)
	}

	f := &File{path: path, fd: fd}

	if existed {
		var stat syscall.Stat_t
		if err := syscall.Fstat(fd, &stat); err != nil {
			_ = syscall.Close(fd)
			return nil, gerrors.New(gerrors.KindIoError, "pagealloc.Open", err)
		}
		data, err := syscall.Mmap(fd, 0, int(stat.Size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
		if err != nil {
			_ = syscall.Close(fd)
			return nil, gerrors.New(gerrors.KindIoError, "pagealloc.Open", err)
		}
		alloc, err := Deserialize(data)
		if err != nil {
			_ = syscall.Munmap(data)
			_ = syscall.Close(fd)
			return nil, err
		}
		f.Allocator = alloc
		f.mmap = data
		return f, nil
	}

	alloc := New(maxOrder)
	binary := alloc.Serialize()
	if err := syscall.Ftruncate(fd, int64(len(binary))); err != nil {
		_ = syscall.Close(fd)
		return nil, gerrors.New(gerrors.KindIoError, "pagealloc.Open", err)
	}
	if err := syscall.Fsync(fd); err != nil {
		_ = syscall.Close(fd)
		return nil, gerrors.New(gerrors.KindIoError, "pagealloc.Open", err)
	}
	data, err := syscall.Mmap(fd, 0, len(binary), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		_ = syscall.Close(fd)
		return nil, gerrors.New(gerrors.KindIoError, "pagealloc.Open", err)
	}
	copy(data, binary)
	f.Allocator = alloc
	f.mmap = data
	return f, nil
}

// Refresh commits in-memory allocator state to the mmap-backed file and
// fsyncs it, matching spec.md §4.2's refresh() contract.
func (f *File) Refresh() error {
	if err := f.Allocator.Refresh(f.mmap); err != nil {
		return err
	}
	if err := syscall.Fsync(f.fd); err != nil {
		return gerrors.New(gerrors.KindIoError, "pagealloc.Refresh", err)
	}
	return nil
}

// Close unmaps the allocator file and closes its descriptor.
func (f *File) Close() error {
	if err := syscall.Munmap(f.mmap); err != nil {
		return gerrors.New(gerrors.KindIoError, "pagealloc.Close", fmt.Errorf("munmap: %w", err))
	}
	return syscall.Close(f.fd)
}
