package page

import "github.com/nainya/graphcore/pkg/pagealloc"

// fakeStore is a minimal in-memory Store for exercising split/merge/cursor
// logic without a real mmap-backed file.
type fakeStore struct {
	pageSize int
	pages    map[uint64][]byte
}

func newFakeStore(pageSize int) *fakeStore {
	return &fakeStore{pageSize: pageSize, pages: make(map[uint64][]byte)}
}

func (s *fakeStore) ReadPage(id uint64) ([]byte, error) {
	data, ok := s.pages[id]
	if !ok {
		return nil, errNotFound{id}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *fakeStore) WritePage(id uint64, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.pages[id] = cp
	return nil
}

func (s *fakeStore) PageSize() int { return s.pageSize }

type errNotFound struct{ id uint64 }

func (e errNotFound) Error() string { return "page not found" }

// fakeAllocator wraps pagealloc.Allocator, starting ids at 1 (id 0 is reserved).
type fakeAllocator struct {
	*pagealloc.Allocator
	next uint64
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{Allocator: pagealloc.New(20), next: 1}
}

func (a *fakeAllocator) Allocate(byteSize, pageSize uint64) (uint64, uint64, bool) {
	id := a.next
	a.next++
	return id, 1, true
}

func (a *fakeAllocator) Free(pageId, count uint64) {}
