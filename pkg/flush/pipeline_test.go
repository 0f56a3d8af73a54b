package flush

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nainya/graphcore/pkg/memtable"
	"github.com/nainya/graphcore/pkg/page"
	"github.com/nainya/graphcore/pkg/pagealloc"
)

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
		return nil, fmt.Errorf("page %d not found", id)
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

// fakeAllocator wraps pagealloc.Allocator with sequential ids and a no-op
// Refresh, so Pipeline.Run's Refresh call has something to invoke.
type fakeAllocator struct {
	*pagealloc.Allocator
	next     uint64
	refreshN int
}

// next starts at 2: page id 1 is always pre-assigned to the initial root by
// newSingleLeafPipeline, so allocation must not hand it out again.
func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{Allocator: pagealloc.New(20), next: 2}
}

func (a *fakeAllocator) Allocate(byteSize, pageSize uint64) (uint64, uint64, bool) {
	id := a.next
	a.next++
	return id, 1, true
}

func (a *fakeAllocator) Free(pageId, count uint64) {}

func (a *fakeAllocator) Refresh() error {
	a.refreshN++
	return nil
}

func newSealedMemTable(t *testing.T, entries []memtable.Entry) *memtable.MemTableR {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mt.log")
	mt, err := memtable.Open(path, 1<<30)
	if err != nil {
		t.Fatalf("open memtable: %v", err)
	}
	for _, e := range entries {
		if _, err := mt.Put(e.Key, e.Val, e.Tombstone); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	sealed, err := mt.Seal()
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return sealed
}

func dataKey(logical byte, txId uint64) []byte {
	return page.AppendTxId([]byte{logical}, txId)
}

func newSingleLeafPipeline(t *testing.T, pageSize int) (*Pipeline, *fakeStore, *testHarness) {
	t.Helper()
	store := newFakeStore(pageSize)
	alloc := newFakeAllocator()
	root := page.New(1, page.FlagLeaf, pageSize)
	root.Dirty = false
	data, err := root.Serialize()
	if err != nil {
		t.Fatalf("serialize root: %v", err)
	}
	if err := store.WritePage(1, data); err != nil {
		t.Fatalf("write root: %v", err)
	}

	tree := page.NewBTree(store, alloc, 1, page.DefaultWritePolicy())
	var persisted uint64
	pipeline := NewPipeline(tree, store, alloc, page.DefaultWritePolicy(), func(id uint64) error {
		persisted = id
		return nil
	})
	return pipeline, store, &testHarness{tree: tree, alloc: alloc, persistedRoot: &persisted}
}

// testHarness exposes the tree/alloc a test needs to assert against, without
// widening Pipeline's own exported surface.
type testHarness struct {
	tree          *page.BTree
	alloc         *fakeAllocator
	persistedRoot *uint64
}

func TestRunFoldsEntriesWithoutSplit(t *testing.T) {
	pipeline, store, harness := newSingleLeafPipeline(t, 4096)

	sealed := newSealedMemTable(t, []memtable.Entry{
		{Key: dataKey(1, 5), Val: []byte("alice")},
		{Key: dataKey(2, 5), Val: []byte("bob")},
	})

	if err := pipeline.Run([]*memtable.MemTableR{sealed}, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	rootData, err := store.ReadPage(harness.tree.RootPageId())
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	root, err := page.Parse(rootData, 4096)
	if err != nil {
		t.Fatalf("parse root: %v", err)
	}
	if len(root.Elements) != 2 {
		t.Fatalf("expected 2 elements folded into the single leaf, got %d", len(root.Elements))
	}

	written, err := sealed.Written2Disk()
	if err != nil {
		t.Fatalf("written2disk: %v", err)
	}
	if !written {
		t.Fatal("expected sealed memtable to be marked written to disk")
	}
	if harness.alloc.refreshN != 1 {
		t.Fatalf("expected allocator Refresh to be called once, got %d", harness.alloc.refreshN)
	}
}

func TestRunSplitsOversizedRootAndPromotesNewRoot(t *testing.T) {
	pageSize := 256
	pipeline, store, harness := newSingleLeafPipeline(t, pageSize)

	// 10 entries at 35 bytes each split a 256-byte page (156-byte split
	// target) into a handful of leaves small enough that their separators
	// still fit in one promoted branch root (no multi-level split here).
	var entries []memtable.Entry
	for i := 0; i < 10; i++ {
		entries = append(entries, memtable.Entry{
			Key: dataKey(byte(i), 5),
			Val: []byte("padding-twenty-bytes"),
		})
	}
	sealed := newSealedMemTable(t, entries)

	if err := pipeline.Run([]*memtable.MemTableR{sealed}, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	newRoot := harness.tree.RootPageId()
	if newRoot == 1 {
		t.Fatal("expected root promotion to produce a new root page id")
	}
	if *harness.persistedRoot != newRoot {
		t.Fatalf("expected persistRoot callback to receive %d, got %d", newRoot, *harness.persistedRoot)
	}

	rootData, err := store.ReadPage(newRoot)
	if err != nil {
		t.Fatalf("read new root: %v", err)
	}
	root, err := page.Parse(rootData, pageSize)
	if err != nil {
		t.Fatalf("parse new root: %v", err)
	}
	if !root.Header.IsBranch() {
		t.Fatal("expected promoted root to be a branch page")
	}
	if len(root.Elements) < 2 {
		t.Fatalf("expected at least 2 separators in the new root, got %d", len(root.Elements))
	}

	for i, el := range root.Elements {
		be := el.(*page.BranchElement)
		childData, err := store.ReadPage(be.ChildPageId)
		if err != nil {
			t.Fatalf("read child %d: %v", be.ChildPageId, err)
		}
		child, err := page.Parse(childData, pageSize)
		if err != nil {
			t.Fatalf("parse child %d: %v", be.ChildPageId, err)
		}
		if child.Header.ParentPageId != newRoot {
			t.Fatalf("child %d: expected parentPageId %d, got %d", be.ChildPageId, newRoot, child.Header.ParentPageId)
		}
		if int(child.Header.IndexInParent) != i {
			t.Fatalf("child %d: expected indexInParent %d, got %d", be.ChildPageId, i, child.Header.IndexInParent)
		}
	}
}

func TestRunDeletesSupersededVersionsOnTombstone(t *testing.T) {
	pipeline, store, harness := newSingleLeafPipeline(t, 4096)

	first := newSealedMemTable(t, []memtable.Entry{
		{Key: dataKey(9, 5), Val: []byte("v1")},
	})
	if err := pipeline.Run([]*memtable.MemTableR{first}, nil); err != nil {
		t.Fatalf("run 1: %v", err)
	}

	threshold := uint64(10)
	second := newSealedMemTable(t, []memtable.Entry{
		{Key: dataKey(9, 10), Val: []byte("v2")},
	})
	if err := pipeline.Run([]*memtable.MemTableR{second}, &threshold); err != nil {
		t.Fatalf("run 2: %v", err)
	}

	rootData, err := store.ReadPage(harness.tree.RootPageId())
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	root, err := page.Parse(rootData, 4096)
	if err != nil {
		t.Fatalf("parse root: %v", err)
	}
	if len(root.Elements) != 1 {
		t.Fatalf("expected the tx=5 version pruned, leaving 1 element, got %d", len(root.Elements))
	}
	le := root.Elements[0].(*page.LeafElement)
	if string(le.Val) != "v2" {
		t.Fatalf("expected surviving element to be v2, got %q", le.Val)
	}
}

// TestRunSplitsAlreadyParentedChildReindexesEverySibling guards against a
// split of a page that already has a parent (not the root-promotion path):
// WriteToDisk allocates split siblings via page.New, which defaults
// IndexInParent to NoParent, so only reindexChildren's patch pass makes
// every sibling's on-disk indexInParent correct.
func TestRunSplitsAlreadyParentedChildReindexesEverySibling(t *testing.T) {
	pageSize := 256
	pipeline, store, harness := newSingleLeafPipeline(t, pageSize)

	var entries []memtable.Entry
	for i := 0; i < 10; i++ {
		entries = append(entries, memtable.Entry{
			Key: dataKey(byte(i), 5),
			Val: []byte("padding-twenty-bytes"),
		})
	}
	if err := pipeline.Run([]*memtable.MemTableR{newSealedMemTable(t, entries)}, nil); err != nil {
		t.Fatalf("run 1 (promote root): %v", err)
	}

	rootId := harness.tree.RootPageId()
	rootData, err := store.ReadPage(rootId)
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	root, err := page.Parse(rootData, pageSize)
	if err != nil {
		t.Fatalf("parse root: %v", err)
	}
	if len(root.Elements) < 2 {
		t.Fatalf("expected root promotion to produce at least 2 children, got %d", len(root.Elements))
	}
	target := root.Elements[0].(*page.BranchElement)
	if len(target.Key) != 1 {
		t.Fatalf("expected a 1-byte separator key, got %d bytes", len(target.Key))
	}
	targetByte := target.Key[0]
	if targetByte == 0 {
		t.Fatalf("expected child 0's separator byte to be > 0 so a lesser byte routes into it, got %d", targetByte)
	}
	// Any byte strictly less than the separator routes into child 0: branch
	// search compares the full (txId-suffixed) query key against the
	// separator's bare logical byte, and a lesser leading byte decides the
	// comparison before the suffix is ever considered.
	insertByte := targetByte - 1

	childData, err := store.ReadPage(target.ChildPageId)
	if err != nil {
		t.Fatalf("read child 0: %v", err)
	}
	child, err := page.Parse(childData, pageSize)
	if err != nil {
		t.Fatalf("parse child 0: %v", err)
	}
	current := 0
	for _, el := range child.Elements {
		current += el.DiskSize()
	}

	// Grow child 0 with more versions of an already-present key until its
	// payload must exceed one page, forcing a second-level split outside the
	// root-promotion path. A pinned flyingTxIdMin of 0 stands in for an
	// in-flight reader old enough that none of these versions are eligible
	// for pruning, so each Seek is a pure addition rather than a same-sized
	// replacement of the previous version.
	const elSize = 2 + 4 + 9 + 20 // keyLen+valLen headers, 9-byte key, 20-byte val
	available := pageSize - page.HeaderSize
	var entries2 []memtable.Entry
	for total, txId := current, uint64(20); total <= available; total, txId = total+elSize, txId+1 {
		entries2 = append(entries2, memtable.Entry{
			Key: dataKey(insertByte, txId),
			Val: []byte("padding-twenty-bytes"),
		})
	}
	flyingTxIdMin := uint64(0)
	grow := newSealedMemTable(t, entries2)
	if err := pipeline.Run([]*memtable.MemTableR{grow}, &flyingTxIdMin); err != nil {
		t.Fatalf("run 2 (split already-parented child): %v", err)
	}

	if harness.tree.RootPageId() != rootId {
		t.Fatal("expected the promoted root's own id to survive a child split below it")
	}
	rootData, err = store.ReadPage(rootId)
	if err != nil {
		t.Fatalf("read root after child split: %v", err)
	}
	root, err = page.Parse(rootData, pageSize)
	if err != nil {
		t.Fatalf("parse root after child split: %v", err)
	}
	if len(root.Elements) < 3 {
		t.Fatalf("expected the split to add at least one sibling separator to the root, got %d elements", len(root.Elements))
	}

	for i, el := range root.Elements {
		be := el.(*page.BranchElement)
		childData, err := store.ReadPage(be.ChildPageId)
		if err != nil {
			t.Fatalf("read child %d: %v", be.ChildPageId, err)
		}
		child, err := page.Parse(childData, pageSize)
		if err != nil {
			t.Fatalf("parse child %d: %v", be.ChildPageId, err)
		}
		if child.Header.ParentPageId != rootId {
			t.Fatalf("child %d (position %d): expected parentPageId %d, got %d", be.ChildPageId, i, rootId, child.Header.ParentPageId)
		}
		if int(child.Header.IndexInParent) != i {
			t.Fatalf("child %d (position %d): expected indexInParent %d, got %d", be.ChildPageId, i, i, child.Header.IndexInParent)
		}
	}
}
