package page

import "testing"

// filledLeaf builds a leaf with n elements, each large enough that a small
// page size forces a split well before 4 KiB worth of real data.
func filledLeaf(id uint64, n int, pageSize int) *Page {
	p := New(id, FlagLeaf, pageSize)
	for i := 0; i < n; i++ {
		key := AppendTxId([]byte{byte(i)}, uint64(i))
		val := make([]byte, 40)
		p.Elements = append(p.Elements, &LeafElement{Key: key, Val: val})
	}
	return p
}

func TestWriteToDiskSplitsOversizedPage(t *testing.T) {
	store := newFakeStore(256)
	alloc := newFakeAllocator()

	leaf := filledLeaf(1, 20, 256)
	pages, err := WriteToDisk(leaf, store, alloc, DefaultWritePolicy())
	if err != nil {
		t.Fatalf("WriteToDisk: %v", err)
	}
	if len(pages) < 2 {
		t.Fatalf("expected a split into multiple pages, got %d", len(pages))
	}

	for i, p := range pages {
		if p.payloadSize() > p.availablePageSize() {
			t.Fatalf("page %d payload %d exceeds available %d", i, p.payloadSize(), p.availablePageSize())
		}
		if len(p.Elements) == 0 {
			t.Fatalf("page %d has no elements", i)
		}
	}

	for i := 0; i < len(pages)-1; i++ {
		if pages[i].Header.NextPageId != pages[i+1].Header.Id {
			t.Fatalf("page %d nextPageId does not point at successor", i)
		}
		if pages[i+1].Header.PrevPageId != pages[i].Header.Id {
			t.Fatalf("page %d prevPageId does not point at predecessor", i+1)
		}
	}
}

func TestWriteToDiskNoSplitWhenFits(t *testing.T) {
	store := newFakeStore(4096)
	alloc := newFakeAllocator()

	leaf := filledLeaf(1, 3, 4096)
	pages, err := WriteToDisk(leaf, store, alloc, DefaultWritePolicy())
	if err != nil {
		t.Fatalf("WriteToDisk: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("expected no split, got %d pages", len(pages))
	}
	if len(leaf.AdditionalPages) != 0 {
		t.Fatalf("expected no additional pages, got %d", len(leaf.AdditionalPages))
	}
}

func TestTryMergeAbsorbsSparseSibling(t *testing.T) {
	store := newFakeStore(4096)
	wp := DefaultWritePolicy()

	left := New(1, FlagLeaf, 4096)
	left.Elements = []Element{&LeafElement{Key: AppendTxId([]byte{1}, 1), Val: make([]byte, 10)}}
	left.Header.NextPageId = 2

	right := New(2, FlagLeaf, 4096)
	right.Elements = []Element{&LeafElement{Key: AppendTxId([]byte{2}, 1), Val: make([]byte, 10)}}
	right.Header.PrevPageId = 1

	if err := store.WritePage(2, mustSerialize(t, right)); err != nil {
		t.Fatalf("write right: %v", err)
	}

	result, err := TryMerge(left, store, wp)
	if err != nil {
		t.Fatalf("TryMerge: %v", err)
	}
	if len(result.Absorbed) != 1 || result.Absorbed[0] != 2 {
		t.Fatalf("expected sibling 2 absorbed, got %+v", result.Absorbed)
	}
	if len(left.Elements) != 2 {
		t.Fatalf("expected merged leaf to hold 2 elements, got %d", len(left.Elements))
	}
}

func mustSerialize(t *testing.T, p *Page) []byte {
	t.Helper()
	data, err := p.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return data
}

func TestPromoteRootLinksChildren(t *testing.T) {
	store := newFakeStore(256)
	alloc := newFakeAllocator()

	left := filledLeaf(1, 2, 256)
	right := filledLeaf(2, 2, 256)

	root, err := PromoteRoot([]*Page{left, right}, store, alloc)
	if err != nil {
		t.Fatalf("PromoteRoot: %v", err)
	}
	if !root.Header.IsBranch() {
		t.Fatal("expected new root to be a branch page")
	}
	if len(root.Elements) != 2 {
		t.Fatalf("expected 2 separators, got %d", len(root.Elements))
	}
	for i, p := range []*Page{left, right} {
		if p.Header.ParentPageId != root.Header.Id {
			t.Fatalf("child %d does not point at new root as parent", i)
		}
		if p.Header.IndexInParent != int32(i) {
			t.Fatalf("child %d has indexInParent %d, want %d", i, p.Header.IndexInParent, i)
		}
		el := root.Elements[i].(*BranchElement)
		if el.ChildPageId != p.Header.Id {
			t.Fatalf("separator %d does not reference child %d", i, p.Header.Id)
		}
	}
}
