// ABOUTME: In-memory staging elements used during a Put, and the dummy-branch sentinel header
// ABOUTME: DummyBranchHeader stands in for "absent page" without a nil pointer, per page_header.rs

package page

// PutElement is a Dummy-for-Put staging variant: either an owned key/value
// destined for a leaf, or a reference to a freshly split child page that
// must be linked into its parent as a new separator/child pair.
type PutElement struct {
	// OwnedKey/OwnedVal/Tombstone are set when staging a leaf insert or delete.
	OwnedKey  []byte
	OwnedVal  []byte
	Tombstone bool

	// ChildPage is set when staging a branch link-up after a child split:
	// the parent must gain a new separator key pointing at ChildPage.Header.Id.
	ChildPage *Page
}

// toLeafElement commits a leaf-side staged Put to its final on-disk form.
func (pe *PutElement) toLeafElement() *LeafElement {
	return &LeafElement{Key: pe.OwnedKey, Val: pe.OwnedVal, Tombstone: pe.Tombstone}
}

// StageChildLinks wraps freshly written split siblings as Dummy-for-Put
// branch-link staging elements, consumed by PromoteRoot and the flush
// pipeline's linkSplit to build each sibling's separator/child pair.
func StageChildLinks(pages []*Page) []*PutElement {
	staged := make([]*PutElement, len(pages))
	for i, p := range pages {
		staged[i] = &PutElement{ChildPage: p}
	}
	return staged
}

// ToBranchElement commits a branch-side staged Put to its final separator.
func (pe *PutElement) ToBranchElement() *BranchElement {
	return &BranchElement{Key: SeparatorKey(pe.ChildPage), ChildPageId: pe.ChildPage.Header.Id}
}

// DummyBranchHeader is the static placeholder header used where the page
// graph needs an "absent page" marker distinct from a nil pointer: the
// flush pipeline's linkSplit returns a NewDummyBranch page, rather than a
// bare nil, for the page produced by promoting a new root, which has no
// parent of its own to relink. Carried from the original's
// PAGE_HEADER_DUMMY_BRANCH sentinel. There is no equivalent leaf use —
// every leaf in this tree is created with a real, already-allocated page
// id, so nothing ever needs an "absent leaf" placeholder — so the
// original's PAGE_HEADER_DUMMY_LEAF sentinel has no port here.
var DummyBranchHeader = Header{Flags: FlagBranch | FlagDummy, IndexInParent: NoParent}

// NewDummyBranch returns a placeholder branch page carrying no elements.
func NewDummyBranch(pageSize int) *Page {
	return &Page{Header: DummyBranchHeader, PageSize: pageSize}
}
