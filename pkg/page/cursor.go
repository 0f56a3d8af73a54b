// ABOUTME: BTree traversal: ordered descent to a leaf, and forward/backward leaf-chain scan
// ABOUTME: Grounded on the teacher's btree iterator idiom, restructured per spec.md §4.4

package page

import (
	"bytes"
	"fmt"

	"github.com/nainya/graphcore/pkg/gerrors"
)

// BTree owns the root page id and the store/allocator a Cursor traverses.
// RootPageId can change across a Cursor's lifetime only via explicit
// SetRootPageId, called by the flush pipeline after a root promotion.
type BTree struct {
	store      Store
	alloc      PageAllocator
	policy     WritePolicy
	rootPageId uint64
}

// NewBTree opens a tree rooted at rootPageId.
func NewBTree(store Store, alloc PageAllocator, rootPageId uint64, policy WritePolicy) *BTree {
	return &BTree{store: store, alloc: alloc, policy: policy, rootPageId: rootPageId}
}

// RootPageId returns the tree's current root.
func (t *BTree) RootPageId() uint64 { return t.rootPageId }

// SetRootPageId updates the tree's root, called after a root promotion.
func (t *BTree) SetRootPageId(id uint64) { t.rootPageId = id }

func (t *BTree) readPage(id uint64) (*Page, error) {
	data, err := t.store.ReadPage(id)
	if err != nil {
		return nil, gerrors.New(gerrors.KindIoError, "page.readPage", fmt.Errorf("reading page %d: %w", id, err))
	}
	return Parse(data, t.store.PageSize())
}

// frame records one branch page visited while descending, and which child
// index the descent took, so the cursor can walk back up to fix separators.
type frame struct {
	page  *Page
	child int
}

// Cursor traverses the tree starting from an optional key. It accumulates
// every leaf it mutates in LeafPageId2LeafPage for the flush pipeline to
// write out and relink.
type Cursor struct {
	tree  *BTree
	stack []frame

	// LeafPageId2LeafPage holds every leaf page touched (and possibly
	// mutated) during this cursor's traversal, keyed by its original page id.
	LeafPageId2LeafPage map[uint64]*Page
}

// NewCursor creates a cursor over tree. The cursor holds no start position
// of its own: Seek, Get, ScanForward and ScanBackward each take the key
// they start from.
func NewCursor(tree *BTree) *Cursor {
	return &Cursor{tree: tree, LeafPageId2LeafPage: make(map[uint64]*Page)}
}

// descend walks from the root to the leaf covering key, pushing every
// branch page visited onto the stack. A leaf already touched by this
// cursor (present in LeafPageId2LeafPage) is returned as-is instead of
// being re-read from the store, so a batch of Seeks sharing one cursor
// accumulate on the same in-memory leaf rather than each starting over
// from its last-written-to-store bytes.
func (c *Cursor) descend(key []byte) (*Page, error) {
	c.stack = c.stack[:0]
	pageId := c.tree.rootPageId

	for {
		if cached, ok := c.LeafPageId2LeafPage[pageId]; ok {
			return cached, nil
		}

		p, err := c.tree.readPage(pageId)
		if err != nil {
			return nil, err
		}
		if p.Header.IsLeaf() {
			return p, nil
		}
		if !p.Header.IsBranch() {
			return nil, gerrors.New(gerrors.KindInvariant, "page.descend", fmt.Errorf("page %d is neither leaf nor branch", p.Header.Id))
		}

		idx := searchBranch(p, key)
		c.stack = append(c.stack, frame{page: p, child: idx})
		branchEl, ok := p.Elements[idx].(*BranchElement)
		if !ok {
			return nil, gerrors.New(gerrors.KindInvariant, "page.descend", fmt.Errorf("page %d element %d is not a branch element", p.Header.Id, idx))
		}
		pageId = branchEl.ChildPageId
	}
}

// searchBranch finds the index of the first separator >= key (or the last
// element, if key exceeds every separator).
func searchBranch(p *Page, key []byte) int {
	for i, el := range p.Elements {
		if bytes.Compare(el.KeyBytes(), key) >= 0 {
			return i
		}
	}
	return len(p.Elements) - 1
}

// searchLeaf finds the insertion index for key within a leaf's elements,
// comparing full keys (including any TxId suffix) so identical logical
// keys with different TxIds sort by TxId.
func searchLeaf(p *Page, key []byte) int {
	lo, hi := 0, len(p.Elements)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(p.Elements[mid].KeyBytes(), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Seek descends to the leaf covering key, inserts (key, value) as a new
// leaf element (or a tombstone if value is nil and tombstone is true), and
// if deleteOldVersions is set, removes every element sharing key's logical
// prefix whose embedded TxId is <= txIdThreshold. The leaf is recorded in
// LeafPageId2LeafPage for the caller to write out later.
func (c *Cursor) Seek(key []byte, value []byte, tombstone bool, deleteOldVersions bool, txIdThreshold uint64) (*Page, error) {
	leaf, err := c.descend(key)
	if err != nil {
		return nil, err
	}

	if deleteOldVersions {
		logical, _, ok := SplitKeyTxId(key)
		if ok {
			kept := leaf.Elements[:0]
			for _, el := range leaf.Elements {
				elLogical, elTxId, elOk := SplitKeyTxId(el.KeyBytes())
				if elOk && bytes.Equal(elLogical, logical) && elTxId <= txIdThreshold && !bytes.Equal(el.KeyBytes(), key) {
					continue // superseded version, eligible for pruning
				}
				kept = append(kept, el)
			}
			leaf.Elements = kept
		}
	}

	idx := searchLeaf(leaf, key)
	// Stage the insert/delete as a Dummy-for-Put element before committing it
	// to the leaf: the owned key/value/tombstone a caller hands Seek is
	// exactly what PutElement carries for a leaf-side Put, per spec.md's
	// page element inventory.
	staged := &PutElement{
		OwnedKey:  append([]byte(nil), key...),
		OwnedVal:  append([]byte(nil), value...),
		Tombstone: tombstone,
	}
	// Overflow placement (values over overflowThreshold(leaf.PageSize)) is
	// resolved by the flush pipeline, which owns the overflow page chain and
	// re-homes oversized values into LeafOverflowElement after this stage.
	newEl := staged.toLeafElement()

	if idx < len(leaf.Elements) && bytes.Equal(leaf.Elements[idx].KeyBytes(), key) {
		leaf.Elements[idx] = newEl
	} else {
		leaf.Elements = append(leaf.Elements, nil)
		copy(leaf.Elements[idx+1:], leaf.Elements[idx:])
		leaf.Elements[idx] = newEl
	}
	leaf.Dirty = true

	c.LeafPageId2LeafPage[leaf.Header.Id] = leaf
	return leaf, nil
}

// Get returns the leaf element for the given full key, if present.
func (c *Cursor) Get(key []byte) (Element, bool, error) {
	leaf, err := c.descend(key)
	if err != nil {
		return nil, false, err
	}
	idx := searchLeaf(leaf, key)
	if idx < len(leaf.Elements) && bytes.Equal(leaf.Elements[idx].KeyBytes(), key) {
		return leaf.Elements[idx], true, nil
	}
	return nil, false, nil
}

// ScanForward returns leaf pages from the one covering startKey onward,
// following nextPageId links, calling visit for every element whose key is
// >= startKey (or every element, if startKey is nil) until visit returns
// false or the chain ends.
func (c *Cursor) ScanForward(startKey []byte, visit func(Element) bool) error {
	pageId := c.tree.rootPageId
	var leaf *Page
	var err error
	if startKey != nil {
		leaf, err = c.descend(startKey)
	} else {
		leaf, err = c.leftmostLeaf(pageId)
	}
	if err != nil {
		return err
	}

	for leaf != nil {
		start := 0
		if startKey != nil {
			start = searchLeaf(leaf, startKey)
		}
		for i := start; i < len(leaf.Elements); i++ {
			if !visit(leaf.Elements[i]) {
				return nil
			}
		}
		if leaf.Header.NextPageId == 0 {
			return nil
		}
		leaf, err = c.tree.readPage(leaf.Header.NextPageId)
		if err != nil {
			return err
		}
		startKey = nil
	}
	return nil
}

// ScanBackward mirrors ScanForward, following prevPageId links from the
// leaf covering startKey (or the rightmost leaf, if startKey is nil).
func (c *Cursor) ScanBackward(startKey []byte, visit func(Element) bool) error {
	pageId := c.tree.rootPageId
	var leaf *Page
	var err error
	if startKey != nil {
		leaf, err = c.descend(startKey)
	} else {
		leaf, err = c.rightmostLeaf(pageId)
	}
	if err != nil {
		return err
	}

	for leaf != nil {
		end := len(leaf.Elements) - 1
		if startKey != nil {
			end = searchLeaf(leaf, startKey)
			if end >= len(leaf.Elements) || !bytes.Equal(leaf.Elements[end].KeyBytes(), startKey) {
				end--
			}
		}
		for i := end; i >= 0; i-- {
			if !visit(leaf.Elements[i]) {
				return nil
			}
		}
		if leaf.Header.PrevPageId == 0 {
			return nil
		}
		leaf, err = c.tree.readPage(leaf.Header.PrevPageId)
		if err != nil {
			return err
		}
		startKey = nil
	}
	return nil
}

func (c *Cursor) leftmostLeaf(pageId uint64) (*Page, error) {
	for {
		if cached, ok := c.LeafPageId2LeafPage[pageId]; ok {
			return cached, nil
		}
		p, err := c.tree.readPage(pageId)
		if err != nil {
			return nil, err
		}
		if p.Header.IsLeaf() {
			return p, nil
		}
		if len(p.Elements) == 0 {
			return nil, gerrors.New(gerrors.KindInvariant, "page.leftmostLeaf", fmt.Errorf("branch page %d has no elements", p.Header.Id))
		}
		pageId = p.Elements[0].(*BranchElement).ChildPageId
	}
}

func (c *Cursor) rightmostLeaf(pageId uint64) (*Page, error) {
	for {
		if cached, ok := c.LeafPageId2LeafPage[pageId]; ok {
			return cached, nil
		}
		p, err := c.tree.readPage(pageId)
		if err != nil {
			return nil, err
		}
		if p.Header.IsLeaf() {
			return p, nil
		}
		if len(p.Elements) == 0 {
			return nil, gerrors.New(gerrors.KindInvariant, "page.rightmostLeaf", fmt.Errorf("branch page %d has no elements", p.Header.Id))
		}
		pageId = p.Elements[len(p.Elements)-1].(*BranchElement).ChildPageId
	}
}
