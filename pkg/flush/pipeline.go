// ABOUTME: Merges sealed memtables into the B+Tree: seek-and-prune, split/merge, relink parents
// ABOUTME: Grounded on spec.md §4.6; deleteThreshold rule confirmed against original_source/mem_table_r.rs

package flush

import (
	"fmt"

	"github.com/nainya/graphcore/pkg/gerrors"
	"github.com/nainya/graphcore/pkg/memtable"
	"github.com/nainya/graphcore/pkg/page"
)

// Pipeline owns one table's B+Tree and the store/allocator it writes through.
type Pipeline struct {
	tree   *page.BTree
	store  page.Store
	alloc  page.PageAllocator
	policy page.WritePolicy

	// persistRoot is called whenever a root promotion changes the tree's
	// root page id, so the caller can durably record it (e.g. PageStore's
	// header field).
	persistRoot func(newRootId uint64) error
}

// NewPipeline creates a flush pipeline over tree.
func NewPipeline(tree *page.BTree, store page.Store, alloc page.PageAllocator, policy page.WritePolicy, persistRoot func(uint64) error) *Pipeline {
	return &Pipeline{tree: tree, store: store, alloc: alloc, policy: policy, persistRoot: persistRoot}
}

// deleteThreshold derives the threshold cursor.Seek uses to prune
// superseded versions: the txId embedded in this key if no tx is in
// flight, else the smallest in-flight tx id. Confirmed against
// original_source/mem_table_r.rs's processMemTableRs.
func deleteThreshold(key []byte, flyingTxIdMin *uint64) uint64 {
	if flyingTxIdMin != nil {
		return *flyingTxIdMin
	}
	_, txId, ok := page.SplitKeyTxId(key)
	if !ok {
		return 0
	}
	return txId
}

// Run folds every entry of every sealed memtable into the B+Tree, then
// relinks and persists every touched page up the tree until no parent
// changed, per spec.md §4.6's numbered steps.
func (p *Pipeline) Run(sealed []*memtable.MemTableR, flyingTxIdMin *uint64) error {
	cursor := page.NewCursor(p.tree)

	for _, mt := range sealed {
		var iterErr error
		err := mt.Iterate(func(e memtable.Entry) bool {
			threshold := deleteThreshold(e.Key, flyingTxIdMin)
			if _, err := cursor.Seek(e.Key, e.Val, e.Tombstone, true, threshold); err != nil {
				iterErr = err
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
		if iterErr != nil {
			return iterErr
		}
	}

	dirty := make(map[uint64]*page.Page, len(cursor.LeafPageId2LeafPage))
	for id, leaf := range cursor.LeafPageId2LeafPage {
		dirty[id] = leaf
	}

	for len(dirty) > 0 {
		nextDirty := make(map[uint64]*page.Page)
		for _, pg := range dirty {
			if err := p.writeAndRelink(pg, nextDirty); err != nil {
				return err
			}
		}
		dirty = nextDirty
	}

	if err := p.alloc.(interface{ Refresh() error }).Refresh(); err != nil {
		return gerrors.New(gerrors.KindIoError, "flush.Run", fmt.Errorf("refreshing page allocator: %w", err))
	}

	for _, mt := range sealed {
		if err := mt.MarkWritten2Disk(); err != nil {
			return err
		}
	}
	return nil
}

// writeAndRelink runs the split or merge policy on pg and folds the result
// into its parent, queuing the parent into nextDirty if it changed.
func (p *Pipeline) writeAndRelink(pg *page.Page, nextDirty map[uint64]*page.Page) error {
	produced, err := page.WriteToDisk(pg, p.store, p.alloc, p.policy)
	if err != nil {
		return err
	}

	if len(produced) > 1 {
		parent, err := p.linkSplit(pg, produced)
		if err != nil {
			return err
		}
		// linkSplit returns page.NewDummyBranch's sentinel, not a literal
		// nil, when the split page it just promoted has no parent of its
		// own to relink — that page graph has no real page there.
		if parent != nil && !parent.Header.IsDummy() {
			nextDirty[parent.Header.Id] = parent
		}
		return nil
	}

	if !pg.Header.IsLeaf() {
		return nil // merge policy only applies to leaves, per spec.md §4.3
	}

	result, err := page.TryMerge(pg, p.store, p.policy)
	if err != nil {
		return err
	}
	if len(result.Absorbed) == 0 {
		return nil
	}

	for _, id := range result.Absorbed {
		p.alloc.Free(id, 1)
	}
	if pg.Header.IsRoot() {
		return nil
	}
	parent, err := p.unlinkAbsorbed(pg, result.Absorbed)
	if err != nil {
		return err
	}
	if parent != nil {
		nextDirty[parent.Header.Id] = parent
	}
	return nil
}

// linkSplit folds a split page group into its parent's separator/child
// list, or promotes a new root if the split page had none.
func (p *Pipeline) linkSplit(original *page.Page, produced []*page.Page) (*page.Page, error) {
	if original.Header.IsRoot() {
		root, err := page.PromoteRoot(produced, p.store, p.alloc)
		if err != nil {
			return nil, err
		}
		p.tree.SetRootPageId(root.Header.Id)
		if p.persistRoot != nil {
			if err := p.persistRoot(root.Header.Id); err != nil {
				return nil, err
			}
		}
		// The new root has no parent of its own to relink. Return the
		// dummy-branch sentinel rather than a bare nil, so the page graph
		// carries an explicit "absent page" marker here the same way
		// pkg/page's own placeholders do, instead of overloading nil for
		// both "no parent" and "not yet computed".
		return page.NewDummyBranch(root.PageSize), nil
	}

	parentData, err := p.store.ReadPage(original.Header.ParentPageId)
	if err != nil {
		return nil, gerrors.New(gerrors.KindIoError, "flush.linkSplit", fmt.Errorf("reading parent %d: %w", original.Header.ParentPageId, err))
	}
	parent, err := page.Parse(parentData, p.store.PageSize())
	if err != nil {
		return nil, err
	}

	idx := int(original.Header.IndexInParent)
	if idx < 0 || idx >= len(parent.Elements) {
		return nil, gerrors.New(gerrors.KindInvariant, "flush.linkSplit", fmt.Errorf("page %d indexInParent %d out of range for parent %d with %d elements", original.Header.Id, idx, parent.Header.Id, len(parent.Elements)))
	}

	newElements := make([]page.Element, 0, len(parent.Elements)+len(produced)-1)
	newElements = append(newElements, parent.Elements[:idx]...)
	for _, staged := range page.StageChildLinks(produced) {
		staged.ChildPage.Header.ParentPageId = parent.Header.Id
		newElements = append(newElements, staged.ToBranchElement())
	}
	newElements = append(newElements, parent.Elements[idx+1:]...)
	parent.Elements = newElements
	parent.Dirty = true

	if err := p.reindexChildren(parent); err != nil {
		return nil, err
	}
	return parent, nil
}

// unlinkAbsorbed removes the separator entries for pages TryMerge absorbed
// into pg, then reindexes every remaining sibling's indexInParent.
func (p *Pipeline) unlinkAbsorbed(pg *page.Page, absorbedIds []uint64) (*page.Page, error) {
	absorbed := make(map[uint64]bool, len(absorbedIds))
	for _, id := range absorbedIds {
		absorbed[id] = true
	}

	parentData, err := p.store.ReadPage(pg.Header.ParentPageId)
	if err != nil {
		return nil, gerrors.New(gerrors.KindIoError, "flush.unlinkAbsorbed", fmt.Errorf("reading parent %d: %w", pg.Header.ParentPageId, err))
	}
	parent, err := page.Parse(parentData, p.store.PageSize())
	if err != nil {
		return nil, err
	}

	// pg absorbed its right siblings' elements, so its old separator (their
	// pre-merge last key) is now too small: it no longer covers the keys
	// that used to live in the absorbed pages. searchBranch routes a lookup
	// to the first separator >= key, so a stale separator sends those keys
	// past pg to whatever sibling now follows it instead of into pg itself.
	newKey := pg.LastKey()

	kept := parent.Elements[:0]
	for _, el := range parent.Elements {
		be, ok := el.(*page.BranchElement)
		if !ok {
			kept = append(kept, el)
			continue
		}
		if absorbed[be.ChildPageId] {
			continue
		}
		if be.ChildPageId == pg.Header.Id {
			be.Key = newKey
		}
		kept = append(kept, el)
	}
	parent.Elements = kept
	parent.Dirty = true

	if err := p.reindexChildren(parent); err != nil {
		return nil, err
	}
	return parent, nil
}

// reindexChildren stamps every child's parentPageId/indexInParent to match
// its position in parent.Elements, so invariant 1 (every child's
// back-reference resolves) holds after a split or merge shifted positions.
// This always patches every child on disk, including pages WriteToDisk just
// wrote: WriteToDisk allocates split siblings via New(), which defaults
// IndexInParent to NoParent, and only this pass (run after parent.Elements
// is finalized) knows each sibling's real position.
func (p *Pipeline) reindexChildren(parent *page.Page) error {
	for i, el := range parent.Elements {
		be, ok := el.(*page.BranchElement)
		if !ok {
			continue
		}
		if err := page.PatchParentLink(p.store, be.ChildPageId, parent.Header.Id, int32(i)); err != nil {
			return err
		}
	}

	data, err := parent.Serialize()
	if err != nil {
		return err
	}
	if err := p.store.WritePage(parent.Header.Id, data); err != nil {
		return gerrors.New(gerrors.KindIoError, "flush.reindexChildren", fmt.Errorf("writing parent %d: %w", parent.Header.Id, err))
	}
	parent.Dirty = false
	return nil
}
