// ABOUTME: Write-to-disk policy: split when a page overflows, merge when it is too sparse
// ABOUTME: Grounded on spec.md §4.3's write-to-disk/merge/root-promotion policy

package page

import (
	"fmt"

	"github.com/nainya/graphcore/pkg/gerrors"
)

const (
	// DefaultFillFactor governs the target utilization of a page produced
	// by a split: resolved Open Question (c) in DESIGN.md.
	DefaultFillFactor = 0.75
	// DefaultMergeThreshold is the occupancy fraction below which a leaf
	// becomes a merge candidate: resolved Open Question (c) in DESIGN.md.
	DefaultMergeThreshold = 0.5
)

// Store is the page-level dependency on durable storage. Implemented by
// pkg/storage.PageStore.
type Store interface {
	ReadPage(id uint64) ([]byte, error)
	WritePage(id uint64, data []byte) error
	PageSize() int
}

// PageAllocator is the page-level dependency on page id allocation.
// Implemented by pkg/pagealloc.Allocator.
type PageAllocator interface {
	Allocate(byteSize, pageSize uint64) (pageId uint64, pageCount uint64, ok bool)
	Free(pageId, count uint64)
}

// WritePolicy bundles the tunables governing split/merge/overflow.
type WritePolicy struct {
	FillFactor     float64
	MergeThreshold float64
}

// DefaultWritePolicy returns the engine's resolved fill-factor/merge-threshold defaults.
func DefaultWritePolicy() WritePolicy {
	return WritePolicy{FillFactor: DefaultFillFactor, MergeThreshold: DefaultMergeThreshold}
}

func (wp WritePolicy) splitTarget(available int) int {
	return int(float64(available) * wp.FillFactor)
}

func (wp WritePolicy) mergeBudget(available int) int {
	return int(float64(available) * wp.MergeThreshold)
}

// WriteToDisk serializes p, splitting across freshly allocated sibling
// pages if its elements do not fit in one page. It returns the full set of
// pages produced (p is always first), already written to store. Callers
// must update parent separator/child links for every returned page beyond
// the first, and adjust nextPageId/prevPageId on the page's former
// neighbors to point at the new split group's ends.
func WriteToDisk(p *Page, store Store, alloc PageAllocator, wp WritePolicy) ([]*Page, error) {
	if err := convertOversizedLeaves(p, store, alloc); err != nil {
		return nil, err
	}

	available := p.availablePageSize()
	if p.payloadSize() <= available {
		p.AdditionalPages = nil
		return []*Page{p}, writeOne(p, store)
	}

	target := wp.splitTarget(available)
	groups := packElements(p.Elements, target)

	pages := make([]*Page, 0, len(groups))
	pages = append(pages, p)
	for i := 1; i < len(groups); i++ {
		newId, _, ok := alloc.Allocate(uint64(p.PageSize), uint64(p.PageSize))
		if !ok {
			return nil, gerrors.New(gerrors.KindIoError, "page.WriteToDisk", fmt.Errorf("page allocator exhausted during split of page %d", p.Header.Id))
		}
		np := New(newId, p.Header.Flags&^FlagDummy, p.PageSize)
		np.Header.ParentPageId = p.Header.ParentPageId
		pages = append(pages, np)
	}

	oldNext := p.Header.NextPageId
	for i, g := range groups {
		pages[i].Elements = g
		pages[i].Header.ElemCount = uint16(len(g))
	}
	for i := range pages {
		if i > 0 {
			pages[i].Header.PrevPageId = pages[i-1].Header.Id
			pages[i-1].Header.NextPageId = pages[i].Header.Id
		}
	}
	pages[len(pages)-1].Header.NextPageId = oldNext
	pages[0].Header.PrevPageId = p.Header.PrevPageId

	p.AdditionalPages = pages[1:]

	for _, np := range pages {
		if err := writeOne(np, store); err != nil {
			return nil, err
		}
	}
	return pages, nil
}

func writeOne(p *Page, store Store) error {
	data, err := p.Serialize()
	if err != nil {
		return err
	}
	if err := store.WritePage(p.Header.Id, data); err != nil {
		return gerrors.New(gerrors.KindIoError, "page.writeOne", fmt.Errorf("writing page %d: %w", p.Header.Id, err))
	}
	p.Dirty = false
	return nil
}

// packElements distributes els into ordered groups, each group's payload
// kept at or under target bytes where possible (the final group absorbs any
// remainder so every element is placed).
func packElements(els []Element, target int) [][]Element {
	var groups [][]Element
	var current []Element
	size := 0

	for _, el := range els {
		elSize := el.DiskSize()
		if size > 0 && size+elSize > target {
			groups = append(groups, current)
			current = nil
			size = 0
		}
		current = append(current, el)
		size += elSize
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	if len(groups) == 0 {
		groups = [][]Element{nil}
	}
	return groups
}

// MergeResult names the absorbed pages so callers can free them and detach
// their separators from the parent.
type MergeResult struct {
	Absorbed []uint64
}

// TryMerge absorbs elements from p's next siblings while the combined
// payload stays under the merge budget, per spec.md §4.3's merge policy.
// Only called when p did not split on this write (AdditionalPages empty)
// and p's own payload is below the merge threshold.
func TryMerge(p *Page, store Store, wp WritePolicy) (*MergeResult, error) {
	available := p.availablePageSize()
	if p.payloadSize() >= wp.mergeBudget(available) {
		return &MergeResult{}, nil
	}
	if len(p.AdditionalPages) != 0 {
		return &MergeResult{}, nil
	}

	result := &MergeResult{}
	budget := wp.mergeBudget(available)

	for p.Header.NextPageId != 0 {
		nextData, err := store.ReadPage(p.Header.NextPageId)
		if err != nil {
			return nil, gerrors.New(gerrors.KindIoError, "page.TryMerge", fmt.Errorf("reading sibling %d: %w", p.Header.NextPageId, err))
		}
		next, err := Parse(nextData, p.PageSize)
		if err != nil {
			return nil, err
		}

		combined := p.payloadSize()
		for _, el := range next.Elements {
			combined += el.DiskSize()
		}
		if combined > budget {
			break
		}

		p.Elements = append(p.Elements, next.Elements...)
		result.Absorbed = append(result.Absorbed, next.Header.Id)
		p.Header.NextPageId = next.Header.NextPageId
	}

	if len(result.Absorbed) > 0 {
		p.Dirty = true
		if err := writeOne(p, store); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// PromoteRoot builds a new branch page over oldRoot and its split siblings,
// used when a page with no parent produces additional pages on write.
// Returns the new root page, already written.
func PromoteRoot(pages []*Page, store Store, alloc PageAllocator) (*Page, error) {
	newRootId, _, ok := alloc.Allocate(uint64(pages[0].PageSize), uint64(pages[0].PageSize))
	if !ok {
		return nil, gerrors.New(gerrors.KindIoError, "page.PromoteRoot", fmt.Errorf("page allocator exhausted during root promotion"))
	}
	root := New(newRootId, FlagBranch, pages[0].PageSize)

	for i, staged := range StageChildLinks(pages) {
		p := staged.ChildPage
		p.Header.ParentPageId = newRootId
		p.Header.IndexInParent = int32(i)
		root.Elements = append(root.Elements, staged.ToBranchElement())
		if err := writeOne(p, store); err != nil {
			return nil, err
		}
	}
	// The last separator covers every key greater than the previous bound;
	// its key is kept as the page's own last key for lookup symmetry, since
	// branch search always finds the first separator >= the sought key.
	if err := writeOne(root, store); err != nil {
		return nil, err
	}
	return root, nil
}
