// ABOUTME: Overflow page chain: oversized leaf values spill out of the leaf into linked pages
// ABOUTME: Grounded on spec.md §4.3 "Overflow"; chain shape borrowed from the tinySQL pager's writeOverflow/readOverflow

package page

import (
	"fmt"

	"github.com/nainya/graphcore/pkg/gerrors"
)

// overflowCapacity is how many raw value bytes a single overflow page holds.
func overflowCapacity(pageSize int) int {
	return pageSize - HeaderSize
}

// writeOverflowChain splits value across freshly allocated FlagLeafOverflow
// pages linked by Header.NextOverflowPageId, writes every page, and returns
// the chain's head page id.
func writeOverflowChain(value []byte, store Store, alloc PageAllocator, pageSize int) (uint64, error) {
	cap := overflowCapacity(pageSize)
	if cap <= 0 {
		return 0, gerrors.New(gerrors.KindInvariant, "page.writeOverflowChain", fmt.Errorf("page size %d leaves no room for overflow data", pageSize))
	}

	var ids []uint64
	chunkCount := (len(value) + cap - 1) / cap
	if chunkCount == 0 {
		chunkCount = 1 // a zero-length value still occupies one chain page
	}
	for i := 0; i < chunkCount; i++ {
		id, _, ok := alloc.Allocate(uint64(pageSize), uint64(pageSize))
		if !ok {
			return 0, gerrors.New(gerrors.KindIoError, "page.writeOverflowChain", fmt.Errorf("page allocator exhausted during overflow write"))
		}
		ids = append(ids, id)
	}

	for i, id := range ids {
		h := Header{Id: id, Flags: FlagLeafOverflow, ParentPageId: 0, IndexInParent: NoParent}
		if i+1 < len(ids) {
			h.NextOverflowPageId = ids[i+1]
		}
		buf := make([]byte, pageSize)
		encodeHeader(h, buf[:HeaderSize])

		off := i * cap
		end := off + cap
		if end > len(value) {
			end = len(value)
		}
		copy(buf[HeaderSize:], value[off:end])

		if err := store.WritePage(id, buf); err != nil {
			return 0, gerrors.New(gerrors.KindIoError, "page.writeOverflowChain", fmt.Errorf("writing overflow page %d: %w", id, err))
		}
	}
	return ids[0], nil
}

// readOverflowChain reconstructs a value of valLen bytes starting at headId.
func readOverflowChain(headId uint64, valLen uint32, store Store) ([]byte, error) {
	out := make([]byte, 0, valLen)
	pageId := headId
	for uint32(len(out)) < valLen {
		data, err := store.ReadPage(pageId)
		if err != nil {
			return nil, gerrors.New(gerrors.KindIoError, "page.readOverflowChain", fmt.Errorf("reading overflow page %d: %w", pageId, err))
		}
		h, err := decodeHeader(data)
		if err != nil {
			return nil, err
		}

		remaining := int(valLen) - len(out)
		avail := len(data) - HeaderSize
		take := remaining
		if take > avail {
			take = avail
		}
		out = append(out, data[HeaderSize:HeaderSize+take]...)

		if uint32(len(out)) >= valLen {
			break
		}
		if h.NextOverflowPageId == 0 {
			return nil, gerrors.New(gerrors.KindInvariant, "page.readOverflowChain", fmt.Errorf("overflow chain at head %d ended after %d of %d bytes", headId, len(out), valLen))
		}
		pageId = h.NextOverflowPageId
	}
	return out, nil
}

// ResolveValue returns el's value bytes, transparently following an overflow
// chain for a LeafOverflowElement. Callers that only need an element's key
// (e.g. tombstoning) should use KeyBytes() directly instead, since resolving
// an overflow chain costs a page read per chain page.
func ResolveValue(el Element, store Store) ([]byte, error) {
	switch e := el.(type) {
	case *LeafElement:
		return e.Val, nil
	case *LeafOverflowElement:
		return readOverflowChain(e.HeadPageId, e.ValLen, store)
	default:
		return nil, gerrors.New(gerrors.KindInvariant, "page.ResolveValue", fmt.Errorf("element type %T carries no resolvable value", el))
	}
}

// convertOversizedLeaves rewrites any non-tombstone LeafElement whose value
// exceeds overflowThreshold(p.PageSize) into a LeafOverflowElement, writing
// the value out to a freshly allocated overflow chain first. Called by
// WriteToDisk before computing payload size, so packElements never has to
// place an oversized element alone in a group that still doesn't fit.
func convertOversizedLeaves(p *Page, store Store, alloc PageAllocator) error {
	if !p.Header.IsLeaf() {
		return nil
	}
	threshold := overflowThreshold(p.PageSize)
	for i, el := range p.Elements {
		le, ok := el.(*LeafElement)
		if !ok || le.Tombstone || len(le.Val) <= threshold {
			continue
		}
		headId, err := writeOverflowChain(le.Val, store, alloc, p.PageSize)
		if err != nil {
			return err
		}
		p.Elements[i] = &LeafOverflowElement{Key: le.Key, HeadPageId: headId, ValLen: uint32(len(le.Val))}
	}
	return nil
}
