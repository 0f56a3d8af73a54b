// ABOUTME: Buddy bitmap allocator over page ids, persisted via mmap
// ABOUTME: One bitmap per order; allocate/free propagate descendant and ancestor bits

package pagealloc

import (
	"encoding/binary"
	"fmt"

	"github.com/nainya/graphcore/pkg/gerrors"
)

// Allocator is a buddy allocator: patternPerOrder[k] is a bitmap over
// 2^(maxOrder-k) blocks, each covering 2^k contiguous pages. Bit i set at
// order k means the block [i*2^k, (i+1)*2^k) is in use (wholly or partially).
//
// Grounded on _examples/original_source/lib/graph_storage/src/page_allocator.rs:
// the allocate/free bit-propagation shape is ported directly; the persisted
// byte layout matches spec.md §6's `maxOrder u8 || for each order { binLen
// u32, bitmap bytes }`.
type Allocator struct {
	maxOrder       uint8
	patternPerOrder [][]byte // one bitset per order, index 0 = finest granularity
}

// New creates an empty allocator covering 2^maxOrder pages, all free.
func New(maxOrder uint8) *Allocator {
	a := &Allocator{maxOrder: maxOrder}
	pageCount := uint64(1) << maxOrder
	for order := uint8(0); order <= maxOrder; order++ {
		a.patternPerOrder = append(a.patternPerOrder, newBitset(pageCount))
		pageCount /= 2
	}
	return a
}

func newBitset(bits uint64) []byte {
	return make([]byte, (bits+7)/8)
}

func getBit(bitset []byte, i uint64) bool {
	return bitset[i/8]&(1<<(i%8)) != 0
}

func setBit(bitset []byte, i uint64) {
	bitset[i/8] |= 1 << (i % 8)
}

func clearBit(bitset []byte, i uint64) {
	bitset[i/8] &^= 1 << (i % 8)
}

// ceilLog2 returns the smallest k such that 2^k >= n (n must be >= 1).
func ceilLog2(n uint64) uint8 {
	if n <= 1 {
		return 0
	}
	k := uint8(0)
	v := uint64(1)
	for v < n {
		v *= 2
		k++
	}
	return k
}

func roundUpToMultiple(x, m uint64) uint64 {
	return ((x + m - 1) / m) * m
}

// Allocate rounds byteSize up to a multiple of pageSize, finds a free block
// at the matching order, and returns the page id of its first page and the
// number of pages the block covers. Returns false if no free block exists at
// that order.
func (a *Allocator) Allocate(byteSize, pageSize uint64) (pageId uint64, pageCount uint64, ok bool) {
	expect := roundUpToMultiple(byteSize, pageSize)
	targetOrder := ceilLog2(expect / pageSize)
	if targetOrder > a.maxOrder {
		return 0, 0, false
	}

	bitmap := a.patternPerOrder[targetOrder]
	blocks := uint64(1) << (a.maxOrder - targetOrder)
	idx, found := firstFreeBit(bitmap, blocks)
	if !found {
		return 0, 0, false
	}
	setBit(bitmap, idx)

	// Every descendant block (all orders below targetOrder) is now in use.
	for subOrder := targetOrder; subOrder > 0; {
		subOrder--
		span := uint64(1) << (targetOrder - subOrder)
		base := idx * span
		sub := a.patternPerOrder[subOrder]
		for i := uint64(0); i < span; i++ {
			setBit(sub, base+i)
		}
	}

	// Every ancestor block (all orders above targetOrder) is no longer wholly free.
	ancestorIdx := idx
	for superiorOrder := targetOrder + 1; superiorOrder <= a.maxOrder; superiorOrder++ {
		ancestorIdx /= 2
		setBit(a.patternPerOrder[superiorOrder], ancestorIdx)
	}

	return idx << targetOrder, uint64(1) << targetOrder, true
}

func firstFreeBit(bitmap []byte, blocks uint64) (uint64, bool) {
	for i := uint64(0); i < blocks; i++ {
		if !getBit(bitmap, i) {
			return i, true
		}
	}
	return 0, false
}

// Free releases the count-page block starting at pageId, clearing its bit at
// the matching order, all descendant bits, and walking ancestors upward
// clearing each only while its buddy child is also clear.
func (a *Allocator) Free(pageId, count uint64) {
	targetOrder := ceilLog2(count)
	idx := pageId >> targetOrder

	clearBit(a.patternPerOrder[targetOrder], idx)

	for subOrder := targetOrder; subOrder > 0; {
		subOrder--
		span := uint64(1) << (targetOrder - subOrder)
		base := idx * span
		sub := a.patternPerOrder[subOrder]
		for i := uint64(0); i < span; i++ {
			clearBit(sub, base+i)
		}
	}

	walkIdx := idx
	for superiorOrder := targetOrder + 1; superiorOrder <= a.maxOrder; superiorOrder++ {
		childOrder := a.patternPerOrder[superiorOrder-1]
		left := walkIdx &^ 1
		right := left + 1
		if getBit(childOrder, left) || getBit(childOrder, right) {
			break
		}
		walkIdx /= 2
		clearBit(a.patternPerOrder[superiorOrder], walkIdx)
	}
}

// MaxOrder returns the allocator's configured maximum buddy order.
func (a *Allocator) MaxOrder() uint8 { return a.maxOrder }

// Serialize produces the persisted byte layout:
// maxOrder:u8 || for each order { bitmapLen:u32-BE, bitmapBytes }.
func (a *Allocator) Serialize() []byte {
	out := make([]byte, 0, 64)
	out = append(out, a.maxOrder)
	for _, bitmap := range a.patternPerOrder {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(bitmap)))
		out = append(out, lenBuf[:]...)
		out = append(out, bitmap...)
	}
	return out
}

// Deserialize parses the layout produced by Serialize.
func Deserialize(data []byte) (*Allocator, error) {
	if len(data) < 1 {
		return nil, gerrors.New(gerrors.KindCorruptHeader, "pagealloc.Deserialize", fmt.Errorf("empty allocator file"))
	}
	a := &Allocator{maxOrder: data[0]}
	pos := 1
	for order := uint8(0); order <= a.maxOrder; order++ {
		if pos+4 > len(data) {
			return nil, gerrors.New(gerrors.KindCorruptHeader, "pagealloc.Deserialize", fmt.Errorf("truncated bitmap length at order %d", order))
		}
		bitmapLen := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if pos+bitmapLen > len(data) {
			return nil, gerrors.New(gerrors.KindCorruptHeader, "pagealloc.Deserialize", fmt.Errorf("truncated bitmap bytes at order %d", order))
		}
		bitmap := make([]byte, bitmapLen)
		copy(bitmap, data[pos:pos+bitmapLen])
		a.patternPerOrder = append(a.patternPerOrder, bitmap)
		pos += bitmapLen
	}
	return a, nil
}

// Refresh writes the in-memory bitmaps into dest in place, without
// re-encoding lengths — dest must already hold a Serialize()-shaped buffer
// (typically an mmap window over the allocator file), matching the Rust
// original's refresh(), which commits bitmap mutations directly to the
// mapped file.
func (a *Allocator) Refresh(dest []byte) error {
	pos := 1
	for _, bitmap := range a.patternPerOrder {
		if pos+4 > len(dest) {
			return gerrors.New(gerrors.KindIoError, "pagealloc.Refresh", fmt.Errorf("dest too small"))
		}
		bitmapLen := int(binary.BigEndian.Uint32(dest[pos : pos+4]))
		pos += 4
		if bitmapLen != len(bitmap) || pos+bitmapLen > len(dest) {
			return gerrors.New(gerrors.KindInvariant, "pagealloc.Refresh", fmt.Errorf("bitmap length mismatch at pos %d", pos))
		}
		copy(dest[pos:pos+bitmapLen], bitmap)
		pos += bitmapLen
	}
	return nil
}
