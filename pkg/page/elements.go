// ABOUTME: The four page element flavors: leaf, leaf-overflow, branch, dummy-for-put
// ABOUTME: overflow elements address their value by overflow-chain head page id; see overflow.go

package page

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nainya/graphcore/pkg/gerrors"
)

// Element is satisfied by every page element flavor.
type Element interface {
	// KeyBytes returns the element's ordering key.
	KeyBytes() []byte
	// DiskSize returns the number of bytes this element occupies on disk.
	DiskSize() int
}

// tombstoneValLen marks a leaf element whose value has been deleted, as
// distinct from a present zero-length value.
const tombstoneValLen uint32 = math.MaxUint32

// LeafElement is (keyLen u16, valLen u32, key, val). A nil Val with
// Tombstone set represents a deleted logical key retained for MVCC ordering.
type LeafElement struct {
	Key       []byte
	Val       []byte
	Tombstone bool
}

func (e *LeafElement) KeyBytes() []byte { return e.Key }

func (e *LeafElement) DiskSize() int {
	return 2 + 4 + len(e.Key) + len(e.Val)
}

// LeafOverflowElement is (keyLen u16, headPageId u64, valLen u32, key). The
// value lives in a chain of FlagLeafOverflow pages linked by
// Header.NextOverflowPageId; headPageId names the chain's first page. The
// original's PageElemHeaderLeafOverflow instead stores an absolute file
// offset, but pkg/page only ever addresses storage through the Store
// interface (ReadPage/WritePage by id), which has no notion of file bytes,
// so the chain is addressed by page id instead.
type LeafOverflowElement struct {
	Key        []byte
	HeadPageId uint64
	ValLen     uint32
}

func (e *LeafOverflowElement) KeyBytes() []byte { return e.Key }

func (e *LeafOverflowElement) DiskSize() int {
	return 2 + 8 + 4 + len(e.Key)
}

// BranchElement is (keyLen u16, childPageId u64, key). The key is the
// separator: every key in ChildPageId's subtree is <= this key (for the
// last element, > the previous separator and unbounded above).
type BranchElement struct {
	Key         []byte
	ChildPageId uint64
}

func (e *BranchElement) KeyBytes() []byte { return e.Key }

func (e *BranchElement) DiskSize() int {
	return 2 + 8 + len(e.Key)
}

// overflowThreshold is 25% of the page size, per spec.md §4.3 "Overflow":
// a leaf value larger than this is written to an overflow chain instead of
// inline.
func overflowThreshold(pageSize int) int {
	return pageSize / 4
}

func encodeElement(el Element, dst []byte) int {
	switch e := el.(type) {
	case *LeafElement:
		binary.BigEndian.PutUint16(dst[0:2], uint16(len(e.Key)))
		valLen := uint32(len(e.Val))
		if e.Tombstone {
			valLen = tombstoneValLen
		}
		binary.BigEndian.PutUint32(dst[2:6], valLen)
		pos := 6
		copy(dst[pos:], e.Key)
		pos += len(e.Key)
		if !e.Tombstone {
			copy(dst[pos:], e.Val)
			pos += len(e.Val)
		}
		return pos

	case *LeafOverflowElement:
		binary.BigEndian.PutUint16(dst[0:2], uint16(len(e.Key)))
		binary.BigEndian.PutUint64(dst[2:10], e.HeadPageId)
		binary.BigEndian.PutUint32(dst[10:14], e.ValLen)
		copy(dst[14:], e.Key)
		return 14 + len(e.Key)

	case *BranchElement:
		binary.BigEndian.PutUint16(dst[0:2], uint16(len(e.Key)))
		binary.BigEndian.PutUint64(dst[2:10], e.ChildPageId)
		copy(dst[10:], e.Key)
		return 10 + len(e.Key)

	default:
		panic(fmt.Sprintf("page: unknown element type %T", el))
	}
}

func decodeElement(pageFlags uint16, src []byte) (Element, int, error) {
	switch {
	case pageFlags&FlagLeaf != 0:
		if len(src) < 6 {
			return nil, 0, gerrors.New(gerrors.KindCorruptHeader, "page.decodeElement", fmt.Errorf("short leaf element header"))
		}
		keyLen := binary.BigEndian.Uint16(src[0:2])
		valLen := binary.BigEndian.Uint32(src[2:6])
		pos := 6
		key := append([]byte(nil), src[pos:pos+int(keyLen)]...)
		pos += int(keyLen)
		if valLen == tombstoneValLen {
			return &LeafElement{Key: key, Tombstone: true}, pos, nil
		}
		val := append([]byte(nil), src[pos:pos+int(valLen)]...)
		pos += int(valLen)
		return &LeafElement{Key: key, Val: val}, pos, nil

	case pageFlags&FlagLeafOverflow != 0:
		if len(src) < 14 {
			return nil, 0, gerrors.New(gerrors.KindCorruptHeader, "page.decodeElement", fmt.Errorf("short overflow element header"))
		}
		keyLen := binary.BigEndian.Uint16(src[0:2])
		headPageId := binary.BigEndian.Uint64(src[2:10])
		valLen := binary.BigEndian.Uint32(src[10:14])
		pos := 14
		key := append([]byte(nil), src[pos:pos+int(keyLen)]...)
		pos += int(keyLen)
		return &LeafOverflowElement{Key: key, HeadPageId: headPageId, ValLen: valLen}, pos, nil

	case pageFlags&FlagBranch != 0:
		if len(src) < 10 {
			return nil, 0, gerrors.New(gerrors.KindCorruptHeader, "page.decodeElement", fmt.Errorf("short branch element header"))
		}
		keyLen := binary.BigEndian.Uint16(src[0:2])
		childPageId := binary.BigEndian.Uint64(src[2:10])
		pos := 10
		key := append([]byte(nil), src[pos:pos+int(keyLen)]...)
		pos += int(keyLen)
		return &BranchElement{Key: key, ChildPageId: childPageId}, pos, nil

	default:
		return nil, 0, gerrors.New(gerrors.KindInvariant, "page.decodeElement", fmt.Errorf("page flags %d carry no recognized element kind", pageFlags))
	}
}
