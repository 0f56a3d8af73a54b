// ABOUTME: In-memory mirror of a disk page: header, parsed elements, split/merge state
// ABOUTME: Grounded on the teacher's pkg/btree node accessor idiom, restructured per spec.md §4.3

package page

import (
	"encoding/binary"
	"fmt"

	"github.com/nainya/graphcore/pkg/gerrors"
)

// Header flags, per spec.md §6.
const (
	FlagMeta         uint16 = 1
	FlagLeaf         uint16 = 2
	FlagLeafOverflow uint16 = 4
	FlagBranch       uint16 = 8
	FlagDummy        uint16 = 16
)

// NoParent is the sentinel IndexInParent value for the root page.
const NoParent int32 = -1

// HeaderSize is the fixed, on-disk size of a page header in bytes:
// id(8) + flags(2) + elemCount(2) + nextOverflowPageId(8) + nextPageId(8) +
// prevPageId(8) + parentPageId(8) + indexInParent(4).
const HeaderSize = 8 + 2 + 2 + 8 + 8 + 8 + 8 + 4

// Header is the fixed layout at the start of every page.
type Header struct {
	Id                 uint64
	Flags              uint16
	ElemCount          uint16
	NextOverflowPageId uint64
	NextPageId         uint64
	PrevPageId         uint64
	ParentPageId       uint64
	IndexInParent      int32
}

// IsLeaf reports whether flags mark this a leaf page.
func (h Header) IsLeaf() bool { return h.Flags&FlagLeaf != 0 }

// IsBranch reports whether flags mark this a branch page.
func (h Header) IsBranch() bool { return h.Flags&FlagBranch != 0 }

// IsLeafOverflow reports whether flags mark this a leaf-overflow page.
func (h Header) IsLeafOverflow() bool { return h.Flags&FlagLeafOverflow != 0 }

// IsDummy reports whether flags mark this a dummy placeholder page.
func (h Header) IsDummy() bool { return h.Flags&FlagDummy != 0 }

// IsRoot reports whether this page has no parent.
func (h Header) IsRoot() bool { return h.ParentPageId == 0 && h.IndexInParent == NoParent }

func encodeHeader(h Header, dst []byte) {
	binary.BigEndian.PutUint64(dst[0:8], h.Id)
	binary.BigEndian.PutUint16(dst[8:10], h.Flags)
	binary.BigEndian.PutUint16(dst[10:12], h.ElemCount)
	binary.BigEndian.PutUint64(dst[12:20], h.NextOverflowPageId)
	binary.BigEndian.PutUint64(dst[20:28], h.NextPageId)
	binary.BigEndian.PutUint64(dst[28:36], h.PrevPageId)
	binary.BigEndian.PutUint64(dst[36:44], h.ParentPageId)
	binary.BigEndian.PutUint32(dst[44:48], uint32(h.IndexInParent))
}

func decodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, gerrors.New(gerrors.KindCorruptHeader, "page.decodeHeader", fmt.Errorf("short page header: %d bytes", len(src)))
	}
	return Header{
		Id:                 binary.BigEndian.Uint64(src[0:8]),
		Flags:              binary.BigEndian.Uint16(src[8:10]),
		ElemCount:          binary.BigEndian.Uint16(src[10:12]),
		NextOverflowPageId: binary.BigEndian.Uint64(src[12:20]),
		NextPageId:         binary.BigEndian.Uint64(src[20:28]),
		PrevPageId:         binary.BigEndian.Uint64(src[28:36]),
		ParentPageId:       binary.BigEndian.Uint64(src[36:44]),
		IndexInParent:      int32(binary.BigEndian.Uint32(src[44:48])),
	}, nil
}

// Page is the in-memory mirror of one disk page. Replacement and
// AdditionalPages support copy-on-write split: a page being rewritten is
// built off to the side and only swapped in once its bytes are durable and
// parent links have been updated (spec.md §9, "Page replacement during split").
type Page struct {
	Header Header

	Elements []Element

	// PageSize is the page's total on-disk size budget, including HeaderSize.
	PageSize int

	// Replacement holds a freshly allocated page that supersedes this one
	// in place (same logical position, a different backing page id).
	Replacement *Page

	// AdditionalPages holds sibling pages produced when this page's
	// elements did not fit and had to be split across several pages.
	AdditionalPages []*Page

	// Dirty marks this page as needing a write-to-disk pass.
	Dirty bool
}

// New creates an empty page of the given kind at pageId.
func New(pageId uint64, flags uint16, pageSize int) *Page {
	return &Page{
		Header: Header{
			Id:            pageId,
			Flags:         flags,
			ParentPageId:  0,
			IndexInParent: NoParent,
		},
		PageSize: pageSize,
		Dirty:    true,
	}
}

// Parse reconstructs a Page from its on-disk bytes.
func Parse(data []byte, pageSize int) (*Page, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}

	p := &Page{Header: h, PageSize: pageSize}
	pos := HeaderSize
	for i := uint16(0); i < h.ElemCount; i++ {
		el, n, err := decodeElement(h.Flags, data[pos:])
		if err != nil {
			return nil, gerrors.New(gerrors.KindInvariant, "page.Parse", fmt.Errorf("page %d element %d: %w", h.Id, i, err))
		}
		p.Elements = append(p.Elements, el)
		pos += n
	}
	if int(h.ElemCount) != len(p.Elements) {
		return nil, gerrors.New(gerrors.KindInvariant, "page.Parse", fmt.Errorf("page %d: elemCount %d does not match parsed elements %d", h.Id, h.ElemCount, len(p.Elements)))
	}
	return p, nil
}

// payloadSize sums the on-disk size of every element.
func (p *Page) payloadSize() int {
	size := 0
	for _, el := range p.Elements {
		size += el.DiskSize()
	}
	return size
}

// availablePageSize is the element payload budget: total page size minus header.
func (p *Page) availablePageSize() int {
	return p.PageSize - HeaderSize
}

// Serialize renders the page (header + elements, in order) into a buffer
// sized to PageSize. Fails if the payload does not fit; callers are expected
// to have already run the split policy (WriteToDisk in split.go) before calling this.
func (p *Page) Serialize() ([]byte, error) {
	if p.payloadSize() > p.availablePageSize() {
		return nil, gerrors.New(gerrors.KindInvariant, "page.Serialize", fmt.Errorf("page %d payload %d exceeds available size %d", p.Header.Id, p.payloadSize(), p.availablePageSize()))
	}

	p.Header.ElemCount = uint16(len(p.Elements))
	out := make([]byte, p.PageSize)
	encodeHeader(p.Header, out[:HeaderSize])

	pos := HeaderSize
	for _, el := range p.Elements {
		n := encodeElement(el, out[pos:])
		pos += n
	}
	return out, nil
}

// FirstKey returns the key of the first element, or nil if empty.
func (p *Page) FirstKey() []byte {
	if len(p.Elements) == 0 {
		return nil
	}
	return p.Elements[0].KeyBytes()
}

// LastKey returns the key of the last element, or nil if empty.
func (p *Page) LastKey() []byte {
	if len(p.Elements) == 0 {
		return nil
	}
	return p.Elements[len(p.Elements)-1].KeyBytes()
}
