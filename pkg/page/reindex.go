// ABOUTME: In-place patch of a page's parentPageId/indexInParent header fields
// ABOUTME: Avoids a full parse/reserialize when only back-reference bookkeeping changed

package page

import (
	"encoding/binary"
	"fmt"

	"github.com/nainya/graphcore/pkg/gerrors"
)

// PatchParentLink rewrites pageId's parentPageId and indexInParent header
// fields in place, used after a sibling insertion/removal shifts every
// following child's position within its parent (spec.md §8 invariant 1).
func PatchParentLink(store Store, pageId uint64, parentPageId uint64, indexInParent int32) error {
	data, err := store.ReadPage(pageId)
	if err != nil {
		return gerrors.New(gerrors.KindIoError, "page.PatchParentLink", fmt.Errorf("reading page %d: %w", pageId, err))
	}
	if len(data) < HeaderSize {
		return gerrors.New(gerrors.KindCorruptHeader, "page.PatchParentLink", fmt.Errorf("page %d: short header", pageId))
	}
	binary.BigEndian.PutUint64(data[36:44], parentPageId)
	binary.BigEndian.PutUint32(data[44:48], uint32(indexInParent))
	if err := store.WritePage(pageId, data); err != nil {
		return gerrors.New(gerrors.KindIoError, "page.PatchParentLink", fmt.Errorf("writing page %d: %w", pageId, err))
	}
	return nil
}
