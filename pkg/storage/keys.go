// ABOUTME: Byte-exact key namespace layout for the physical KV key space
// ABOUTME: One key space, many namespaces distinguished by a one-byte prefix

package storage

import "encoding/binary"

// Namespace prefixes. A single physical key space carries all of these;
// RowId and TxId are always encoded big-endian so that lexicographic byte
// order matches numeric order (required for range scans and leaf ordering).
const (
	KeyPrefixData    byte = 1
	KeyPrefixMvcc    byte = 2
	KeyPrefixPointer byte = 3
	KeyPrefixOrigin  byte = 4
)

// MVCC tags distinguish the two marker kinds at KEY_PREFIX_MVCC|rowId|tag|txId.
const (
	MvccTagXmin byte = 1
	MvccTagXmax byte = 2
)

// KeyTagDataKey appears inside pointer keys between the peer table id and the
// peer data key, matching spec.md §3's KEY_TAG_DATA_KEY.
const KeyTagDataKey byte = 1

// Pointer direction tags: an edge is recorded from both endpoints, tagged by
// which way the relation points.
const (
	DirTagOutbound byte = 1
	DirTagInbound  byte = 2
)

// Transaction id sentinels, per spec.md §3.
const (
	TxIdInvalid uint64 = 0
	TxIdFrozen  uint64 = 1
	TxIdMin     uint64 = 2
)

// DataKeyInvalid marks an ORIGIN entry for a row that is not an UPDATE.
const DataKeyInvalid uint64 = 0

func putU64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

func getU64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// DataKey builds KEY_PREFIX_DATA | rowId.
func DataKey(rowId uint64) []byte {
	out := make([]byte, 0, 9)
	out = append(out, KeyPrefixData)
	return putU64(out, rowId)
}

// MvccKey builds KEY_PREFIX_MVCC | rowId | tag | txId.
func MvccKey(rowId uint64, tag byte, txId uint64) []byte {
	out := make([]byte, 0, 18)
	out = append(out, KeyPrefixMvcc)
	out = putU64(out, rowId)
	out = append(out, tag)
	return putU64(out, txId)
}

// MvccRowPrefix builds the range-scan prefix KEY_PREFIX_MVCC | rowId, used to
// enumerate every xmin/xmax marker for one row.
func MvccRowPrefix(rowId uint64) []byte {
	out := make([]byte, 0, 9)
	out = append(out, KeyPrefixMvcc)
	return putU64(out, rowId)
}

// PointerKey builds KEY_PREFIX_POINTER | rowId | dirTag | peerTableId |
// KEY_TAG_DATA_KEY | peerDataKey | mvccTag | txId.
func PointerKey(rowId uint64, dirTag byte, peerTableId uint64, peerDataKey uint64, mvccTag byte, txId uint64) []byte {
	out := make([]byte, 0, 36)
	out = append(out, KeyPrefixPointer)
	out = putU64(out, rowId)
	out = append(out, dirTag)
	out = putU64(out, peerTableId)
	out = append(out, KeyTagDataKey)
	out = putU64(out, peerDataKey)
	out = append(out, mvccTag)
	return putU64(out, txId)
}

// PointerRowPrefix enumerates every edge endpoint recorded for rowId.
func PointerRowPrefix(rowId uint64) []byte {
	out := make([]byte, 0, 9)
	out = append(out, KeyPrefixPointer)
	return putU64(out, rowId)
}

// OriginKey builds KEY_PREFIX_ORIGIN | rowId.
func OriginKey(rowId uint64) []byte {
	out := make([]byte, 0, 9)
	out = append(out, KeyPrefixOrigin)
	return putU64(out, rowId)
}

// RangeEnd returns the exclusive upper bound of the half-open range
// [prefix|rowId, prefix|(rowId+1)) spec.md §4.9 uses for vacuum's range delete.
func RangeEnd(prefix byte, rowId uint64) []byte {
	out := make([]byte, 0, 9)
	out = append(out, prefix)
	return putU64(out, rowId+1)
}

// SplitDataKey reverses DataKey / validates a key is in the DATA namespace.
func SplitDataKey(key []byte) (rowId uint64, ok bool) {
	if len(key) != 9 || key[0] != KeyPrefixData {
		return 0, false
	}
	return getU64(key[1:9]), true
}

// SplitMvccKey reverses MvccKey.
func SplitMvccKey(key []byte) (rowId uint64, tag byte, txId uint64, ok bool) {
	if len(key) != 18 || key[0] != KeyPrefixMvcc {
		return 0, 0, 0, false
	}
	return getU64(key[1:9]), key[9], getU64(key[10:18]), true
}

// SplitPointerKey reverses PointerKey.
func SplitPointerKey(key []byte) (rowId uint64, dirTag byte, peerTableId uint64, peerDataKey uint64, mvccTag byte, txId uint64, ok bool) {
	if len(key) != 36 || key[0] != KeyPrefixPointer {
		return 0, 0, 0, 0, 0, 0, false
	}
	rowId = getU64(key[1:9])
	dirTag = key[9]
	peerTableId = getU64(key[10:18])
	// key[18] is KEY_TAG_DATA_KEY, always KeyTagDataKey in this layout
	peerDataKey = getU64(key[19:27])
	mvccTag = key[27]
	txId = getU64(key[28:36])
	return rowId, dirTag, peerTableId, peerDataKey, mvccTag, txId, true
}
