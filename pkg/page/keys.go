// ABOUTME: Logical-key helpers: data row keys embed an 8-byte big-endian TxId suffix
// ABOUTME: Branch separator keys never carry this suffix, per spec.md §3

package page

import "encoding/binary"

// TxIdSuffixLen is the width of the embedded TxId suffix on a leaf data key.
const TxIdSuffixLen = 8

// SplitKeyTxId splits a leaf key into its logical prefix and embedded TxId.
// Returns ok=false if key is too short to carry a TxId suffix.
func SplitKeyTxId(key []byte) (logical []byte, txId uint64, ok bool) {
	if len(key) < TxIdSuffixLen {
		return key, 0, false
	}
	split := len(key) - TxIdSuffixLen
	return key[:split], binary.BigEndian.Uint64(key[split:]), true
}

// LogicalKey strips the TxId suffix, returning just the user key.
func LogicalKey(key []byte) []byte {
	logical, _, ok := SplitKeyTxId(key)
	if !ok {
		return key
	}
	return logical
}

// AppendTxId builds a leaf key by appending txId's big-endian bytes to a
// logical user key.
func AppendTxId(logicalKey []byte, txId uint64) []byte {
	out := make([]byte, len(logicalKey)+TxIdSuffixLen)
	copy(out, logicalKey)
	binary.BigEndian.PutUint64(out[len(logicalKey):], txId)
	return out
}

// SeparatorKey derives a branch page's separator for child, using the
// child's last key with any TxId suffix stripped if child is a leaf.
func SeparatorKey(child *Page) []byte {
	last := child.LastKey()
	if child.Header.IsLeaf() || child.Header.IsLeafOverflow() {
		return append([]byte(nil), LogicalKey(last)...)
	}
	return append([]byte(nil), last...)
}
