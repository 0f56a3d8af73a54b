// ABOUTME: Sentinel error kinds surfaced by the storage engine
// ABOUTME: Callers branch on Kind via errors.As, not string matching

package gerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error the way spec.md §7 requires callers to
// distinguish fatal-at-open, io, conflict, invariant and unsupported errors.
type Kind int

const (
	// KindCorruptHeader: bad magic, unsupported version, non-power-of-two page size. Fatal at open.
	KindCorruptHeader Kind = iota
	// KindIoError: short reads/writes, mmap failure, fsync failure. Current operation aborted, engine stays usable.
	KindIoError
	// KindConflict: two updates to the same logical key in one tx, or update-after-delete. Offending statement fails.
	KindConflict
	// KindInvariant: page header mismatch, parent/child disagreement, bitmap inconsistency. Fatal, no further mutation accepted.
	KindInvariant
	// KindUnsupported: operator/type combination a column can't satisfy, or a LIKE pattern an index can't execute.
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindCorruptHeader:
		return "CorruptHeader"
	case KindIoError:
		return "IoError"
	case KindConflict:
		return "Conflict"
	case KindInvariant:
		return "Invariant"
	case KindUnsupported:
		return "Unsupported"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with the kind the caller needs to branch on.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Is(err error, kind Kind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}
