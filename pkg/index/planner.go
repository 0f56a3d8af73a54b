// ABOUTME: Filter-to-index matching: prefix coverage selection and LIKE decomposition
// ABOUTME: Grounded on the teacher's QueryByKeyValue/QueryMultiple candidate-set idiom

package index

import "github.com/nainya/graphcore/pkg/storage"

// Operator names the comparison operators a filter column can carry, per
// spec.md §4.8.
type Operator int

const (
	OpEq Operator = iota
	OpLt
	OpLe
	OpGt
	OpGe
	OpLike
)

// LikeKind classifies a LIKE pattern into the shape spec.md §9 names.
type LikeKind int

const (
	LikeEqual LikeKind = iota
	LikeStartWith
	LikeContain
	LikeEndWith
	LikeNonsense
)

// ClassifyLike decomposes a LIKE pattern containing at most leading/trailing
// '%' wildcards. A '%' that appears only at the very start, only at the
// very end, at both ends, or nowhere is classified; anything else (e.g. a
// '%' in the middle, or a bare "%%") is Nonsense and dropped as a no-op
// predicate rather than erroring (spec.md §7, Unsupported is non-fatal here).
func ClassifyLike(pattern string) (kind LikeKind, core string) {
	if pattern == "%" || pattern == "%%" {
		return LikeNonsense, ""
	}
	hasPrefix := len(pattern) > 0 && pattern[0] == '%'
	hasSuffix := len(pattern) > 0 && pattern[len(pattern)-1] == '%'
	inner := pattern
	if hasPrefix {
		inner = inner[1:]
	}
	if hasSuffix && len(inner) > 0 {
		inner = inner[:len(inner)-1]
	}
	for i := 0; i < len(inner); i++ {
		if inner[i] == '%' {
			return LikeNonsense, ""
		}
	}
	switch {
	case !hasPrefix && !hasSuffix:
		return LikeEqual, inner
	case !hasPrefix && hasSuffix:
		return LikeStartWith, inner
	case hasPrefix && !hasSuffix:
		return LikeEndWith, inner
	default:
		return LikeContain, inner
	}
}

// usesIndex reports whether a LikeKind can be served by an index seek:
// only StartWith (treated as an equality-prefix seek) and Equal do.
func (k LikeKind) usesIndex() bool {
	return k == LikeStartWith || k == LikeEqual
}

// Filter is one column predicate from a decomposed WHERE clause. Value
// holds the comparison bound for every Op except OpLike, which instead
// uses Pattern.
type Filter struct {
	Column  string
	Op      Operator
	Value   storage.Value
	Pattern string // only meaningful when Op == OpLike
}

// canSeek reports whether this filter can drive an index seek at all.
func (f Filter) canSeek() bool {
	if f.Op != OpLike {
		return true
	}
	kind, _ := ClassifyLike(f.Pattern)
	return kind.usesIndex()
}

// Plan is the planner's chosen index and whether it fully serves the query.
type Plan struct {
	Index       Def
	PrefixMatch int  // number of leading filter columns this index covers
	LocalSearch bool // true if every filter column AND every selected column is covered
}

// Select picks the index whose leading columns cover the greatest prefix of
// filters, breaking ties by the index's total column count then by how many
// of selectedColumns it also covers (see better). Returns ok=false if no
// candidate index covers even the first filter column.
func Select(indices []Def, filters []Filter, selectedColumns []string) (Plan, bool) {
	byColumn := make(map[string]Filter, len(filters))
	for _, f := range filters {
		byColumn[f.Column] = f
	}

	var best Plan
	found := false

	for _, idx := range indices {
		prefix := 0
		for _, col := range idx.Columns {
			f, ok := byColumn[col]
			if !ok || !f.canSeek() {
				break
			}
			prefix++
		}
		if prefix == 0 {
			continue
		}

		covered := coveredColumns(idx, selectedColumns)
		local := prefix == len(filters) && covered == len(selectedColumns)
		candidate := Plan{Index: idx, PrefixMatch: prefix, LocalSearch: local}

		if !found || better(candidate, best, covered, coveredColumns(best.Index, selectedColumns)) {
			best = candidate
			found = true
		}
	}

	return best, found
}

func coveredColumns(idx Def, selected []string) int {
	set := make(map[string]bool, len(idx.Columns))
	for _, c := range idx.Columns {
		set[c] = true
	}
	n := 0
	for _, c := range selected {
		if set[c] {
			n++
		}
	}
	return n
}

// better implements the tie-break: greatest prefix match, then filter-column
// count, then selected-column coverage.
func better(candidate, current Plan, candidateCoverage, currentCoverage int) bool {
	if candidate.PrefixMatch != current.PrefixMatch {
		return candidate.PrefixMatch > current.PrefixMatch
	}
	// PrefixMatch already is the filter-column count (the number of leading
	// filter columns the index covers), so this second tie-break compares
	// each index's total column count instead: among two indices matching
	// the same filter prefix, the one with more trailing columns is more
	// likely to also cover selectedColumns, which the third tie-break below
	// checks directly.
	if len(candidate.Index.Columns) != len(current.Index.Columns) {
		return len(candidate.Index.Columns) > len(current.Index.Columns)
	}
	return candidateCoverage > currentCoverage
}
