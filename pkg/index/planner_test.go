package index

import "testing"

func TestClassifyLike(t *testing.T) {
	cases := []struct {
		pattern  string
		wantKind LikeKind
		wantCore string
	}{
		{"abc", LikeEqual, "abc"},
		{"abc%", LikeStartWith, "abc"},
		{"%abc", LikeEndWith, "abc"},
		{"%abc%", LikeContain, "abc"},
		{"%%", LikeNonsense, ""},
		{"a%bc", LikeNonsense, ""},
	}
	for _, c := range cases {
		kind, core := ClassifyLike(c.pattern)
		if kind != c.wantKind || core != c.wantCore {
			t.Fatalf("ClassifyLike(%q) = (%v, %q), want (%v, %q)", c.pattern, kind, core, c.wantKind, c.wantCore)
		}
	}
}

// TestSelectLocalSearch mirrors spec.md's S6 scenario: index idx(a,b) on
// t(a,b,c), query SELECT a,b FROM t WHERE a=1 AND b>2 should be served
// entirely from the index.
func TestSelectLocalSearch(t *testing.T) {
	indices := []Def{{Name: "idx_ab", Columns: []string{"a", "b"}}}
	filters := []Filter{{Column: "a", Op: OpEq}, {Column: "b", Op: OpGt}}
	selected := []string{"a", "b"}

	plan, ok := Select(indices, filters, selected)
	if !ok {
		t.Fatal("expected a plan to be selected")
	}
	if plan.Index.Name != "idx_ab" {
		t.Fatalf("expected idx_ab selected, got %s", plan.Index.Name)
	}
	if !plan.LocalSearch {
		t.Fatal("expected local search since index covers every filter and selected column")
	}
}

func TestSelectFallsBackToBaseTableWhenNotFullyCovered(t *testing.T) {
	indices := []Def{{Name: "idx_a", Columns: []string{"a"}}}
	filters := []Filter{{Column: "a", Op: OpEq}}
	selected := []string{"a", "c"} // c isn't indexed

	plan, ok := Select(indices, filters, selected)
	if !ok {
		t.Fatal("expected a plan to be selected")
	}
	if plan.LocalSearch {
		t.Fatal("expected local search to be false since column c isn't covered")
	}
}

func TestSelectPrefersGreaterPrefixMatch(t *testing.T) {
	indices := []Def{
		{Name: "idx_a", Columns: []string{"a"}},
		{Name: "idx_ab", Columns: []string{"a", "b"}},
	}
	filters := []Filter{{Column: "a", Op: OpEq}, {Column: "b", Op: OpEq}}

	plan, ok := Select(indices, filters, []string{"a", "b"})
	if !ok {
		t.Fatal("expected a plan to be selected")
	}
	if plan.Index.Name != "idx_ab" {
		t.Fatalf("expected idx_ab (longer prefix match), got %s", plan.Index.Name)
	}
}

func TestSelectReturnsFalseWhenNoIndexCoversLeadingFilter(t *testing.T) {
	indices := []Def{{Name: "idx_b", Columns: []string{"b"}}}
	filters := []Filter{{Column: "a", Op: OpEq}}

	_, ok := Select(indices, filters, []string{"a"})
	if ok {
		t.Fatal("expected no candidate index to be selected")
	}
}

func TestSelectTreatsMidPatternLikeAsUnusable(t *testing.T) {
	indices := []Def{{Name: "idx_a", Columns: []string{"a"}}}
	filters := []Filter{{Column: "a", Op: OpLike, Pattern: "%abc%"}}

	_, ok := Select(indices, filters, []string{"a"})
	if ok {
		t.Fatal("expected a mid-pattern (contains) LIKE to fall back to scan, not index seek")
	}
}
