package evidence

import "testing"

func TestSort_ScoreDescending(t *testing.T) {
	items := []Evidence{
		{Source: "a", Score: 0.2},
		{Source: "b", Score: 0.9},
		{Source: "c", Score: 0.5},
	}
	Sort(items)
	if items[0].Source != "b" || items[1].Source != "c" || items[2].Source != "a" {
		t.Errorf("unexpected order: %v", items)
	}
}

func TestSort_TieBreaksOnSource(t *testing.T) {
	items := []Evidence{
		{Source: "z-doc", Score: 0.5},
		{Source: "a-doc", Score: 0.5},
	}
	Sort(items)
	if items[0].Source != "a-doc" {
		t.Errorf("expected a-doc first on tie, got %s", items[0].Source)
	}
}

func TestMerge_DropsDuplicateSources(t *testing.T) {
	base := []Evidence{
		{Source: "policies/prod.md", Score: 0.9},
		{Source: "policies/budget.md", Score: 0.7},
	}
	extra := []Evidence{
		{Source: "policies/budget.md", Score: 0.95},
		{Source: "policies/scaling.md", Score: 0.6},
	}
	merged := Merge(base, extra)
	if len(merged) != 3 {
		t.Fatalf("expected 3 items after dedupe, got %d: %v", len(merged), merged)
	}
	if merged[0].Source != "policies/prod.md" {
		t.Errorf("expected highest base score first, got %s", merged[0].Source)
	}
	// The base copy of the duplicate wins; its score must be preserved.
	for _, e := range merged {
		if e.Source == "policies/budget.md" && e.Score != 0.7 {
			t.Errorf("expected base duplicate to win, got score %v", e.Score)
		}
	}
}

func TestMerge_KeepsUnsourcedItems(t *testing.T) {
	merged := Merge([]Evidence{{Title: "x", Score: 0.3}}, []Evidence{{Title: "y", Score: 0.4}})
	if len(merged) != 2 {
		t.Fatalf("expected unsourced items kept, got %d", len(merged))
	}
}

func TestTop(t *testing.T) {
	items := []Evidence{{Source: "a"}, {Source: "b"}, {Source: "c"}}
	if got := Top(items, 2); len(got) != 2 {
		t.Errorf("Top(2) returned %d items", len(got))
	}
	if got := Top(items, 10); len(got) != 3 {
		t.Errorf("Top(10) returned %d items", len(got))
	}
	if got := Top(items, -1); len(got) != 0 {
		t.Errorf("Top(-1) returned %d items", len(got))
	}
}
