package search

import (
	"testing"
)

func testItems() []Item {
	return []Item{
		{ID: "1", Title: "Ceramic Coffee Mug", Description: "<p>A sturdy ceramic mug for coffee or tea.</p>"},
		{ID: "2", Title: "Travel Coffee Tumbler", Description: "Insulated tumbler that keeps coffee hot for hours."},
		{ID: "3", Title: "Green Tea Sampler", Description: "A box of loose-leaf green tea."},
		{ID: "4", Title: "Baseball Cap", Description: "Cotton cap, one size fits all."},
	}
}

func TestTopK_RanksByOverlap(t *testing.T) {
	idx := NewIndex(testItems())
	got := idx.TopK("coffee mug", 3)
	if len(got) == 0 {
		t.Fatal("expected matches")
	}
	if got[0].ID != "1" {
		t.Errorf("top result = %s (%s), want item 1", got[0].ID, got[0].Title)
	}
	for _, r := range got {
		if r.ID == "4" {
			t.Errorf("cap should not match a coffee query: %+v", got)
		}
	}
}

func TestTopK_DeterministicTieBreak(t *testing.T) {
	items := []Item{
		{ID: "b", Title: "Red Scarf"},
		{ID: "a", Title: "Red Scarf"},
	}
	idx := NewIndex(items)
	first := idx.TopK("red scarf", 2)
	for i := 0; i < 10; i++ {
		again := idx.TopK("red scarf", 2)
		if len(again) != len(first) {
			t.Fatal("result length changed between calls")
		}
		for j := range again {
			if again[j].ID != first[j].ID {
				t.Fatalf("order changed on run %d: %v vs %v", i, again, first)
			}
		}
	}
	if first[0].ID != "a" {
		t.Errorf("tie should break by id: %+v", first)
	}
}

func TestTopK_EmptyAndNoMatch(t *testing.T) {
	idx := NewIndex(testItems())
	if got := idx.TopK("", 3); got != nil {
		t.Errorf("empty query: got %v", got)
	}
	if got := idx.TopK("   ", 3); got != nil {
		t.Errorf("blank query: got %v", got)
	}
	if got := idx.TopK("zzzz qqqq", 3); got != nil {
		t.Errorf("no-overlap query: got %v", got)
	}
	empty := NewIndex(nil)
	if got := empty.TopK("coffee", 3); got != nil {
		t.Errorf("empty index: got %v", got)
	}
}

func TestTopK_StopwordsAndCap(t *testing.T) {
	idx := NewIndex(testItems(), WithStopwords([]string{"the", "a", "for"}))
	got := idx.TopK("the coffee", 1)
	if len(got) != 1 {
		t.Fatalf("k cap not applied: %v", got)
	}
}

func TestNewIndex_SkipsTokenlessItems(t *testing.T) {
	idx := NewIndex([]Item{
		{ID: "1", Title: "   ", Description: "<br/>"},
		{ID: "2", Title: "Tea"},
	})
	got := idx.TopK("tea", 5)
	if len(got) != 1 || got[0].ID != "2" {
		t.Errorf("got %v", got)
	}
}

func TestNormalizeText(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"plain text", "plain text"},
		{"<p>Hello <b>world</b></p>", "Hello world"},
		{"caf&eacute;&nbsp;&amp; bar", "café & bar"},
		{"  a \n\n b  ", "a b"},
	}
	for _, c := range cases {
		if got := NormalizeText(c.in); got != c.want {
			t.Errorf("NormalizeText(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestExcerpt_CutsOnWordBoundary(t *testing.T) {
	in := "An insulated stainless tumbler that keeps drinks hot for many hours"
	got := Excerpt(in, 30)
	if len([]rune(got)) > 31 {
		t.Errorf("excerpt too long: %q", got)
	}
	if got[len(got)-3:] != "…" {
		t.Errorf("excerpt missing ellipsis: %q", got)
	}
	if Excerpt("short", 30) != "short" {
		t.Error("short text must pass through unchanged")
	}
}
