package remote

import (
	"context"
	"testing"
)

func TestSyntheticDeterministic(t *testing.T) {
	s := NewSynthetic(SyntheticConfig{Density: 0.5, Seed: 7})
	cur := Cursor{Next: 0, End: 1000}

	first, _, err := s.FetchPage(context.Background(), cur, 1000)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	second, _, err := s.FetchPage(context.Background(), cur, 1000)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("same seed produced %d then %d records", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || string(first[i].Payload) != string(second[i].Payload) {
			t.Fatalf("record %d differs between identical fetches", i)
		}
	}
	// Density 0.5 over 1000 ids should land well inside [300,700].
	if len(first) < 300 || len(first) > 700 {
		t.Errorf("got %d records from 1000 ids at density 0.5", len(first))
	}
}

func TestSyntheticPagination(t *testing.T) {
	s := NewSynthetic(SyntheticConfig{Density: 1, Seed: 1})
	cur := Cursor{Next: 0, End: 250}
	var total int
	for cur.Next < cur.End {
		recs, next, err := s.FetchPage(context.Background(), cur, 100)
		if err != nil {
			t.Fatalf("FetchPage() error = %v", err)
		}
		if len(recs) > 100 {
			t.Fatalf("page of %d exceeds page size", len(recs))
		}
		for _, r := range recs {
			if r.ID < cur.Next || r.ID >= next.Next {
				t.Fatalf("record id %d outside page [%d,%d)", r.ID, cur.Next, next.Next)
			}
		}
		total += len(recs)
		cur = next
	}
	if total != 250 {
		t.Fatalf("paginated %d records, want 250 at density 1", total)
	}
}

func TestSyntheticResolveBatch(t *testing.T) {
	s := NewSynthetic(SyntheticConfig{})
	got, err := s.ResolveBatch(context.Background(), []uint64{1, 5, 9})
	if err != nil {
		t.Fatalf("ResolveBatch() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("resolved %d entities, want 3", len(got))
	}
	if got[5].Name != "sender-5" {
		t.Errorf("entity 5 = %+v", got[5])
	}
}
