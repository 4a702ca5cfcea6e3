package shard

import (
	"testing"

	"github.com/histflow/histflow/internal/record"
)

func TestChunkAssign(t *testing.T) {
	ch := &Chunk{Start: 100, End: 200, fetchedThrough: 100}
	if ch.Status != StatusPending {
		t.Fatalf("fresh chunk status = %v, want pending", ch.Status)
	}
	ch.assign(3)
	if ch.Status != StatusAssigned {
		t.Errorf("status after assign = %v, want assigned", ch.Status)
	}
	if ch.Worker != 3 {
		t.Errorf("worker = %d, want 3", ch.Worker)
	}
}

func TestPartitionCoversSpace(t *testing.T) {
	tests := []struct {
		name  string
		space record.IDSpace
		n     int
	}{
		{"even", record.IDSpace{Low: 0, High: 10000}, 4},
		{"remainder", record.IDSpace{Low: 0, High: 10}, 3},
		{"offset", record.IDSpace{Low: 5000, High: 5007}, 2},
		{"more chunks than ids", record.IDSpace{Low: 0, High: 3}, 8},
		{"single", record.IDSpace{Low: 42, High: 43}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := Partition(tt.space, tt.n)
			if err != nil {
				t.Fatalf("Partition() error = %v", err)
			}
			if len(chunks) == 0 {
				t.Fatal("no chunks")
			}
			if chunks[0].Start != tt.space.Low {
				t.Errorf("first chunk starts at %d, want %d", chunks[0].Start, tt.space.Low)
			}
			if last := chunks[len(chunks)-1]; last.End != tt.space.High {
				t.Errorf("last chunk ends at %d, want %d", last.End, tt.space.High)
			}
			for i := 1; i < len(chunks); i++ {
				if chunks[i].Start != chunks[i-1].End {
					t.Errorf("gap or overlap between chunk %d and %d: %d != %d",
						i-1, i, chunks[i-1].End, chunks[i].Start)
				}
			}
			var min, max uint64 = chunks[0].Width(), chunks[0].Width()
			for _, c := range chunks {
				if w := c.Width(); w < min {
					min = w
				} else if w > max {
					max = w
				}
			}
			if max-min > 1 {
				t.Errorf("chunk widths differ by %d, want at most 1", max-min)
			}
		})
	}
}

func TestPartitionEmptySpace(t *testing.T) {
	chunks, err := Partition(record.IDSpace{Low: 100, High: 100}, 4)
	if err != nil {
		t.Fatalf("Partition() error = %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("got %d chunks for empty space", len(chunks))
	}
}

func TestPartitionRejectsBadInput(t *testing.T) {
	if _, err := Partition(record.IDSpace{Low: 0, High: 100}, 0); err == nil {
		t.Error("zero chunk count accepted")
	}
	if _, err := Partition(record.IDSpace{Low: 100, High: 10}, 4); err == nil {
		t.Error("inverted space accepted")
	}
}

func TestSplitAtPreservesCoverage(t *testing.T) {
	c := &Chunk{Start: 1000, End: 2000, fetchedThrough: 1000}
	upper := c.splitAt(1200)
	if upper == nil {
		t.Fatal("splitAt() returned nil")
	}
	if c.End != upper.Start {
		t.Errorf("halves not contiguous: lower ends %d, upper starts %d", c.End, upper.Start)
	}
	if upper.End != 2000 {
		t.Errorf("upper end = %d, want 2000", upper.End)
	}
	if upper.Start != 1200+(2000-1200)/2 {
		t.Errorf("split point = %d, want midpoint of remainder", upper.Start)
	}
	if !c.split || !upper.split {
		t.Error("both halves must be marked split")
	}
}

func TestSplitAtTinyRemainder(t *testing.T) {
	c := &Chunk{Start: 0, End: 10}
	if upper := c.splitAt(9); upper != nil {
		t.Errorf("split of 1-id remainder produced %+v", upper)
	}
	if c.End != 10 {
		t.Errorf("failed split mutated the chunk: end = %d", c.End)
	}
}
