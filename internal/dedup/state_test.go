package dedup

import (
	"os"
	"path/filepath"
	"testing"
)

func TestForRun_FreshIsExact(t *testing.T) {
	tr, err := ForRun(nil, DefaultConfig())
	if err != nil {
		t.Fatalf("ForRun() error = %v", err)
	}
	if tr.Mode() != ModeExact {
		t.Errorf("fresh run mode = %v, want exact", tr.Mode())
	}
}

func TestForRun_ZeroCountStateIsExact(t *testing.T) {
	tr, err := ForRun(&State{Count: 0}, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if tr.Mode() != ModeExact {
		t.Errorf("zero-count resume mode = %v, want exact", tr.Mode())
	}
}

func TestSaveLoadExactThenResumeAsBloom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedup.snap")

	fresh := NewExactTracker()
	for id := uint64(100); id < 600; id++ {
		fresh.Mark(id)
	}
	if err := Save(path, fresh); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	prior := Load(path)
	if prior == nil {
		t.Fatal("Load() returned no state")
	}
	if prior.Count != 500 {
		t.Errorf("prior count = %d, want 500", prior.Count)
	}

	resumed, err := ForRun(prior, DefaultConfig())
	if err != nil {
		t.Fatalf("ForRun() error = %v", err)
	}
	if resumed.Mode() != ModeBloom {
		t.Fatalf("resumed mode = %v, want bloom", resumed.Mode())
	}
	// No false negatives across the resume boundary.
	for id := uint64(100); id < 600; id++ {
		if !resumed.Seen(id) {
			t.Fatalf("resumed tracker lost id %d", id)
		}
	}
}

func TestSaveLoadBloomRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedup.snap")

	tr := NewBloomTracker(10000, 0.01)
	for id := uint64(0); id < 3000; id += 3 {
		tr.Mark(id)
	}
	if err := Save(path, tr); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	prior := Load(path)
	if prior == nil {
		t.Fatal("Load() returned no state")
	}
	resumed, err := ForRun(prior, DefaultConfig())
	if err != nil {
		t.Fatalf("ForRun() error = %v", err)
	}
	if resumed.Mode() != ModeBloom {
		t.Fatalf("mode = %v, want bloom", resumed.Mode())
	}
	if resumed.Count() != tr.Count() {
		t.Errorf("count = %d, want %d", resumed.Count(), tr.Count())
	}
	for id := uint64(0); id < 3000; id += 3 {
		if !resumed.Seen(id) {
			t.Fatalf("restored filter lost id %d", id)
		}
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	if st := Load(filepath.Join(t.TempDir(), "absent.snap")); st != nil {
		t.Errorf("Load(missing) = %+v, want nil", st)
	}
}

func TestLoadCorruptReturnsNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedup.snap")
	if err := os.WriteFile(path, []byte("not a snapshot"), 0600); err != nil {
		t.Fatal(err)
	}
	if st := Load(path); st != nil {
		t.Errorf("Load(corrupt) = %+v, want nil", st)
	}
}

func TestDecodeStateRejectsGarbageBody(t *testing.T) {
	// Valid snapshot framing, garbage tracker body.
	if _, err := decodeState([]byte{stateVersion, 42, 0, 0, 0, 0, 0, 0, 0, 0}); err == nil {
		t.Error("expected error for unknown mode")
	}
	if _, err := decodeState([]byte{99}); err == nil {
		t.Error("expected error for truncated body")
	}
}

func TestExactDeltaEncodingSparseIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedup.snap")

	tr := NewExactTracker()
	ids := []uint64{1, 7, 1 << 20, 1 << 40, 1<<40 + 1}
	for _, id := range ids {
		tr.Mark(id)
	}
	if err := Save(path, tr); err != nil {
		t.Fatal(err)
	}

	prior := Load(path)
	if prior == nil {
		t.Fatal("Load() returned no state")
	}
	resumed, err := ForRun(prior, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		if !resumed.Seen(id) {
			t.Errorf("lost sparse id %d", id)
		}
	}
}
