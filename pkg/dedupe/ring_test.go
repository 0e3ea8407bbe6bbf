package dedupe

import (
	"fmt"
	"testing"
)

func TestRingMembership(t *testing.T) {
	r := NewRing(4)

	if r.Contains("a") {
		t.Error("empty ring should not contain \"a\"")
	}

	if added := r.Add("a"); !added {
		t.Error("Add(\"a\") on empty ring should report newly added")
	}
	if !r.Contains("a") {
		t.Error("ring should contain \"a\" after Add")
	}
	if added := r.Add("a"); added {
		t.Error("Add(\"a\") again should report not newly added")
	}
}

func TestRingEvictsOldestWhenFull(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 3; i++ {
		r.Add(fmt.Sprintf("id-%d", i))
	}
	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}

	// Adding a 4th ID evicts id-0.
	r.Add("id-3")

	if r.Contains("id-0") {
		t.Error("id-0 should have been evicted")
	}
	for _, id := range []string{"id-1", "id-2", "id-3"} {
		if !r.Contains(id) {
			t.Errorf("%s should still be present", id)
		}
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3 after eviction", r.Len())
	}
}

func TestRingDefaultCapacity(t *testing.T) {
	r := NewRing(0)
	if r.Capacity() != 256 {
		t.Errorf("Capacity() = %d, want 256 for non-positive input", r.Capacity())
	}
}
