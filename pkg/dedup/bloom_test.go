package dedup

import (
	"encoding/binary"
	"testing"
)

func itemFor(i int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(i))
	return buf
}

func TestFilterNoFalseNegatives(t *testing.T) {
	f := New(1000, 0.01)

	for i := 0; i < 1000; i++ {
		f.Insert(itemFor(i))
	}
	for i := 0; i < 1000; i++ {
		if !f.Contains(itemFor(i)) {
			t.Fatalf("Contains(%d) = false after Insert, want true", i)
		}
	}
}

func TestFilterInsertIdempotent(t *testing.T) {
	f := New(100, 0.01)
	f.Insert(itemFor(1))
	f.Insert(itemFor(1))
	f.Insert(itemFor(1))
	if !f.Contains(itemFor(1)) {
		t.Fatalf("Contains() = false, want true")
	}
}

func TestFilterObservedFPRWithinBound(t *testing.T) {
	const n = 2000
	const targetFPR = 0.01
	f := New(n, targetFPR)

	for i := 0; i < n; i++ {
		f.Insert(itemFor(i))
	}

	falsePositives := 0
	trials := 5000
	for i := n; i < n+trials; i++ {
		if f.Contains(itemFor(i)) {
			falsePositives++
		}
	}
	observed := float64(falsePositives) / float64(trials)
	if observed > 2*targetFPR {
		t.Fatalf("observed FPR %.4f exceeds 2x target %.4f", observed, targetFPR)
	}
}

func TestFilterResetForgetsItems(t *testing.T) {
	f := New(100, 0.01)
	f.Insert(itemFor(42))
	if !f.Contains(itemFor(42)) {
		t.Fatalf("Contains() = false before Reset, want true")
	}
	f.Reset()
	if f.Contains(itemFor(42)) {
		t.Fatalf("Contains() = true after Reset, want false (bits cleared)")
	}
	if f.EstimatedFPR() != 0 {
		t.Fatalf("EstimatedFPR() after Reset = %v, want 0", f.EstimatedFPR())
	}
}

func TestNewClampsBitAndHashCounts(t *testing.T) {
	f := New(1, 0.5)
	if f.m < 64 {
		t.Fatalf("m = %d, want >= 64", f.m)
	}
	if f.k < 1 || f.k > 10 {
		t.Fatalf("k = %d, want in [1,10]", f.k)
	}
}
