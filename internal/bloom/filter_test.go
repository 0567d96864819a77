package bloom

import (
	"fmt"
	"testing"
)

func TestNoFalseNegatives(t *testing.T) {
	f := New(1000, 0.01)
	for i := 0; i < 1000; i++ {
		f.Add([]byte(fmt.Sprintf("item-%d", i)))
	}
	for i := 0; i < 1000; i++ {
		if !f.Contains([]byte(fmt.Sprintf("item-%d", i))) {
			t.Fatalf("added item-%d reported absent", i)
		}
	}
}

func TestFalsePositiveRate(t *testing.T) {
	f := New(1000, 0.01)
	for i := 0; i < 1000; i++ {
		f.Add([]byte(fmt.Sprintf("item-%d", i)))
	}
	positives := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if f.Contains([]byte(fmt.Sprintf("other-%d", i))) {
			positives++
		}
	}
	// configured for 1%; allow generous slack to keep the test stable
	if rate := float64(positives) / probes; rate > 0.05 {
		t.Errorf("false positive rate = %.4f, want under 0.05", rate)
	}
}

func TestEmptyFilterContainsNothing(t *testing.T) {
	f := New(16, 0.01)
	if f.Contains([]byte("anything")) {
		t.Error("empty filter reported a hit")
	}
}
