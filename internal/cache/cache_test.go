package cache_test

import (
	"testing"

	"github.com/intel/flexmalloc/internal/cache"
)

func TestCapRoundsUpToPowerOfTwo(t *testing.T) {
	c := cache.New(5)
	if got, want := c.Cap(), 8; got != want {
		t.Fatalf("Cap() = %d, want %d", got, want)
	}
}

func TestRememberThenLookupHits(t *testing.T) {
	c := cache.New(4)
	frames := []uintptr{1, 2, 3}
	// Remember with a nil backend exercises the "no rule" path (invariant
	// F1); the populated-backend path is covered by the router-level
	// integration tests.
	c.Remember(frames, nil, 7)
	got, id, hit, tooLong := c.Lookup(frames)
	if !hit || tooLong {
		t.Fatalf("Lookup = (%v,%d,%v,%v), want a hit", got, id, hit, tooLong)
	}
	if id != 7 {
		t.Fatalf("id = %d, want 7", id)
	}
}

func TestLookupMissForUnknownStack(t *testing.T) {
	c := cache.New(4)
	c.Remember([]uintptr{1, 2}, nil, 1)
	_, _, hit, tooLong := c.Lookup([]uintptr{3, 4})
	if hit || tooLong {
		t.Fatalf("expected clean miss, got hit=%v tooLong=%v", hit, tooLong)
	}
}

func TestLookupTooLong(t *testing.T) {
	c := cache.New(4)
	long := make([]uintptr, cache.MaxCachedDepth+1)
	_, _, hit, tooLong := c.Lookup(long)
	if hit || !tooLong {
		t.Fatalf("expected too-long miss, got hit=%v tooLong=%v", hit, tooLong)
	}
}

func TestFIFOEvictionOverwritesOldestSlot(t *testing.T) {
	c := cache.New(2)
	c.Remember([]uintptr{1}, nil, 1)
	c.Remember([]uintptr{2}, nil, 2)
	c.Remember([]uintptr{3}, nil, 3) // evicts the entry for {1}

	if _, _, hit, _ := c.Lookup([]uintptr{1}); hit {
		t.Fatalf("stack {1} should have been evicted")
	}
	if _, id, hit, _ := c.Lookup([]uintptr{2}); !hit || id != 2 {
		t.Fatalf("stack {2} should still be cached")
	}
	if _, id, hit, _ := c.Lookup([]uintptr{3}); !hit || id != 3 {
		t.Fatalf("stack {3} should be cached")
	}
}
