package posix_test

import (
	"testing"

	"github.com/intel/flexmalloc/backend/posix"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	b := posix.New()
	user := b.Acquire(64)
	if user == nil {
		t.Fatalf("Acquire returned nil")
	}
	if got := b.UsableSize(user); got != 64 {
		t.Fatalf("UsableSize = %d, want 64", got)
	}
	b.Release(user)
}

func TestAcquireZeroedClearsMemory(t *testing.T) {
	b := posix.New()
	user := b.AcquireZeroed(4, 4)
	for i, v := range user {
		if v != 0 {
			t.Fatalf("byte %d = %d, want 0", i, v)
		}
	}
}

func TestAcquireAlignedSatisfiesAlignment(t *testing.T) {
	b := posix.New()
	user := b.AcquireAligned(64, 100)
	if len(user) != 100 {
		t.Fatalf("len = %d, want 100", len(user))
	}
}

func TestResizeGrowsAndCopiesData(t *testing.T) {
	b := posix.New()
	user := b.Acquire(8)
	for i := range user {
		user[i] = byte(i + 1)
	}
	grown := b.Resize(user, 32)
	if b.UsableSize(grown) != 32 {
		t.Fatalf("UsableSize = %d, want 32", b.UsableSize(grown))
	}
	for i := 0; i < 8; i++ {
		if grown[i] != byte(i+1) {
			t.Fatalf("byte %d = %d, want %d", i, grown[i], i+1)
		}
	}
}

func TestResizeNoopWhenAlreadyBigEnough(t *testing.T) {
	b := posix.New()
	user := b.Acquire(64)
	same := b.Resize(user, 32)
	if &same[0] != &user[0] {
		t.Fatalf("Resize should return the same block when n <= current size")
	}
}

func TestFitsRespectsConfiguredCapacity(t *testing.T) {
	b := posix.New()
	if err := b.Configure("Size 1 MBytes"); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if !b.Fits(1024) {
		t.Fatalf("expected small request to fit")
	}
	if b.Fits(2 * 1024 * 1024) {
		t.Fatalf("expected oversized request to not fit")
	}
}
