package smallpool_test

import (
	"testing"

	"github.com/intel/flexmalloc/backend/smallpool"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	b := smallpool.New(64, 4)
	user := b.Acquire(32)
	if user == nil {
		t.Fatalf("Acquire returned nil")
	}
	if got := b.UsableSize(user); got != 32 {
		t.Fatalf("UsableSize = %d, want 32", got)
	}
	b.Release(user)
}

func TestAcquireRefusesOversizeRequest(t *testing.T) {
	b := smallpool.New(64, 4)
	if b.Acquire(128) != nil {
		t.Fatalf("expected nil for a request larger than the slot size")
	}
}

func TestFitsReflectsSlotSize(t *testing.T) {
	b := smallpool.New(64, 4)
	if !b.Fits(64) {
		t.Fatalf("expected exact-slot-size request to fit")
	}
	if b.Fits(65) {
		t.Fatalf("expected oversize request to not fit")
	}
}

func TestPoolExhaustionFallsThroughToNil(t *testing.T) {
	b := smallpool.New(16, 2)
	a := b.Acquire(8)
	c := b.Acquire(8)
	if a == nil || c == nil {
		t.Fatalf("expected both slots to be servable")
	}
	if b.Acquire(8) != nil {
		t.Fatalf("expected a 3rd acquire to fail: pool only has 2 slots")
	}
	b.Release(a)
	if b.Acquire(8) == nil {
		t.Fatalf("expected a slot to be available again after Release")
	}
}

func TestResizeNeverGrowsInPlace(t *testing.T) {
	b := smallpool.New(64, 4)
	user := b.Acquire(16)
	if grown := b.Resize(user, 32); grown != nil {
		t.Fatalf("expected Resize to refuse in-place growth for a fixed-slot backend")
	}
	if same := b.Resize(user, 8); same == nil {
		t.Fatalf("expected Resize to no-op when n <= current size")
	}
}
