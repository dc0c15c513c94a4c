package debug_test

import (
	"testing"

	debugbe "github.com/intel/flexmalloc/backend/debug"
	"github.com/intel/flexmalloc/backend/posix"
	"github.com/intel/flexmalloc/internal/header"
	"github.com/intel/flexmalloc/internal/membuf"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	b := debugbe.New(posix.New())
	user := b.Acquire(48)
	if user == nil {
		t.Fatalf("Acquire returned nil")
	}
	if got := b.UsableSize(user); got != 48 {
		t.Fatalf("UsableSize = %d, want 48", got)
	}
	b.Release(user)
}

func TestReleasePoisonsMemory(t *testing.T) {
	b := debugbe.New(posix.New())
	user := b.Acquire(16)
	for i := range user {
		user[i] = 1
	}
	b.Release(user)
	for i, v := range user {
		if v != 0xDE {
			t.Fatalf("byte %d = %#x, want 0xDE (poisoned)", i, v)
		}
	}
}

func TestResizeRestampsHeaderToDebugBackend(t *testing.T) {
	b := debugbe.New(posix.New())
	user := b.Acquire(8)
	grown := b.Resize(user, 64)
	if grown == nil {
		t.Fatalf("Resize returned nil")
	}
	if got := b.UsableSize(grown); got != 64 {
		t.Fatalf("UsableSize = %d, want 64", got)
	}
	if owner := header.Of(membuf.AddrOf(grown)).Backend.Name(); owner != "debug" {
		t.Fatalf("header owner = %s, want debug", owner)
	}
	b.Release(grown)
}
