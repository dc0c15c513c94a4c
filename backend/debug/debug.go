// Package debug implements the diagnostic wrapper backend: a decorator
// around another backend that keeps its own statistics (so a caller can
// compare "what debug-tagged code asked for" against the delegate's
// totals) and poisons freed memory so a use-after-free shows up as a
// recognizable byte pattern instead of silently-reused data.
//
// Grounded on original_source/src/allocator-debug.hxx/.cxx: AllocatorDebug
// wraps an AllocatorPOSIX, keeps a separate AllocatorStatistics, and
// re-stamps every header's allocator field to itself after delegating.
// Poisoning is not in the original decorator; it is the natural enrichment
// of a "debug" backend, in the spirit of the original's own test-mode
// stance (its test fixtures exercise canary patterns this way too).
package debug

import (
	"io"
	"sync/atomic"

	"github.com/intel/flexmalloc/internal/backend"
	"github.com/intel/flexmalloc/internal/header"
	"github.com/intel/flexmalloc/internal/membuf"
	"github.com/intel/flexmalloc/internal/stats"
)

// poisonByte fills freed regions; a read of this byte in a block that
// should have been released is a use-after-free.
const poisonByte = 0xDE

// Backend delegates every request to an inner backend while keeping its
// own statistics and poisoning released memory.
type Backend struct {
	stats.Recorder
	used  atomic.Bool
	inner backend.Backend
}

// New wraps inner in a statistics- and poisoning-aware decorator.
func New(inner backend.Backend) *Backend {
	return &Backend{inner: inner}
}

func (b *Backend) Name() string        { return "debug" }
func (b *Backend) Description() string { return "diagnostic wrapper over " + b.inner.Name() }

// restamp sets the header's owner to this debug backend so Release/Resize on
// this block route back through debug rather than being mistaken for a
// direct allocation from the inner backend.
func (b *Backend) restamp(user []byte) []byte {
	if user == nil {
		return nil
	}
	header.Of(membuf.AddrOf(user)).Backend = b
	return user
}

func (b *Backend) Acquire(n uintptr) []byte {
	user := b.restamp(b.inner.Acquire(n))
	if user != nil {
		b.RecordAcquire(n)
	}
	return user
}

func (b *Backend) AcquireZeroed(n, m uintptr) []byte {
	user := b.restamp(b.inner.AcquireZeroed(n, m))
	if user != nil {
		b.RecordAcquireZeroed(n, m)
	}
	return user
}

func (b *Backend) AcquireAligned(align, n uintptr) []byte {
	user := b.restamp(b.inner.AcquireAligned(align, n))
	if user != nil {
		b.RecordAcquireAligned(n)
	}
	return user
}

func (b *Backend) Release(user []byte) {
	h := header.Of(membuf.AddrOf(user))
	b.RecordRelease(h.Size)
	for i := range user {
		user[i] = poisonByte
	}
	h.Backend = b.inner
	b.inner.Release(user)
}

func (b *Backend) Resize(user []byte, n uintptr) []byte {
	h := header.Of(membuf.AddrOf(user))
	prevSize := h.Size
	h.Backend = b.inner
	grown := b.inner.Resize(user, n)
	if grown == nil {
		h.Backend = b // restore on refusal; block is unchanged
		return nil
	}
	b.RecordResize(prevSize, n)
	return b.restamp(grown)
}

func (b *Backend) UsableSize(user []byte) uintptr {
	return header.Of(membuf.AddrOf(user)).Size
}

func (b *Backend) Memcpy(dst, src []byte) { b.inner.Memcpy(dst, src) }

func (b *Backend) Fits(n uintptr) bool { return b.inner.Fits(n) }

func (b *Backend) Configure(line string) error { return nil }

func (b *Backend) Used() bool     { return b.used.Load() }
func (b *Backend) SetUsed(v bool) { b.used.Store(v); b.inner.SetUsed(v) }
func (b *Backend) Ready() bool    { return b.inner.Ready() }

func (b *Backend) ShowStatistics(w io.Writer) {
	if !b.Used() {
		return
	}
	b.Recorder.Show(w, b.Name())
}
