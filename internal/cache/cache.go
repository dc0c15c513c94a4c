// Package cache implements the call-stack cache (component F): a
// fixed-size, FIFO-evicted memo from a raw call stack to the (backend,
// rule id) pair the classifier previously chose for it, so that repeated
// allocations from the same call site skip re-resolution and re-matching.
//
// Grounded on original_source/src/cache-callstack.hxx/.cxx. Per the
// §4.F the cache is a linear-scan structure, not a hash table — the
// workload is dominated by a handful of recurring stacks, so a short scan
// over a small capacity is cheap and keeps eviction trivial (F2: the router
// only builds a cache in source mode; in raw mode every allocation goes
// straight to classifier.Match, which has no separate pc-indexed path. This
// package itself is mode-agnostic and compares raw pcs either way).
package cache

import (
	"github.com/intel/flexmalloc/internal/backend"
)

// MaxCachedDepth is the compile-time limit on how many frames a single
// cache entry can store ("max_cached_depth").
const MaxCachedDepth = 32

type entry struct {
	depth   int
	frames  [MaxCachedDepth]uintptr
	backend backend.Backend
	ruleID  uint32
	valid   bool
}

// Cache is a fixed-capacity, FIFO-evicted stack-to-decision memo. It is not
// safe for concurrent use on its own — the router serializes every access
// under its single dispatch lock, matching the original's
// concurrency model.
type Cache struct {
	entries []entry
	fill    int
	cursor  int
}

// New creates a Cache whose capacity is rounded up to the next power of
// two, mirroring the rounding technique in code.hybscloud.com/iobuf's
// NewBoundedPool.
func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	capacity = nextPowerOfTwo(capacity)
	return &Cache{entries: make([]entry, capacity)}
}

func nextPowerOfTwo(n int) int {
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n++
	return n
}

// Cap returns the cache's rounded capacity.
func (c *Cache) Cap() int { return len(c.entries) }

// Lookup reports the previously remembered (backend, rule id) decision for
// frames, or a miss. A stack deeper than MaxCachedDepth is reported as a
// "too long" miss (tooLong=true) and is never a candidate for a hit.
func (c *Cache) Lookup(frames []uintptr) (be backend.Backend, ruleID uint32, hit bool, tooLong bool) {
	if len(frames) > MaxCachedDepth {
		return nil, 0, false, true
	}
	for i := 0; i < c.fill; i++ {
		e := &c.entries[i]
		if !e.valid || e.depth != len(frames) {
			continue
		}
		if framesEqual(e.frames[:e.depth], frames) {
			return e.backend, e.ruleID, true, false
		}
	}
	return nil, 0, false, false
}

func framesEqual(a []uintptr, b []uintptr) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Remember inserts (or overwrites, once at capacity) an entry for frames.
// A stack that classified to "no rule" is still inserted, with be=nil, so
// repeated unclassified stacks remain O(scan) instead of re-entering the
// classifier every time (invariant F1). Stacks longer than MaxCachedDepth
// are silently not remembered — they are always routed through the
// classifier directly.
func (c *Cache) Remember(frames []uintptr, be backend.Backend, ruleID uint32) {
	if len(frames) > MaxCachedDepth {
		return
	}
	var e entry
	e.depth = len(frames)
	copy(e.frames[:], frames)
	e.backend = be
	e.ruleID = ruleID
	e.valid = true

	if c.fill < len(c.entries) {
		c.entries[c.fill] = e
		c.fill++
		return
	}
	c.entries[c.cursor] = e
	c.cursor = (c.cursor + 1) % len(c.entries)
}
