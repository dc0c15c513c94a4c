// Package stats implements the per-backend statistics recorder (component
// D): invocation counters, running byte totals/min/max, and a water-mark
// with historical peak.
//
// Grounded on original_source/src/allocator-statistics.hxx/.cxx. Field
// names follow that layout; the per-operation counters are generalized
// into a reusable opStat so that Acquire/AcquireZeroed/AcquireAligned/
// Resize share one implementation instead of four near-identical blocks.
package stats

import (
	"fmt"
	"io"
	"sync/atomic"
)

// opStat tracks invocation count plus running total/min/max bytes for one
// kind of operation (malloc, calloc, aligned-malloc, or realloc in the
// original's terms).
type opStat struct {
	calls atomic.Uint64
	total atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
}

func (s *opStat) record(n uintptr) {
	s.calls.Add(1)
	s.total.Add(uint64(n))
	for {
		cur := s.min.Load()
		if cur != 0 && cur <= uint64(n) {
			break
		}
		if s.min.CompareAndSwap(cur, uint64(n)) {
			break
		}
	}
	for {
		cur := s.max.Load()
		if cur >= uint64(n) {
			break
		}
		if s.max.CompareAndSwap(cur, uint64(n)) {
			break
		}
	}
}

func (s *opStat) snapshot() (calls, total, min, max uint64) {
	return s.calls.Load(), s.total.Load(), s.min.Load(), s.max.Load()
}

// Recorder is the statistics block embedded in every concrete backend. All
// methods are safe for concurrent use, though in practice every call runs
// under the router's single dispatch lock.
type Recorder struct {
	acquire        opStat
	acquireZeroed  opStat
	acquireAligned opStat
	resize         opStat
	releases       atomic.Uint64

	unfittedAcquire       atomic.Uint64
	unfittedAcquireBytes  atomic.Uint64
	unfittedZeroed        atomic.Uint64
	unfittedZeroedBytes   atomic.Uint64
	unfittedAligned       atomic.Uint64
	unfittedAlignedBytes  atomic.Uint64
	unfittedResize        atomic.Uint64
	unfittedResizeBytes   atomic.Uint64
	sourceReallocCalls    atomic.Uint64
	sourceReallocBytes    atomic.Uint64
	targetReallocCalls    atomic.Uint64
	targetReallocBytes    atomic.Uint64
	selfReallocCalls      atomic.Uint64
	selfReallocBytes      atomic.Uint64
	reallocForwardedCalls atomic.Uint64

	currentWaterMark atomic.Int64
	peakWaterMark    atomic.Uint64
}

// RecordAcquire records a successful Acquire(n) and raises the water mark.
func (r *Recorder) RecordAcquire(n uintptr) {
	r.acquire.record(n)
	r.grow(n)
}

// RecordAcquireZeroed records a successful AcquireZeroed and raises the
// water mark by n*m bytes.
func (r *Recorder) RecordAcquireZeroed(n, m uintptr) {
	bytes := n * m
	r.acquireZeroed.record(bytes)
	r.grow(bytes)
}

// RecordAcquireAligned records a successful AcquireAligned and raises the
// water mark.
func (r *Recorder) RecordAcquireAligned(n uintptr) {
	r.acquireAligned.record(n)
	r.grow(n)
}

// RecordResize records a resize from prevSize to newSize, adjusting the
// water mark by the delta ("subtract the prior size, add the new size").
func (r *Recorder) RecordResize(prevSize, newSize uintptr) {
	r.resize.record(newSize)
	r.shrink(prevSize)
	r.grow(newSize)
}

// RecordRelease records a release of a block of the given size, clamping
// the water mark at zero to tolerate counter drift.
func (r *Recorder) RecordRelease(size uintptr) {
	r.releases.Add(1)
	r.shrink(size)
}

func (r *Recorder) grow(n uintptr) {
	cur := r.currentWaterMark.Add(int64(n))
	if cur < 0 {
		cur = 0
	}
	for {
		peak := r.peakWaterMark.Load()
		if uint64(cur) <= peak {
			break
		}
		if r.peakWaterMark.CompareAndSwap(peak, uint64(cur)) {
			break
		}
	}
}

func (r *Recorder) shrink(n uintptr) {
	for {
		cur := r.currentWaterMark.Load()
		next := cur - int64(n)
		if next < 0 {
			next = 0 // clamp: tolerate counter drift, never go negative
		}
		if r.currentWaterMark.CompareAndSwap(cur, next) {
			return
		}
	}
}

// WaterMark returns the bytes currently charged, per invariant T5.
func (r *Recorder) WaterMark() uintptr {
	v := r.currentWaterMark.Load()
	if v < 0 {
		return 0
	}
	return uintptr(v)
}

// PeakWaterMark returns the historical maximum water mark (invariant T4's
// backend-level counterpart).
func (r *Recorder) PeakWaterMark() uintptr { return uintptr(r.peakWaterMark.Load()) }

// RecordUnfittedAcquire, RecordUnfittedZeroed, RecordUnfittedAligned and
// RecordUnfittedResize implement the Backend.Record* family for capacity
// refusals (backend exhaustion).
func (r *Recorder) RecordUnfittedAcquire(n uintptr) {
	r.unfittedAcquire.Add(1)
	r.unfittedAcquireBytes.Add(uint64(n))
}
func (r *Recorder) RecordUnfittedZeroed(n uintptr) {
	r.unfittedZeroed.Add(1)
	r.unfittedZeroedBytes.Add(uint64(n))
}
func (r *Recorder) RecordUnfittedAligned(n uintptr) {
	r.unfittedAligned.Add(1)
	r.unfittedAlignedBytes.Add(uint64(n))
}
func (r *Recorder) RecordUnfittedResize(n uintptr) {
	r.unfittedResize.Add(1)
	r.unfittedResizeBytes.Add(uint64(n))
}

// RecordSourceRealloc records bytes copied out of this backend by a
// cross-backend realloc that moved the block elsewhere.
func (r *Recorder) RecordSourceRealloc(n uintptr) {
	r.sourceReallocCalls.Add(1)
	r.sourceReallocBytes.Add(uint64(n))
}

// RecordTargetRealloc records bytes copied into this backend by a
// cross-backend realloc.
func (r *Recorder) RecordTargetRealloc(n uintptr) {
	r.targetReallocCalls.Add(1)
	r.targetReallocBytes.Add(uint64(n))
}

// RecordSelfRealloc records an in-place (same-backend) realloc.
func (r *Recorder) RecordSelfRealloc(n uintptr) {
	r.selfReallocCalls.Add(1)
	r.selfReallocBytes.Add(uint64(n))
}

// RecordReallocForwardedToAcquire records a realloc(nil, n) forwarded to
// Acquire.
func (r *Recorder) RecordReallocForwardedToAcquire() {
	r.reallocForwardedCalls.Add(1)
}

// Show writes this recorder's block in the teardown report format
// ("for each used backend, counts and totals").
func (r *Recorder) Show(w io.Writer, name string) {
	calls, total, min, max := r.acquire.snapshot()
	zCalls, zTotal, zMin, zMax := r.acquireZeroed.snapshot()
	aCalls, aTotal, aMin, aMax := r.acquireAligned.snapshot()
	rCalls, rTotal, rMin, rMax := r.resize.snapshot()

	fmt.Fprintf(w, "backend %s:\n", name)
	fmt.Fprintf(w, "  acquire        calls=%d total=%d min=%d max=%d\n", calls, total, min, max)
	fmt.Fprintf(w, "  acquire_zeroed calls=%d total=%d min=%d max=%d\n", zCalls, zTotal, zMin, zMax)
	fmt.Fprintf(w, "  acquire_align  calls=%d total=%d min=%d max=%d\n", aCalls, aTotal, aMin, aMax)
	fmt.Fprintf(w, "  resize         calls=%d total=%d min=%d max=%d\n", rCalls, rTotal, rMin, rMax)
	fmt.Fprintf(w, "  release        calls=%d\n", r.releases.Load())
	fmt.Fprintf(w, "  unfitted       acquire=%d/%dB zeroed=%d/%dB aligned=%d/%dB resize=%d/%dB\n",
		r.unfittedAcquire.Load(), r.unfittedAcquireBytes.Load(),
		r.unfittedZeroed.Load(), r.unfittedZeroedBytes.Load(),
		r.unfittedAligned.Load(), r.unfittedAlignedBytes.Load(),
		r.unfittedResize.Load(), r.unfittedResizeBytes.Load())
	fmt.Fprintf(w, "  realloc        source=%d/%dB target=%d/%dB self=%d/%dB fwd_to_acquire=%d\n",
		r.sourceReallocCalls.Load(), r.sourceReallocBytes.Load(),
		r.targetReallocCalls.Load(), r.targetReallocBytes.Load(),
		r.selfReallocCalls.Load(), r.selfReallocBytes.Load(),
		r.reallocForwardedCalls.Load())
	fmt.Fprintf(w, "  water_mark     current=%d peak=%d\n", r.WaterMark(), r.PeakWaterMark())
}
