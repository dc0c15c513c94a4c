// Package smallpool implements the small-allocation fast-path backend: a
// single pre-carved arena of fixed-size slabs handed out through a
// lock-free index pool, targeted by FLEXMALLOC_MINSIZE_THRESHOLD_ALLOCATOR
// and by rules matching small, hot call sites.
//
// Grounded on original_source/src/allocator-posix.hxx's "small object"
// fast path in spirit; the pool mechanics are adapted from
// code.hybscloud.com/iobuf's BoundedPool via internal/membuf.IndexPool.
package smallpool

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/intel/flexmalloc/internal/header"
	"github.com/intel/flexmalloc/internal/membuf"
	"github.com/intel/flexmalloc/internal/stats"
)

// Backend is a fixed-slot-size arena. Requests larger than SlotSize are
// refused via Fits so the router substitutes the fallback.
type Backend struct {
	stats.Recorder
	used atomic.Bool

	slotSize uintptr
	arena    []byte
	pool     *membuf.IndexPool
	ready    atomic.Bool
}

// New builds a smallpool backend with slotCount slots (rounded up to a power
// of two) of slotSize usable bytes each; every slot also holds a header in
// front of those bytes. Configure (replaying the definitions
// file) overrides both before the backend is used for the first time.
func New(slotSize uintptr, slotCount int) *Backend {
	b := &Backend{slotSize: slotSize}
	b.build(slotCount)
	return b
}

func (b *Backend) build(slotCount int) {
	stride := header.Total(b.slotSize)
	b.pool = membuf.NewIndexPool(slotCount)
	b.arena = make([]byte, stride*uintptr(b.pool.Cap()))
	b.ready.Store(true)
}

func (b *Backend) Name() string { return "smallpool" }
func (b *Backend) Description() string {
	return fmt.Sprintf("fixed-slot pool (%d-byte slots, %d slots)", b.slotSize, b.pool.Cap())
}

func (b *Backend) stride() uintptr { return header.Total(b.slotSize) }

func (b *Backend) slotBase(idx int) uintptr {
	return membuf.AddrOf(b.arena) + uintptr(idx)*b.stride()
}

func (b *Backend) Acquire(n uintptr) []byte {
	if n > b.slotSize {
		return nil
	}
	b.pool.SetNonblock(true)
	idx, err := b.pool.Get()
	if err != nil {
		b.RecordUnfittedAcquire(n)
		return nil
	}
	user := header.Stamp(b.slotBase(idx), b, n)
	header.SetHintCell(header.Of(user), uint32(idx))
	b.RecordAcquire(n)
	return membuf.SliceAt(user, n)
}

func (b *Backend) AcquireZeroed(n, m uintptr) []byte {
	total := n * m
	buf := b.Acquire(total)
	for i := range buf {
		buf[i] = 0
	}
	if buf != nil {
		b.RecordAcquireZeroed(n, m)
	}
	return buf
}

// AcquireAligned is unsupported beyond natural slot alignment: the arena is
// carved in fixed strides, so arbitrary alignment cannot be guaranteed.
func (b *Backend) AcquireAligned(align, n uintptr) []byte {
	if align > b.slotSize {
		return nil
	}
	return b.Acquire(n)
}

func (b *Backend) Release(user []byte) {
	h := header.Of(membuf.AddrOf(user))
	idx := int(header.HintCell(h))
	b.RecordRelease(h.Size)
	_ = b.pool.Put(idx)
}

// Resize never grows in place: every slot is exactly slotSize, so any
// growth forces the router's cross-backend move.
func (b *Backend) Resize(user []byte, n uintptr) []byte {
	h := header.Of(membuf.AddrOf(user))
	if n <= h.Size {
		return user
	}
	return nil
}

func (b *Backend) UsableSize(user []byte) uintptr {
	return header.Of(membuf.AddrOf(user)).Size
}

func (b *Backend) Memcpy(dst, src []byte) { copy(dst, src) }

func (b *Backend) Fits(n uintptr) bool {
	return n <= b.slotSize
}

func (b *Backend) Configure(line string) error {
	fields := strings.Fields(line)
	switch {
	case len(fields) == 3 && fields[0] == "SlotSize":
		sz, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("smallpool: bad SlotSize line %q: %w", line, err)
		}
		b.slotSize = uintptr(sz)
		b.build(b.pool.Cap())
		return nil
	case len(fields) == 2 && fields[0] == "SlotCount":
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("smallpool: bad SlotCount line %q: %w", line, err)
		}
		b.build(n)
		return nil
	}
	return fmt.Errorf("smallpool: unrecognized configuration line %q", line)
}

func (b *Backend) Used() bool     { return b.used.Load() }
func (b *Backend) SetUsed(v bool) { b.used.Store(v) }
func (b *Backend) Ready() bool    { return b.ready.Load() }

func (b *Backend) ShowStatistics(w io.Writer) {
	if !b.Used() {
		return
	}
	b.Recorder.Show(w, b.Name())
}
