package membuf

import (
	"math"
	"sync/atomic"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"

	"github.com/intel/flexmalloc/internal/cacheline"
)

// IndexPool is a bounded, lock-free MPMC pool of slot indices in
// [0,capacity). backend/smallpool uses one to hand out and reclaim fixed
// slab slots without a mutex; the free-list itself never holds allocator
// memory, only small integers, so the pool has no [T] parameter.
//
// Adapted from code.hybscloud.com/iobuf's BoundedPool[T] (bounded_pool.go):
// that pool stores one of twelve fixed buffer-array types per
// instantiation; flexmalloc only ever needs to hand out slab indices, so
// the item payload is dropped and the free-list algorithm — head/tail
// cursors, turn-tagged empty markers, spin-then-backoff retries — is kept
// as-is.
type IndexPool struct {
	_ noCopy

	capacity  uint32
	mask      uint32
	entries   []atomic.Uint64
	remapM    uint32
	remapN    uint32
	remapMask uint32
	head, tail atomic.Uint32

	nonblocking bool
}

type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

const (
	poolEntryEmpty    = 1 << 62
	poolEntryTurnMask = poolEntryEmpty>>32 - 1
)

// NewIndexPool creates a pool over [0,capacity) slot indices, already
// filled (every index starts out available). capacity is rounded up to
// the next power of two and must be between 1 and math.MaxUint32.
func NewIndexPool(capacity int) *IndexPool {
	if capacity < 1 || capacity > math.MaxUint32 {
		panic("membuf: capacity must be between 1 and MaxUint32")
	}
	capacity--
	capacity |= capacity >> 1
	capacity |= capacity >> 2
	capacity |= capacity >> 4
	capacity |= capacity >> 8
	capacity |= capacity >> 16
	capacity++

	remapM := min(uint32(cacheline.CacheLineSize)/8, uint32(capacity))
	if remapM == 0 {
		remapM = 1
	}
	remapN := max(1, uint32(capacity)/remapM)

	p := &IndexPool{
		capacity:  uint32(capacity),
		mask:      uint32(capacity - 1),
		remapM:    remapM,
		remapN:    remapN,
		remapMask: remapN - 1,
		entries:   make([]atomic.Uint64, capacity),
	}
	for i := range p.entries {
		p.entries[i].Store(uint64(i))
	}
	p.tail.Store(p.capacity)
	return p
}

// SetNonblock toggles whether Get/Put return iox.ErrWouldBlock immediately
// instead of backing off and retrying.
func (p *IndexPool) SetNonblock(nonblocking bool) { p.nonblocking = nonblocking }

// Cap returns the pool's rounded capacity.
func (p *IndexPool) Cap() int { return int(p.capacity) }

// Get removes and returns an available slot index. In blocking mode it
// backs off adaptively (iox.Backoff) while the pool is empty, on the
// premise that slots free up via an unrelated goroutine's Release.
func (p *IndexPool) Get() (int, error) {
	var bo iox.Backoff
	for {
		e, err := p.tryGet()
		if err == nil {
			return int(e & uint64(p.mask)), nil
		}
		if err != iox.ErrWouldBlock {
			return -1, err
		}
		if p.nonblocking {
			return -1, err
		}
		bo.Wait()
	}
}

// Put returns a slot index to the pool.
func (p *IndexPool) Put(index int) error {
	var bo iox.Backoff
	e := uint64(index)
	for {
		err := p.tryPut(e)
		if err == nil {
			return nil
		}
		if err != iox.ErrWouldBlock {
			return err
		}
		if p.nonblocking {
			return err
		}
		bo.Wait()
	}
}

func (p *IndexPool) tryGet() (uint64, error) {
	sw := spin.Wait{}
	for {
		h, t := p.head.Load(), p.tail.Load()
		hi := p.remap(h & p.mask)
		e := p.entries[hi].Load()

		if h != p.head.Load() {
			sw.Once()
			continue
		}
		if h == t {
			return 0, iox.ErrWouldBlock
		}

		nextTurn := (h/p.capacity + 1) & poolEntryTurnMask
		if e == p.empty(nextTurn) {
			p.head.CompareAndSwap(h, h+1)
			sw.Once()
			continue
		}
		ok := p.entries[hi].CompareAndSwap(e, p.empty(nextTurn))
		p.head.CompareAndSwap(h, h+1)
		if ok {
			return e, nil
		}
		sw.Once()
	}
}

func (p *IndexPool) tryPut(e uint64) error {
	sw := spin.Wait{}
	for {
		h, t := p.head.Load(), p.tail.Load()
		if t != p.tail.Load() {
			sw.Once()
			continue
		}
		if t == h+p.capacity {
			return iox.ErrWouldBlock
		}
		turn, ti := (t/p.capacity)&poolEntryTurnMask, p.remap(t)
		ok := p.entries[ti].CompareAndSwap(p.empty(turn), e)
		p.tail.CompareAndSwap(t, t+1)
		if ok {
			return nil
		}
		sw.Once()
	}
}

func (p *IndexPool) remap(cursor uint32) int {
	q, r := cursor/p.remapN, cursor&p.remapMask
	return int(r*p.remapM + q%p.remapM)
}

func (p *IndexPool) empty(turn uint32) uint64 {
	return poolEntryEmpty | uint64(turn&poolEntryTurnMask)
}
