// Package backend defines the uniform contract every memory backend
// implements (component A of the design) and the ordered registry that
// looks backends up by name (component B).
//
// Grounded on original_source/src/allocator.hxx (the Allocator base class)
// and allocators.hxx/.cxx (the Allocators container).
package backend

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/intel/flexmalloc/internal/header"
)

// ErrWontFit is a sentinel for a backend refusing a request for capacity
// reasons, in the semantic-error convention of code.hybscloud.com/iox (a
// plain sentinel checked with errors.Is). Nothing in this module returns it:
// the router learns of a refusal from Fits returning false, then substitutes
// the fallback backend and records an "unfitted" counter.
var ErrWontFit = errors.New("backend: request does not fit configured capacity")

// Backend is the contract every memory backend implements. All methods must
// be safe to call concurrently; backends are free to use their own internal
// locking, but MUST NOT call back into flexmalloc's front-end entry points
// (Acquire/Release/...). No backend in this tree needs to: each only ever
// touches its own arena/pool state, which is what collapses the original's
// runtime recursion guard down to this plain contractual rule.
type Backend interface {
	// Name is the unique, case-insensitive identifier used by the registry,
	// the rules file and the definitions file.
	Name() string
	// Description is a short human-readable summary for reports.
	Description() string

	// Acquire returns a user pointer (as a byte slice view) for at least n
	// caller bytes, prefixed by a header, or nil if the backend could not
	// satisfy the request.
	Acquire(n uintptr) []byte
	// AcquireZeroed behaves like Acquire for n*m bytes, additionally
	// clearing the returned region.
	AcquireZeroed(n, m uintptr) []byte
	// AcquireAligned returns a user pointer that is a multiple of align,
	// with a header fit into the gap before it.
	AcquireAligned(align, n uintptr) []byte
	// Release releases the block whose header names this backend. It is a
	// caller bug (invariant H2 violation) to call Release on a block whose
	// header names a different backend.
	Release(user []byte)
	// Resize grows a block in place if possible. If n <= the header's
	// recorded size, Resize must leave the block untouched and return the
	// same pointer (tested by T2). Resize never shrinks visibly.
	Resize(user []byte, n uintptr) []byte
	// UsableSize returns the caller's originally requested size (not the
	// backend's internal padding), per the header's Size field.
	UsableSize(user []byte) uintptr
	// Memcpy performs a backend-appropriate copy; backends that require a
	// durability fence (persistent memory) implement it here.
	Memcpy(dst, src []byte)

	// Fits reports whether this backend can admit n more bytes without
	// exceeding its configured capacity. A backend without a capacity
	// always returns true.
	Fits(n uintptr) bool
	// WaterMark returns the bytes currently charged to this backend.
	WaterMark() uintptr

	// Configure applies one opaque configuration line from the definitions
	// file (component B's replay step).
	Configure(line string) error
	// Used reports whether the backend has been marked as in use: targeted
	// by a loaded rule, or chosen as the fallback.
	Used() bool
	// SetUsed marks the backend as in use.
	SetUsed(bool)
	// Ready reports whether the backend finished its own setup and can
	// serve requests (e.g. a persistent-memory pool failing to mmap its
	// backing file stays not-ready and must never be selected).
	Ready() bool

	// The record_* family of hooks: statistics updates the router asks a
	// backend's own recorder to apply. Implementations delegate to
	// internal/stats.Recorder embedded in the concrete backend.
	RecordUnfittedAcquire(n uintptr)
	RecordUnfittedZeroed(n uintptr)
	RecordUnfittedAligned(n uintptr)
	RecordUnfittedResize(n uintptr)
	RecordSourceRealloc(n uintptr)
	RecordTargetRealloc(n uintptr)
	RecordSelfRealloc(n uintptr)
	RecordReallocForwardedToAcquire()

	// ShowStatistics writes this backend's statistics block to w, in the
	// format consumed by the teardown report.
	ShowStatistics(w io.Writer)
}

// Every Backend satisfies header.Owner directly, without an import cycle:
// header only needs Name().
var _ header.Owner = Backend(nil)

// Registry is the ordered, case-insensitive-by-name set of backend
// instances, grounded on allocators.cxx's fixed-order instantiation plus
// definitions-file replay.
type Registry struct {
	mu       sync.RWMutex
	backends []Backend
	byName   map[string]Backend
}

// NewRegistry builds a registry from backends in the given fixed order,
// mirroring Allocators::Allocators's compiled-in ordering.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{
		backends: append([]Backend(nil), backends...),
		byName:   make(map[string]Backend, len(backends)),
	}
	for _, b := range backends {
		r.byName[strings.ToLower(b.Name())] = b
	}
	return r
}

// Get performs a case-insensitive lookup by name.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byName[strings.ToLower(name)]
	return b, ok
}

// All returns the backends in registration order. The returned slice must
// not be mutated by the caller.
func (r *Registry) All() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends
}

// Configure replays one "# Memory configuration for allocator NAME" section
// from the definitions file against the named backend (component B).
// Unknown names are a fatal configuration error.
func (r *Registry) Configure(name, line string) error {
	b, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("backend: definitions file references unknown backend %q", name)
	}
	return b.Configure(line)
}

// Statistics emits every used backend's statistics block, sorted by name
// for deterministic report output.
func (r *Registry) Statistics(w io.Writer) {
	backends := append([]Backend(nil), r.All()...)
	sort.Slice(backends, func(i, j int) bool { return backends[i].Name() < backends[j].Name() })
	for _, b := range backends {
		b.ShowStatistics(w)
	}
}
