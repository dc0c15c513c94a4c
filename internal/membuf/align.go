// Package membuf holds the low-level byte-slice primitives backends build
// on: page/cache-line aligned carving and a lock-free bounded index pool.
//
// Adapted from code.hybscloud.com/iobuf's buffers.go (AlignedMem /
// CacheLineAlignedMem) and bounded_pool.go (BoundedPool). iobuf's 12-tier
// typed-buffer system ([32]byte .. [128MiB]byte array types, one pool
// alias and one IoVec conversion function per tier) is not carried over:
// flexmalloc's backends allocate variable-sized regions named by the
// caller, not a fixed small set of typed buffer shapes, so that machinery
// would sit unused. What is kept is the technique — alignment arithmetic
// over a byte slice, and the lock-free pool algorithm — generalized to
// flexmalloc's own size classes (see backend/smallpool).
package membuf

import "unsafe"

// PageSize is the assumed OS page size used by AlignedMem's callers.
var PageSize uintptr = 4096

// AlignedMem returns a byte slice of the requested size whose starting
// address is a multiple of align. The returned slice shares its backing
// array with a slightly larger allocation; do not assume len(result) ==
// cap(result).
func AlignedMem(size int, align uintptr) []byte {
	if align == 0 {
		align = 1
	}
	p := make([]byte, uintptr(size)+align-1)
	base := unsafe.Pointer(unsafe.SliceData(p))
	offset := AlignUp(uintptr(base), align) - uintptr(base)
	return unsafe.Slice((*byte)(unsafe.Add(base, offset)), size)
}

// AlignUp rounds v up to the next multiple of align (align must be a power
// of two).
func AlignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// AddrOf returns the address of a byte slice's backing array, or 0 for an
// empty slice.
func AddrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// SliceAt reinterprets the n bytes starting at addr as a []byte, without
// copying. addr must point into memory the caller still owns.
func SliceAt(addr uintptr, n uintptr) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(n))
}
