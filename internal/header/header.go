// Package header implements the hidden metadata prefix that precedes every
// block flexmalloc hands out. It lets Release and Resize route a block back
// to the backend that originally served it, including on aligned
// acquisitions where the header lives in a padding gap.
//
// Grounded on original_source/src/allocator.hxx's Header_t and
// generateAllocatorHeader* family, and on the alignment arithmetic in
// code.hybscloud.com/iobuf's AlignedMem (adapted into internal/membuf).
package header

import (
	"unsafe"
)

// Owner is the minimal handle a header needs on the backend that owns a
// block. It is implemented by backend.Backend; kept as a narrow interface
// here to avoid an import cycle between header and backend.
type Owner interface {
	// Name returns the backend's unique, case-insensitive name.
	Name() string
}

// Header is the fixed-size metadata record immediately preceding every
// user pointer. Only Header.Size is monotonically non-decreasing across
// resizes (invariant H3); Backend and Base identify the owning allocation.
type Header struct {
	Backend Owner  // nil means "platform-raw", see Owner
	Base    uintptr
	Size    uintptr
	aux0    uint32 // backend-specific hint cell (e.g. NUMA node)
	aux1    uint32 // rule id, biased by +1; 0 means "no rule"
}

// Size is the compile-time constant size of Header, equivalent to
// ALLOCATOR_HEADER_SZ in the original.
const Size = unsafe.Sizeof(Header{})

// Total returns n + Size, the number of bytes a backend must actually carve
// out of its storage to serve a caller request of n bytes.
func Total(n uintptr) uintptr {
	return n + Size
}

// Of returns the address of the header preceding the user pointer at addr.
func Of(addr uintptr) *Header {
	return (*Header)(unsafe.Pointer(addr - Size))
}

// FromPointer is the unsafe.Pointer-typed counterpart of Of, used at call
// sites that hold a *byte rather than a raw address.
func FromPointer(user unsafe.Pointer) *Header {
	return Of(uintptr(user))
}

// Stamp writes a fresh header at base and returns the address of the user
// region that immediately follows it (invariant H1).
func Stamp(base uintptr, backend Owner, size uintptr) (user uintptr) {
	return StampGap(base, 0, backend, size)
}

// StampGap writes a header at base, leaving gap extra bytes between the end
// of the header and the returned user address. gap is how stamp_aligned
// reserves room to satisfy an alignment constraint; it is never stored
// separately (invariant C2) — it is always recomputed as user-base-Size.
func StampGap(base uintptr, gap uintptr, backend Owner, size uintptr) (user uintptr) {
	user = base + Size + gap
	h := Of(user)
	*h = Header{Backend: backend, Base: base, Size: size}
	return user
}

// StampAligned computes the user address so that it is a multiple of align
// while still leaving room for a header between base and user, and stamps
// it. align must be a power of two and, per invariant C1, at least Size in
// practice (a caller requesting a smaller alignment than the header still
// gets a correctly placed header, just with slack in the gap).
func StampAligned(base uintptr, align uintptr, backend Owner, size uintptr) (user uintptr) {
	if align == 0 || align&(align-1) != 0 {
		panic("header: alignment must be a power of two")
	}
	candidate := alignUp(base+Size, align)
	if candidate-base < Size {
		candidate += align
	}
	gap := candidate - base - Size
	return StampGap(base, gap, backend, size)
}

// ExtraOf returns the padding gap captured at allocation time for a header
// that sits inside an aligned block, reconstructed from Base and the
// header's own address rather than stored (invariant C2). It is needed so
// a resize can re-derive the same alignment contract.
func ExtraOf(h *Header) uintptr {
	headerAddr := uintptr(unsafe.Pointer(h))
	return headerAddr - h.Base
}

// HintCell returns the backend-specific auxiliary hint (aux cell 0).
func HintCell(h *Header) uint32 { return h.aux0 }

// SetHintCell sets the backend-specific auxiliary hint (aux cell 0).
func SetHintCell(h *Header, v uint32) { h.aux0 = v }

// RuleID returns the rule id stamped into aux cell 1, or (0, false) if no
// rule ever classified this block (cell 1 is biased by +1 so that the zero
// value means "no rule id").
func RuleID(h *Header) (id uint32, ok bool) {
	if h.aux1 == 0 {
		return 0, false
	}
	return h.aux1 - 1, true
}

// SetRuleID stamps a rule id into aux cell 1, biased by +1.
func SetRuleID(h *Header, id uint32) {
	h.aux1 = id + 1
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
