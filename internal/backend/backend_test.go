package backend_test

import (
	"io"
	"testing"

	"github.com/intel/flexmalloc/internal/backend"
)

type stubBackend struct {
	name     string
	used     bool
	lastLine string
}

func (s *stubBackend) Name() string                          { return s.name }
func (s *stubBackend) Description() string                   { return s.name }
func (s *stubBackend) Acquire(uintptr) []byte                 { return nil }
func (s *stubBackend) AcquireZeroed(uintptr, uintptr) []byte  { return nil }
func (s *stubBackend) AcquireAligned(uintptr, uintptr) []byte { return nil }
func (s *stubBackend) Release([]byte)                         {}
func (s *stubBackend) Resize([]byte, uintptr) []byte          { return nil }
func (s *stubBackend) UsableSize([]byte) uintptr               { return 0 }
func (s *stubBackend) Memcpy(dst, src []byte)                  {}
func (s *stubBackend) Fits(uintptr) bool                       { return true }
func (s *stubBackend) WaterMark() uintptr                      { return 0 }
func (s *stubBackend) Configure(line string) error             { s.lastLine = line; return nil }
func (s *stubBackend) Used() bool                               { return s.used }
func (s *stubBackend) SetUsed(v bool)                           { s.used = v }
func (s *stubBackend) Ready() bool                              { return true }
func (s *stubBackend) RecordUnfittedAcquire(uintptr)            {}
func (s *stubBackend) RecordUnfittedZeroed(uintptr)             {}
func (s *stubBackend) RecordUnfittedAligned(uintptr)            {}
func (s *stubBackend) RecordUnfittedResize(uintptr)             {}
func (s *stubBackend) RecordSourceRealloc(uintptr)              {}
func (s *stubBackend) RecordTargetRealloc(uintptr)              {}
func (s *stubBackend) RecordSelfRealloc(uintptr)                {}
func (s *stubBackend) RecordReallocForwardedToAcquire()         {}
func (s *stubBackend) ShowStatistics(io.Writer)                 {}

var _ backend.Backend = (*stubBackend)(nil)

func TestRegistryGetIsCaseInsensitive(t *testing.T) {
	reg := backend.NewRegistry(&stubBackend{name: "HBM"})
	b, ok := reg.Get("hbm")
	if !ok || b.Name() != "HBM" {
		t.Fatalf("expected a case-insensitive match for hbm")
	}
}

func TestRegistryAllPreservesRegistrationOrder(t *testing.T) {
	a := &stubBackend{name: "posix"}
	b := &stubBackend{name: "hbm"}
	c := &stubBackend{name: "pmem"}
	reg := backend.NewRegistry(a, b, c)
	got := reg.All()
	if len(got) != 3 || got[0].Name() != "posix" || got[1].Name() != "hbm" || got[2].Name() != "pmem" {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestRegistryConfigureRejectsUnknownBackend(t *testing.T) {
	reg := backend.NewRegistry(&stubBackend{name: "posix"})
	if err := reg.Configure("ghost", "Size 10 MBytes"); err == nil {
		t.Fatalf("expected an error for an unknown backend name")
	}
}

func TestRegistryConfigureReplaysLineToNamedBackend(t *testing.T) {
	b := &stubBackend{name: "hbm"}
	reg := backend.NewRegistry(b)
	if err := reg.Configure("HBM", "SpanSize 4194304"); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if b.lastLine != "SpanSize 4194304" {
		t.Fatalf("lastLine = %q, want the replayed configuration line", b.lastLine)
	}
}
