// Package flexmalloc is the interposer front end (component H): the
// library API applications call instead of the platform allocator. It
// owns process-wide initialization from FLEXMALLOC_* configuration,
// dispatches every call through the core router, and short-circuits to a
// no-op once Shutdown has run (late teardown races are expected and safe).
//
// Grounded on original_source/src/flex-malloc.hxx/.cxx's FlexMalloc class
// and its static uninitialized_* family — reframed as an explicit Go API
// rather than libc interposition, since a Go binary is statically linked
// and never routes allocation through dlsym(RTLD_NEXT, ...).
package flexmalloc

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/intel/flexmalloc/backend/debug"
	"github.com/intel/flexmalloc/backend/hbm"
	"github.com/intel/flexmalloc/backend/pmem"
	"github.com/intel/flexmalloc/backend/posix"
	"github.com/intel/flexmalloc/backend/smallpool"
	intbackend "github.com/intel/flexmalloc/internal/backend"
	"github.com/intel/flexmalloc/internal/classifier"
	"github.com/intel/flexmalloc/internal/deflog"
	"github.com/intel/flexmalloc/internal/router"
	"github.com/intel/flexmalloc/internal/rules"

	"github.com/intel/flexmalloc/config"
)

const defaultCacheSize = 1024

var (
	initOnce sync.Once
	initErr  error
	active   atomic.Bool // true once Init has succeeded and Shutdown has not yet run

	globalRouter *router.Router
	globalLog    *deflog.Logger
)

// Init loads FLEXMALLOC_* configuration, builds the backend registry from
// the definitions file, loads the classifier's rule table from the
// locations file, and makes the package ready to serve Acquire/Release/
// etc. Init is idempotent: subsequent calls return the first call's
// result without repeating the work.
func Init() error {
	initOnce.Do(func() {
		initErr = doInit()
		if initErr == nil {
			active.Store(true)
		}
	})
	return initErr
}

func doInit() error {
	opts, err := config.Load()
	if err != nil {
		return err
	}
	globalLog = deflog.New(opts.Verbose, opts.Debug, opts.MessagesOnStderr)

	defFile, err := os.Open(opts.DefinitionsPath)
	if err != nil {
		return fmt.Errorf("flexmalloc: opening definitions file: %w", err)
	}
	defer defFile.Close()
	sections, err := config.ParseDefinitions(defFile)
	if err != nil {
		return err
	}

	reg := buildRegistry()
	for _, sec := range sections {
		for _, line := range sec.Lines {
			if err := reg.Configure(sec.Backend, line); err != nil {
				return err
			}
		}
	}

	fallback, ok := reg.Get(opts.FallbackAllocator)
	if !ok {
		return fmt.Errorf("flexmalloc: unknown fallback allocator %q", opts.FallbackAllocator)
	}
	fallback.SetUsed(true)

	locFile, err := os.Open(opts.LocationsPath)
	if err != nil {
		return fmt.Errorf("flexmalloc: opening locations file: %w", err)
	}
	defer locFile.Close()

	mode := rules.ModeAuto
	if opts.SourceFrames != nil {
		if *opts.SourceFrames {
			mode = rules.ModeSource
		} else {
			mode = rules.ModeRaw
		}
	}
	records, _, err := rules.Parse(locFile, mode, opts.ReadOffsetBase)
	if err != nil {
		return err
	}

	cl, err := classifier.Load(records, mode, reg, classifier.Options{
		CompareWholePath:    opts.CompareWholePath,
		DropFallbackTargets: opts.IgnoreLocationsOnFallback,
		FallbackName:        fallback.Name(),
	})
	if err != nil {
		return err
	}

	minThresholdBackend := opts.MinSizeThresholdAllocator
	globalRouter = router.New(reg, cl, fallback, router.Options{
		StackMinus1:             opts.CallstackMinus1,
		StopAtMain:              opts.CallstackStopAtMain,
		CacheSize:               defaultCacheSize,
		MinSizeThreshold:        opts.MinSizeThreshold,
		MinSizeThresholdBackend: minThresholdBackend,
	})
	return nil
}

func buildRegistry() *intbackend.Registry {
	posixBE := posix.New()
	hbmBE := hbm.New(2*1024*1024, 64)
	pmemBE := pmem.New(4*1024*1024, 64)
	smallBE := smallpool.New(256, 4096)
	debugBE := debug.New(posixBE)
	return intbackend.NewRegistry(posixBE, hbmBE, pmemBE, smallBE, debugBE)
}

// Shutdown marks the package inactive (every entry point becomes a no-op
// or returns nil/0) and writes the final report to w, matching the
// teardown path's SIGINT-handler destructor.
func Shutdown(w io.Writer) {
	if !active.CompareAndSwap(true, false) {
		return
	}
	if globalRouter != nil {
		globalRouter.Report(w)
	}
}

// Acquire is the malloc-equivalent entry point.
func Acquire(n uintptr) []byte {
	if !active.Load() {
		return nil
	}
	return globalRouter.Acquire(n)
}

// AcquireZeroed is the calloc-equivalent entry point.
func AcquireZeroed(n, m uintptr) []byte {
	if !active.Load() {
		return nil
	}
	return globalRouter.AcquireZeroed(n, m)
}

// AcquireAligned is the posix_memalign-equivalent entry point.
func AcquireAligned(align, n uintptr) []byte {
	if !active.Load() {
		return nil
	}
	return globalRouter.AcquireAligned(align, n)
}

// Release is the free-equivalent entry point. A nil or empty slice is a
// silent no-op.
func Release(user []byte) {
	if !active.Load() || len(user) == 0 {
		return
	}
	globalRouter.Release(user)
}

// Resize is the realloc-equivalent entry point, including the user==nil
// (forward to Acquire) and n==0 (forward to Release) cases.
func Resize(user []byte, n uintptr) []byte {
	if !active.Load() {
		return nil
	}
	return globalRouter.Resize(user, n)
}

// UsableSize is the malloc_usable_size-equivalent entry point.
func UsableSize(user []byte) uintptr {
	if !active.Load() || len(user) == 0 {
		return 0
	}
	return globalRouter.UsableSize(user)
}
