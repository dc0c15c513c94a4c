// Package router implements the core router (component G): for every
// front-end call it determines which backend should serve the request,
// asks the classifier (through the cache first) which rule the caller's
// stack matches, substitutes the fallback backend when the chosen one
// refuses for capacity reasons, and drives the header-stamping and
// realloc state machine shared by every backend.
//
// Grounded on original_source/src/flexmalloc.cxx (the malloc/realloc/free
// entry points) and cache-callstack.cxx (classify-then-cache).
package router

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"unsafe"

	"github.com/intel/flexmalloc/internal/backend"
	"github.com/intel/flexmalloc/internal/cache"
	"github.com/intel/flexmalloc/internal/classifier"
	"github.com/intel/flexmalloc/internal/header"
	"github.com/intel/flexmalloc/internal/symbols"
)

// ruleWasFallback reports whether a block classified by rule but currently
// owned by actual was charged to the rule's fallback bucket: true whenever
// the rule's nominal backend differs from the backend that actually serves
// it.
func ruleWasFallback(rule *classifier.Rule, actual backend.Backend) bool {
	return !strings.EqualFold(rule.Backend.Name(), actual.Name())
}

// ptr returns the unsafe.Pointer to a byte slice's backing array, the form
// header.FromPointer expects.
func ptr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(b))
}

// Options configures the router's call-stack sampling and classification
// behavior, mirroring the FLEXMALLOC_* environment variables.
type Options struct {
	StackMinus1             bool // FLEXMALLOC_CALLSTACK_MINUS1
	StopAtMain              bool // FLEXMALLOC_CALLSTACK_STOP_AT_MAIN
	CacheSize               int  // 0 = disabled
	MinSizeThreshold        uintptr
	MinSizeThresholdBackend string // empty = no threshold override
}

// Router is the allocator's core dispatcher. One Router instance backs the
// whole process; callers serialize through a single mutex, matching the
// original's single global lock (no per-size-class sharding
// in this rendition).
type Router struct {
	mu         sync.Mutex
	reg        *backend.Registry
	classifier *classifier.Classifier
	cache      *cache.Cache
	fallback   backend.Backend
	opts       Options
}

// New builds a Router. fallback is used whenever no rule matches, or the
// matched rule's backend refuses a request (invariant "fit-or-fallback").
func New(reg *backend.Registry, cl *classifier.Classifier, fallback backend.Backend, opts Options) *Router {
	r := &Router{reg: reg, classifier: cl, fallback: fallback, opts: opts}
	if opts.CacheSize > 0 && cl != nil && cl.SourceMode() {
		r.cache = cache.New(opts.CacheSize)
	}
	return r
}

// decision is the outcome of classifying one call site.
type decision struct {
	be        backend.Backend
	rule      *classifier.Rule
	wasFromCache bool
	wasFallback  bool
}

// classify captures the caller's stack (skipping router and front-end
// frames), consults the cache, and falls back to the classifier on a
// miss. skip is the number of additional frames (beyond this function and
// runtime.Callers itself) the caller wants stripped — the front end passes
// its own call depth through so rule tables written against "the caller of
// flexmalloc.Acquire" line up regardless of how deep inside the router the
// classification happens.
func (r *Router) classify(skip int) decision {
	if r.classifier == nil {
		return decision{be: r.fallback, wasFallback: true}
	}
	pcs := symbols.Capture(skip+1, r.opts.StackMinus1)

	// Too-long stacks fall straight through to the classifier below; they
	// are never remembered in the cache (component F "too long" path).
	if r.cache != nil {
		if be, ruleID, hit, _ := r.cache.Lookup(pcs); hit {
			rule := r.ruleByID(ruleID)
			if rule != nil {
				rule.RecordMatch(true)
			}
			if be == nil {
				return decision{be: r.fallback, rule: rule, wasFromCache: true, wasFallback: true}
			}
			return decision{be: be, rule: rule, wasFromCache: true}
		}
	}

	frames := symbols.Resolve(pcs, r.classifier.SourceMode(), r.opts.StopAtMain)
	rule := r.classifier.Match(frames)
	if rule == nil {
		if r.cache != nil {
			r.cache.Remember(pcs, nil, 0)
		}
		return decision{be: r.fallback, wasFallback: true}
	}
	rule.RecordMatch(false)
	if r.cache != nil {
		r.cache.Remember(pcs, rule.Backend, rule.ID)
	}
	return decision{be: rule.Backend, rule: rule}
}

func (r *Router) ruleByID(id uint32) *classifier.Rule {
	if r.classifier == nil {
		return nil
	}
	for _, rule := range r.classifier.Rules() {
		if rule.ID == id {
			return rule
		}
	}
	return nil
}

// thresholdOverride returns the backend FLEXMALLOC_MINSIZE_THRESHOLD routes
// small requests to, bypassing classification entirely, or (nil, false) if
// no threshold applies to n.
func (r *Router) thresholdOverride(n uintptr) (backend.Backend, bool) {
	if r.opts.MinSizeThreshold == 0 || n >= r.opts.MinSizeThreshold {
		return nil, false
	}
	be, ok := r.reg.Get(r.opts.MinSizeThresholdBackend)
	if !ok {
		return nil, false
	}
	return be, true
}

// Acquire implements the front end's Acquire: classify, fit-or-fallback,
// stamp the header, charge the rule's live-memory bucket.
func (r *Router) Acquire(n uintptr) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquireWith(n, 2, func(be backend.Backend, size uintptr) []byte {
		return be.Acquire(size)
	}, func(be backend.Backend) { be.RecordUnfittedAcquire(n) })
}

// AcquireZeroed implements calloc-style acquisition.
func (r *Router) AcquireZeroed(n, m uintptr) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := n * m
	return r.acquireWith(total, 2, func(be backend.Backend, size uintptr) []byte {
		_ = size
		return be.AcquireZeroed(n, m)
	}, func(be backend.Backend) { be.RecordUnfittedZeroed(total) })
}

// AcquireAligned implements aligned acquisition (posix_memalign-style).
func (r *Router) AcquireAligned(align, n uintptr) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquireWith(n, 2, func(be backend.Backend, size uintptr) []byte {
		return be.AcquireAligned(align, size)
	}, func(be backend.Backend) { be.RecordUnfittedAligned(n) })
}

func (r *Router) acquireWith(n uintptr, skip int, do func(backend.Backend, uintptr) []byte, recordUnfit func(backend.Backend)) []byte {
	be, rule, wasFallback := r.pick(n, skip+1)
	if be == nil {
		return nil
	}
	if !be.Fits(header.Total(n)) {
		recordUnfit(be)
		if rule != nil {
			rule.RecordUnfit()
		}
		be = r.fallback
		wasFallback = true
		if be == nil || !be.Ready() {
			return nil
		}
	}
	user := do(be, n)
	if user == nil {
		return nil
	}
	if rule != nil {
		rule.AddMemory(uintptr(len(user)), wasFallback)
		h := header.FromPointer(ptr(user))
		header.SetRuleID(h, rule.ID)
	}
	return user
}

func (r *Router) pick(n uintptr, skip int) (be backend.Backend, rule *classifier.Rule, wasFallback bool) {
	if override, ok := r.thresholdOverride(n); ok {
		return override, nil, true
	}
	d := r.classify(skip + 1)
	if !d.be.Ready() {
		return r.fallback, nil, true
	}
	return d.be, d.rule, d.wasFallback
}

// Release routes a block back to the backend its header names (invariant
// H2), un-charges the rule's live-memory bucket if one was recorded.
func (r *Router) Release(user []byte) {
	if len(user) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h := header.FromPointer(ptr(user))
	be, ok := r.reg.Get(h.Backend.Name())
	if !ok {
		return
	}
	if ruleID, ok := header.RuleID(h); ok {
		if rule := r.ruleByID(ruleID); rule != nil {
			rule.SubMemory(uintptr(len(user)), ruleWasFallback(rule, be))
		}
	}
	be.Release(user)
}

// Resize implements realloc's four cases:
//  1. user == nil: forward to Acquire.
//  2. n == 0: forward to Release, return nil.
//  3. the call site classifies back to the owning backend and that backend
//     grows the block: delegate to it directly.
//  4. otherwise: acquire fresh from a (re-)classified backend, copy, and
//     release the source — a cross-backend move.
func (r *Router) Resize(user []byte, n uintptr) []byte {
	if user == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		fresh := r.acquireWith(n, 2, func(be backend.Backend, size uintptr) []byte {
			return be.Acquire(size)
		}, func(be backend.Backend) { be.RecordUnfittedAcquire(n) })
		if fresh != nil {
			for _, be := range r.reg.All() {
				be.RecordReallocForwardedToAcquire()
			}
		}
		return fresh
	}
	if n == 0 {
		r.Release(user)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	h := header.FromPointer(ptr(user))
	source, ok := r.reg.Get(h.Backend.Name())
	if !ok {
		return nil
	}
	if h.Size >= n {
		return user // already big enough; Resize never shrinks visibly (H3)
	}

	// Classify the realloc call stack before branching: only a backend the
	// classifier would pick again for this call site is a candidate for
	// growing the block in place. Otherwise this is a migration even when
	// the owning backend happens to have spare capacity.
	target, rule, wasFallback := r.pick(n, 2)
	if target == nil || !target.Ready() {
		return nil
	}

	if strings.EqualFold(target.Name(), source.Name()) {
		if grown := source.Resize(user, n); grown != nil {
			source.RecordSelfRealloc(min(h.Size, n))
			if rule != nil {
				rule.AddMemory(n-h.Size, wasFallback)
				header.SetRuleID(header.FromPointer(ptr(grown)), rule.ID)
			}
			return grown
		}
		// Classified back to its own backend but that backend still
		// refused to grow the block in place (e.g. a fixed-slot backend
		// never grows in place) — fall through to a move below.
	}

	if !target.Fits(header.Total(n)) {
		target.RecordUnfittedResize(n)
		if rule != nil {
			rule.RecordUnfit()
		}
		target = r.fallback
		wasFallback = true
		if target == nil {
			return nil
		}
	}

	fresh := target.Acquire(n)
	if fresh == nil {
		return nil
	}
	target.Memcpy(fresh, user[:min(len(user), int(h.Size))])
	source.RecordSourceRealloc(h.Size)
	target.RecordTargetRealloc(h.Size)
	if rule != nil {
		rule.AddMemory(uintptr(len(fresh)), wasFallback)
		header.SetRuleID(header.FromPointer(ptr(fresh)), rule.ID)
	}
	if oldRuleID, ok := header.RuleID(h); ok {
		if oldRule := r.ruleByID(oldRuleID); oldRule != nil {
			oldRule.SubMemory(uintptr(len(user)), ruleWasFallback(oldRule, source))
		}
	}
	source.Release(user)
	return fresh
}

// UsableSize reports the caller-visible size recorded in user's header.
func (r *Router) UsableSize(user []byte) uintptr {
	if len(user) == 0 {
		return 0
	}
	h := header.FromPointer(ptr(user))
	return h.Size
}

// Report writes every backend's statistics and every rule's classification
// counters, in the format the teardown path emits.
func (r *Router) Report(w io.Writer) {
	r.reg.Statistics(w)
	if r.classifier == nil {
		return
	}
	for _, rule := range r.classifier.Rules() {
		s := rule.Snapshot()
		fmt.Fprintf(w, "rule %d -> %s: matches=%d cache_hit_ratio=%.3f unfit=%d peak_nominal=%d peak_fallback=%d peak_objects=%d\n",
			rule.ID, rule.Backend.Name(), s.Matches, s.CacheHitRatio(), s.Unfit, s.PeakNominal, s.PeakFallback, s.PeakObjects)
	}
}
