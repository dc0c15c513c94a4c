// Package classifier is the call-stack classifier (component E): it loads
// a rule table from the rules file, normalizes call-stack frames, matches a
// captured stack against the table, and maintains per-rule counters and
// high-water marks.
//
// Grounded on original_source/src/code-locations.hxx/.cxx (the
// CodeLocation/CodeLocations machinery) and cache-callstack.hxx for the
// statistics side.
package classifier

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/intel/flexmalloc/internal/backend"
	"github.com/intel/flexmalloc/internal/rules"
	"github.com/intel/flexmalloc/internal/symbols"
)

// Options configures how rules are loaded and matched, mirroring the
// FLEXMALLOC_* environment variables.
type Options struct {
	MaxDepth             int
	CompareWholePath     bool
	DropFallbackTargets  bool
	FallbackName         string
	SourceFramesOverride *bool // nil = auto-detect (ModeAuto)
}

// frameEntry is a rule's own normalized frame, in whichever mode Mode says.
type frameEntry struct {
	file  string
	line  int
	valid bool
	pc    uintptr
}

// Rule is a loaded call-site classification record.
type Rule struct {
	ID      uint32
	Backend backend.Backend
	Depth   int
	frames  []frameEntry

	matches     atomic.Uint64
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
	unfit       atomic.Uint64

	curNominal  atomic.Int64
	peakNominal atomic.Uint64
	curFallback atomic.Int64
	peakFallback atomic.Uint64
	liveObjects atomic.Int64
	peakObjects atomic.Uint64
}

// RecordMatch increments the rule's total match count and, depending on
// fromCache, its cache-hit or cache-miss count (stacks too long for the
// cache are matched by the classifier and counted here as cache misses).
func (r *Rule) RecordMatch(fromCache bool) {
	r.matches.Add(1)
	if fromCache {
		r.cacheHits.Add(1)
	} else {
		r.cacheMisses.Add(1)
	}
}

// RecordUnfit increments the rule's unfit-because-backend-refused counter.
func (r *Rule) RecordUnfit() { r.unfit.Add(1) }

// AddMemory charges bytes to the rule's nominal or fallback bucket
// depending on wasFallback, raising the relevant peak and the simultaneous
// live-object peak (invariant T4).
func (r *Rule) AddMemory(bytes uintptr, wasFallback bool) {
	if wasFallback {
		bumpPeak(&r.curFallback, &r.peakFallback, int64(bytes))
	} else {
		bumpPeak(&r.curNominal, &r.peakNominal, int64(bytes))
	}
	n := r.liveObjects.Add(1)
	bumpPeakFromCurrent(n, &r.peakObjects)
}

// SubMemory releases bytes previously charged by AddMemory.
func (r *Rule) SubMemory(bytes uintptr, wasFallback bool) {
	if wasFallback {
		bumpPeak(&r.curFallback, &r.peakFallback, -int64(bytes))
	} else {
		bumpPeak(&r.curNominal, &r.peakNominal, -int64(bytes))
	}
	r.liveObjects.Add(-1)
}

func bumpPeak(cur *atomic.Int64, peak *atomic.Uint64, delta int64) {
	v := cur.Add(delta)
	if v < 0 {
		cur.Store(0)
		v = 0
	}
	bumpPeakFromCurrent(v, peak)
}

func bumpPeakFromCurrent(v int64, peak *atomic.Uint64) {
	for {
		p := peak.Load()
		if uint64(v) <= p {
			return
		}
		if peak.CompareAndSwap(p, uint64(v)) {
			return
		}
	}
}

// Stats is a point-in-time snapshot of a rule's counters, used by reports.
type Stats struct {
	Matches, CacheHits, CacheMisses, Unfit    uint64
	CurrentNominal, PeakNominal               uint64
	CurrentFallback, PeakFallback             uint64
	PeakObjects                               uint64
}

// Snapshot returns the rule's current statistics.
func (r *Rule) Snapshot() Stats {
	return Stats{
		Matches:         r.matches.Load(),
		CacheHits:       r.cacheHits.Load(),
		CacheMisses:     r.cacheMisses.Load(),
		Unfit:           r.unfit.Load(),
		CurrentNominal:  uint64(max64(r.curNominal.Load())),
		PeakNominal:     r.peakNominal.Load(),
		CurrentFallback: uint64(max64(r.curFallback.Load())),
		PeakFallback:    r.peakFallback.Load(),
		PeakObjects:     r.peakObjects.Load(),
	}
}

func max64(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// CacheHitRatio returns the rule's cache hit ratio in [0,1], or 0 if the
// rule has never been consulted.
func (s Stats) CacheHitRatio() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// Classifier holds the loaded, depth-indexed rule table.
type Classifier struct {
	opts     Options
	rules    []*Rule // sorted by Depth ascending, stable
	firstAt  []int   // firstAt[d] .. firstAt[d+1] indexes into rules for depth d
	maxDepth int
	source   bool // true = source mode, false = raw mode (invariant R1)
}

// MaxDepth returns the configured frame-sampling bound.
func (c *Classifier) MaxDepth() int { return c.maxDepth }

// SourceMode reports whether the table was loaded in source mode.
func (c *Classifier) SourceMode() bool { return c.source }

// Load builds a Classifier from already-parsed rule records (component E
// "Loading"). reg resolves each record's backend name; opts.MaxDepth
// bounds frame counts (invariant R2).
func Load(records []rules.Record, mode rules.Mode, reg *backend.Registry, opts Options) (*Classifier, error) {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 64
	}
	source := mode != rules.ModeRaw
	c := &Classifier{opts: opts, maxDepth: opts.MaxDepth, source: source}

	nextID := uint32(1)
	for _, rec := range records {
		be, ok := reg.Get(rec.Backend)
		if !ok {
			return nil, fmt.Errorf("classifier: rule at line %d targets unknown backend %q", rec.Line, rec.Backend)
		}
		if opts.DropFallbackTargets && strings.EqualFold(be.Name(), opts.FallbackName) {
			continue // silently dropped
		}

		frames := buildFrames(rec.Frames, source)
		// Unresolved-tail clipping shrinks depth from the deep end.
		for len(frames) > 0 && !frames[len(frames)-1].valid && source {
			frames = frames[:len(frames)-1]
		}
		if len(frames) > opts.MaxDepth {
			frames = frames[:opts.MaxDepth] // truncate (R2); no warning is logged
		}

		r := &Rule{ID: nextID, Backend: be, Depth: len(frames), frames: frames}
		nextID++
		be.SetUsed(true)
		c.rules = append(c.rules, r)
	}

	sort.SliceStable(c.rules, func(i, j int) bool { return c.rules[i].Depth < c.rules[j].Depth })
	c.buildIndex()
	return c, nil
}

func buildFrames(specs []rules.FrameSpec, source bool) []frameEntry {
	out := make([]frameEntry, len(specs))
	for i, s := range specs {
		if source {
			out[i] = frameEntry{file: s.File, line: s.Line, valid: !s.Unresolved()}
		} else {
			out[i] = frameEntry{pc: uintptr(s.Offset), valid: true}
		}
	}
	return out
}

func (c *Classifier) buildIndex() {
	maxD := 0
	for _, r := range c.rules {
		if r.Depth > maxD {
			maxD = r.Depth
		}
	}
	c.firstAt = make([]int, maxD+2)
	di := 0
	for i, r := range c.rules {
		for di <= r.Depth {
			c.firstAt[di] = i
			di++
		}
	}
	for di < len(c.firstAt) {
		c.firstAt[di] = len(c.rules)
		di++
	}
}

// rangeForDepth returns the contiguous slice of c.rules whose Depth equals
// d. Absent depths collapse into an empty range ("Indexing").
func (c *Classifier) rangeForDepth(d int) []*Rule {
	if d < 0 || d+1 >= len(c.firstAt) {
		return nil
	}
	return c.rules[c.firstAt[d]:c.firstAt[d+1]]
}

// Match classifies a captured, resolved call stack against the loaded rule
// table. It returns the matching rule, or nil if none matched (the core
// router then falls back). The first frame is compared strictly whenever
// it was translated; later untranslated positions are skipped.
func (c *Classifier) Match(frames []symbols.Frame) *Rule {
	candidates := c.rangeForDepth(len(frames))
	for _, r := range candidates {
		if r.matchesFrames(frames, c.opts.CompareWholePath, c.source) {
			return r
		}
	}
	return nil
}

func (r *Rule) matchesFrames(frames []symbols.Frame, wholePath bool, source bool) bool {
	if len(frames) != len(r.frames) {
		return false
	}
	for i, rf := range r.frames {
		cf := frames[i]
		if source {
			if i == 0 {
				if cf.Translated {
					if !rf.valid || !sameFile(rf.file, cf.File, wholePath) || rf.line != cf.Line {
						return false
					}
				}
				// untranslated first frame: skip, per the resolved policy
				continue
			}
			if !cf.Translated || !rf.valid {
				continue // skip position
			}
			if !sameFile(rf.file, cf.File, wholePath) || rf.line != cf.Line {
				return false
			}
		} else {
			if cf.RawOffset() != rf.pc {
				return false
			}
		}
	}
	return true
}

func sameFile(ruleFile, candidateFile string, wholePath bool) bool {
	if !wholePath {
		ruleFile = basename(ruleFile)
		candidateFile = basename(candidateFile)
	}
	return strings.EqualFold(ruleFile, candidateFile)
}

func basename(p string) string {
	if i := strings.LastIndexAny(p, "/\\"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// Rules returns every loaded rule, in depth-sorted order, for reporting.
func (c *Classifier) Rules() []*Rule { return c.rules }
