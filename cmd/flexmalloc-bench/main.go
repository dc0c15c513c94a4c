// Command flexmalloc-bench drives flexmalloc through a configurable mix of
// acquire/resize/release calls, standing in for the original's
// LD_PRELOAD-driven test programs (tests/malloc+realloc.c,
// tests/posix_memalign+realloc.c, tests/realloc.c, tests/multiple-tests.c)
// now that allocation is an explicit library call rather than an
// interposed libc symbol.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/intel/flexmalloc"
)

func main() {
	iterations := flag.Int("n", 10000, "number of allocate/release cycles to run")
	minSize := flag.Int("min", 16, "minimum request size in bytes")
	maxSize := flag.Int("max", 8192, "maximum request size in bytes")
	seed := flag.Int64("seed", 1, "PRNG seed")
	flag.Parse()

	if err := flexmalloc.Init(); err != nil {
		fmt.Fprintln(os.Stderr, "flexmalloc-bench: init:", err)
		os.Exit(2)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		flexmalloc.Shutdown(os.Stdout)
		os.Exit(0)
	}()

	run(*iterations, *minSize, *maxSize, *seed)

	flexmalloc.Shutdown(os.Stdout)
}

func run(iterations, minSize, maxSize int, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	live := make([][]byte, 0, 256)

	for i := 0; i < iterations; i++ {
		switch rng.Intn(3) {
		case 0: // acquire
			n := uintptr(minSize + rng.Intn(maxSize-minSize+1))
			if buf := flexmalloc.Acquire(n); buf != nil {
				live = append(live, buf)
			}
		case 1: // resize a random live block
			if len(live) == 0 {
				continue
			}
			idx := rng.Intn(len(live))
			n := uintptr(minSize + rng.Intn(maxSize-minSize+1))
			if grown := flexmalloc.Resize(live[idx], n); grown != nil {
				live[idx] = grown
			}
		default: // release a random live block
			if len(live) == 0 {
				continue
			}
			idx := rng.Intn(len(live))
			flexmalloc.Release(live[idx])
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
		}
	}

	for _, buf := range live {
		flexmalloc.Release(buf)
	}
}
