package stats_test

import (
	"testing"

	"github.com/intel/flexmalloc/internal/stats"
)

func TestWaterMarkTracksLiveBytes(t *testing.T) {
	var r stats.Recorder
	r.RecordAcquire(1024)
	r.RecordAcquire(2048)
	if got, want := r.WaterMark(), uintptr(3072); got != want {
		t.Fatalf("water mark = %d, want %d", got, want)
	}
	r.RecordRelease(1024)
	if got, want := r.WaterMark(), uintptr(2048); got != want {
		t.Fatalf("water mark after release = %d, want %d", got, want)
	}
}

func TestPeakWaterMarkNeverDecreases(t *testing.T) {
	var r stats.Recorder
	r.RecordAcquire(4096)
	r.RecordRelease(4096)
	r.RecordAcquire(512)
	if got, want := r.PeakWaterMark(), uintptr(4096); got != want {
		t.Fatalf("peak = %d, want %d (invariant T4)", got, want)
	}
}

func TestReleaseClampsAtZero(t *testing.T) {
	var r stats.Recorder
	r.RecordRelease(100) // no matching acquire: drifted counter
	if got, want := r.WaterMark(), uintptr(0); got != want {
		t.Fatalf("water mark = %d, want clamped to %d", got, want)
	}
}

func TestResizeAdjustsByDelta(t *testing.T) {
	var r stats.Recorder
	r.RecordAcquire(64)
	r.RecordResize(64, 256)
	if got, want := r.WaterMark(), uintptr(256); got != want {
		t.Fatalf("water mark after resize = %d, want %d", got, want)
	}
}
