package rules_test

import (
	"strings"
	"testing"

	"github.com/intel/flexmalloc/internal/rules"
)

func TestParseSourceMode(t *testing.T) {
	input := `# comment
foo.c:10 > bar.c:20 @ hi
baz.c:5 @ posix
`
	recs, mode, err := rules.Parse(strings.NewReader(input), rules.ModeAuto, 16)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if mode != rules.ModeSource {
		t.Fatalf("mode = %v, want ModeSource", mode)
	}
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2", len(recs))
	}
	if recs[0].Backend != "hi" || len(recs[0].Frames) != 2 {
		t.Fatalf("recs[0] = %+v", recs[0])
	}
	if recs[0].Frames[0].File != "foo.c" || recs[0].Frames[0].Line != 10 {
		t.Fatalf("recs[0].Frames[0] = %+v", recs[0].Frames[0])
	}
}

func TestParseRawMode(t *testing.T) {
	input := "libfoo.so!1a2b > libbar.so!ff @ hi\n"
	recs, mode, err := rules.Parse(strings.NewReader(input), rules.ModeAuto, 16)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if mode != rules.ModeRaw {
		t.Fatalf("mode = %v, want ModeRaw", mode)
	}
	if recs[0].Frames[0].Module != "libfoo.so" || recs[0].Frames[0].Offset != 0x1a2b {
		t.Fatalf("recs[0].Frames[0] = %+v", recs[0].Frames[0])
	}
}

func TestUnresolvedTailMarker(t *testing.T) {
	fs := rules.FrameSpec{File: "Unresolved", Line: 0}
	if !fs.Unresolved() {
		t.Fatalf("expected Unresolved() true")
	}
	fs2 := rules.FrameSpec{File: "foo.c", Line: 0}
	if fs2.Unresolved() {
		t.Fatalf("expected Unresolved() false for real file at line 0")
	}
}

func TestParseRejectsMissingAt(t *testing.T) {
	_, _, err := rules.Parse(strings.NewReader("foo.c:1\n"), rules.ModeAuto, 16)
	if err == nil {
		t.Fatalf("expected error for missing '@ NAME'")
	}
}
