package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Section is one "# Memory configuration for allocator NAME" block from the
// definitions file: a target backend name plus its configuration lines,
// replayed verbatim against backend.Registry.Configure (component B).
type Section struct {
	Backend string
	Lines   []string
}

const sectionPrefix = "# Memory configuration for allocator "

// ParseDefinitions splits a definitions file into per-backend sections.
// Grounded on original_source/src/allocators.cxx's definitions-file reader,
// which scans for the same comment-delimited header line.
func ParseDefinitions(r io.Reader) ([]Section, error) {
	var sections []Section
	var cur *Section

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, sectionPrefix) {
			name := strings.TrimSpace(strings.TrimPrefix(line, sectionPrefix))
			if name == "" {
				return nil, fmt.Errorf("config: definitions line %d: empty allocator name", lineNo)
			}
			sections = append(sections, Section{Backend: name})
			cur = &sections[len(sections)-1]
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue // an ordinary comment, not a section header
		}
		if cur == nil {
			return nil, fmt.Errorf("config: definitions line %d: configuration line outside any allocator section", lineNo)
		}
		cur.Lines = append(cur.Lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: reading definitions: %w", err)
	}
	return sections, nil
}
