package config_test

import (
	"strings"
	"testing"

	"github.com/intel/flexmalloc/config"
)

func TestParseDefinitionsSplitsSections(t *testing.T) {
	input := `# Memory configuration for allocator hbm
Size 512 MBytes

# Memory configuration for allocator pmem
Path /mnt/pmem/pool
Size 4096 MBytes
`
	sections, err := config.ParseDefinitions(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseDefinitions: %v", err)
	}
	if len(sections) != 2 {
		t.Fatalf("len(sections) = %d, want 2", len(sections))
	}
	if sections[0].Backend != "hbm" || len(sections[0].Lines) != 1 {
		t.Fatalf("sections[0] = %+v", sections[0])
	}
	if sections[1].Backend != "pmem" || len(sections[1].Lines) != 2 {
		t.Fatalf("sections[1] = %+v", sections[1])
	}
}

func TestParseDefinitionsRejectsOrphanLine(t *testing.T) {
	_, err := config.ParseDefinitions(strings.NewReader("Size 512 MBytes\n"))
	if err == nil {
		t.Fatalf("expected error for configuration line outside any section")
	}
}
