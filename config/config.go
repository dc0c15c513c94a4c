// Package config loads flexmalloc's environment-variable configuration and
// parses the definitions file it points at (the rules file is parsed by
// internal/rules). It mirrors
// original_source/src/common.hxx's Options class, which reads the same
// FLEXMALLOC_* variables into one struct at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Options is the parsed form of every FLEXMALLOC_* environment variable
// Fields keep their Go zero value as the documented default
// wherever that coincides (e.g. Verbose defaults to 0); fields whose
// default is non-zero are set explicitly by Load.
type Options struct {
	Verbose                    int
	Debug                      bool
	MessagesOnStderr           bool
	DefinitionsPath            string
	LocationsPath              string
	FallbackAllocator          string
	MinSizeThreshold           uintptr
	MinSizeThresholdAllocator  string
	CompareWholePath           bool
	CallstackMinus1            bool
	CallstackStopAtMain        bool
	ShortenFrames              bool
	SourceFrames               *bool // nil = auto-detect
	IgnoreLocationsOnFallback  bool
	ReadOffsetBase             int
}

const envPrefix = "FLEXMALLOC_"

// Load reads every FLEXMALLOC_* variable from the process environment and
// validates the two required paths. A missing FLEXMALLOC_DEFINITIONS or
// FLEXMALLOC_LOCATIONS is a fatal configuration error ("Fatal
// configuration" row; exit code 2 at the binary's boundary).
func Load() (Options, error) {
	o := Options{
		MessagesOnStderr:          true,
		FallbackAllocator:         "posix",
		ShortenFrames:             true,
		IgnoreLocationsOnFallback: true,
		ReadOffsetBase:            16,
	}

	o.Verbose = envInt("VERBOSE", 0)
	o.Debug = envBool("DEBUG", false)
	o.MessagesOnStderr = envBool("MESSAGES_ON_STDERR", o.MessagesOnStderr)
	o.DefinitionsPath = os.Getenv(envPrefix + "DEFINITIONS")
	o.LocationsPath = os.Getenv(envPrefix + "LOCATIONS")
	if v := os.Getenv(envPrefix + "FALLBACK_ALLOCATOR"); v != "" {
		o.FallbackAllocator = v
	}
	o.MinSizeThreshold = uintptr(envInt("MINSIZE_THRESHOLD", 0))
	o.MinSizeThresholdAllocator = os.Getenv(envPrefix + "MINSIZE_THRESHOLD_ALLOCATOR")
	if o.MinSizeThresholdAllocator == "" {
		o.MinSizeThresholdAllocator = o.FallbackAllocator
	}
	o.CompareWholePath = envBool("COMPARE_WHOLE_PATH", false)
	o.CallstackMinus1 = envBool("CALLSTACK_MINUS1", false)
	o.CallstackStopAtMain = envBool("CALLSTACK_STOP_AT_MAIN", false)
	o.ShortenFrames = envBool("SHORTEN_FRAMES", o.ShortenFrames)
	if v, ok := os.LookupEnv(envPrefix + "SOURCE_FRAMES"); ok {
		b := parseBool(v)
		o.SourceFrames = &b
	}
	o.IgnoreLocationsOnFallback = envBool("IGNORE_LOCATIONS_ON_FALLBACK_ALLOCATOR", o.IgnoreLocationsOnFallback)
	o.ReadOffsetBase = envInt("READ_OFFSET_BASE", o.ReadOffsetBase)

	if o.DefinitionsPath == "" {
		return o, fmt.Errorf("config: %sDEFINITIONS is required", envPrefix)
	}
	if o.LocationsPath == "" {
		return o, fmt.Errorf("config: %sLOCATIONS is required", envPrefix)
	}
	return o, nil
}

func envInt(name string, def int) int {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(name string, def bool) bool {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok || v == "" {
		return def
	}
	return parseBool(v)
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
