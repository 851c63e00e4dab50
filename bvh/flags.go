package bvh

import "strings"

// BuildFlags express build preferences.
type BuildFlags uint32

// Build flags.
const (
	// PreferFastTrace favors traversal speed over build time.
	PreferFastTrace BuildFlags = 1 << iota

	// PreferFastBuild favors build time over traversal speed.
	PreferFastBuild

	// MinimizeMemory disables quality features that cost memory.
	MinimizeMemory
)

// String returns the set flags joined by "|".
func (f BuildFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	if f&PreferFastTrace != 0 {
		parts = append(parts, "fast-trace")
	}
	if f&PreferFastBuild != 0 {
		parts = append(parts, "fast-build")
	}
	if f&MinimizeMemory != 0 {
		parts = append(parts, "minimize-memory")
	}
	return strings.Join(parts, "|")
}

// Quality is the build quality level.
type Quality uint8

// Quality levels.
const (
	QualityLow Quality = iota
	QualityMedium
	QualityHigh
)

// String returns the quality name.
func (q Quality) String() string {
	switch q {
	case QualityLow:
		return "low"
	case QualityMedium:
		return "medium"
	case QualityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Options are the build parameters derived from BuildFlags.
type Options struct {
	Quality Quality

	// Splitting enables the exhaustive split search.
	Splitting bool
}

// OptionsFromFlags maps build flags to options: fast-build only selects
// low quality, fast-trace only selects high quality with splitting
// (unless MinimizeMemory is set), anything else selects medium.
func OptionsFromFlags(f BuildFlags) Options {
	trace := f&PreferFastTrace != 0
	build := f&PreferFastBuild != 0
	switch {
	case build && !trace:
		return Options{Quality: QualityLow}
	case trace && !build:
		return Options{Quality: QualityHigh, Splitting: f&MinimizeMemory == 0}
	default:
		return Options{Quality: QualityMedium}
	}
}
