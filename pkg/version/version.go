// Package version provides semantic version handling and bump arithmetic
// for the release pipeline.
package version

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Bump represents the magnitude of a version increase.
type Bump int

const (
	// BumpNone indicates no release-worthy change.
	BumpNone Bump = iota

	// BumpPatch indicates a backwards-compatible bug fix.
	BumpPatch

	// BumpMinor indicates backwards-compatible new functionality.
	BumpMinor

	// BumpMajor indicates a breaking change.
	BumpMajor
)

var bumpNames = map[Bump]string{
	BumpNone:  "none",
	BumpPatch: "patch",
	BumpMinor: "minor",
	BumpMajor: "major",
}

// String returns the lowercase name of the bump kind.
func (b Bump) String() string {
	if name, ok := bumpNames[b]; ok {
		return name
	}
	return fmt.Sprintf("bump(%d)", int(b))
}

// ParseBump converts a bump name to its Bump value.
func ParseBump(s string) (Bump, error) {
	for b, name := range bumpNames {
		if name == s {
			return b, nil
		}
	}
	return BumpNone, fmt.Errorf("unknown bump kind: %q", s)
}

// MarshalJSON encodes the bump as its lowercase name.
func (b Bump) MarshalJSON() ([]byte, error) {
	name, ok := bumpNames[b]
	if !ok {
		return nil, fmt.Errorf("unknown bump kind: %d", int(b))
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes a bump from its lowercase name.
func (b *Bump) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseBump(name)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// MaxBump returns the larger of two bump kinds.
func MaxBump(a, b Bump) Bump {
	if a > b {
		return a
	}
	return b
}

// Parse parses a semantic version string, with or without a leading "v".
func Parse(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("invalid semantic version %q: %w", s, err)
	}
	return v, nil
}

// MustParse parses a semantic version string and panics on failure.
// Intended for tests and compile-time constants.
func MustParse(s string) *semver.Version {
	return semver.MustParse(s)
}

// Apply returns the version that results from applying bump to v.
// A bump of BumpNone returns v unchanged.
func Apply(v *semver.Version, bump Bump) *semver.Version {
	switch bump {
	case BumpPatch:
		next := v.IncPatch()
		return &next
	case BumpMinor:
		next := v.IncMinor()
		return &next
	case BumpMajor:
		next := v.IncMajor()
		return &next
	default:
		return v
	}
}

// TagName returns the canonical tag name for a version.
func TagName(v *semver.Version) string {
	return "v" + v.String()
}

// Initial is the version reported for a repository with no prior release.
func Initial() *semver.Version {
	return semver.MustParse("0.0.0")
}
