package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PreTag identifies the prerelease channel of a version.
type PreTag int

const (
	// PreNone marks a full release.
	PreNone PreTag = iota
	// PreAlpha marks an alpha prerelease ("a").
	PreAlpha
	// PreBeta marks a beta prerelease ("b").
	PreBeta
)

func (t PreTag) String() string {
	switch t {
	case PreAlpha:
		return "a"
	case PreBeta:
		return "b"
	}
	return ""
}

// Version is a package version: a three part numeric triple plus an optional
// alpha/beta prerelease ordinal. Each numeric component is limited to the
// range 0-999 and the all-zero triple is not a valid version.
//
// Formatted as "M.m.p" or "M.m.p{a|b}N", e.g. "1.4.0" or "2.0.0b3".
type Version struct {
	Major      uint16
	Minor      uint16
	Patch      uint16
	Pre        PreTag
	PreOrdinal uint16
}

var versionRe = regexp.MustCompile(`^(\d{1,3})\.(\d{1,3})\.(\d{1,3})(?:([ab])(\d{1,3}))?$`)

// Parse parses the textual form of a version. Input is trimmed and
// lowercased before matching. The all-zero triple, prerelease ordinals
// below 1 and anything outside the exact grammar are rejected.
func Parse(s string) (Version, error) {
	text := strings.ToLower(strings.TrimSpace(s))
	m := versionRe.FindStringSubmatch(text)
	if m == nil {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}

	// The regexp limits each component to 3 digits, so these never fail.
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch, _ := strconv.Atoi(m[3])

	if major == 0 && minor == 0 && patch == 0 {
		return Version{}, fmt.Errorf("invalid version %q: 0.0.0 is not allowed", s)
	}

	v := Version{
		Major: uint16(major),
		Minor: uint16(minor),
		Patch: uint16(patch),
	}

	if m[4] != "" {
		ord, _ := strconv.Atoi(m[5])
		if ord < 1 {
			return Version{}, fmt.Errorf("invalid version %q: prerelease ordinal must be >= 1", s)
		}
		if m[4] == "a" {
			v.Pre = PreAlpha
		} else {
			v.Pre = PreBeta
		}
		v.PreOrdinal = uint16(ord)
	}

	return v, nil
}

// MustParse is Parse for trusted inputs; it panics on error.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String formats the version in its canonical form.
func (v Version) String() string {
	base := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Pre == PreNone {
		return base
	}
	return fmt.Sprintf("%s%s%d", base, v.Pre, v.PreOrdinal)
}

// IsPrerelease reports whether the version carries an alpha or beta tag.
func (v Version) IsPrerelease() bool {
	return v.Pre != PreNone
}

// Compare returns -1, 0 or 1 when v is ordered before, equal to or after o.
// The main triple orders lexicographically; a prerelease sorts before the
// equivalent release, and alpha sorts before beta at the same ordinal.
func (v Version) Compare(o Version) int {
	if c := compareUint16(v.Major, o.Major); c != 0 {
		return c
	}
	if c := compareUint16(v.Minor, o.Minor); c != 0 {
		return c
	}
	if c := compareUint16(v.Patch, o.Patch); c != 0 {
		return c
	}

	// Same triple: a release outranks any prerelease.
	if v.Pre == PreNone && o.Pre == PreNone {
		return 0
	}
	if v.Pre == PreNone {
		return 1
	}
	if o.Pre == PreNone {
		return -1
	}

	if c := compareUint16(uint16(v.Pre), uint16(o.Pre)); c != 0 {
		return c
	}
	return compareUint16(v.PreOrdinal, o.PreOrdinal)
}

// Equal reports whether two versions are identical.
func (v Version) Equal(o Version) bool {
	return v.Compare(o) == 0
}

// Before reports whether v orders strictly before o.
func (v Version) Before(o Version) bool {
	return v.Compare(o) < 0
}

func compareUint16(a, b uint16) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
