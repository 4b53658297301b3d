package ota

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a firmware version, ordered by major, then minor, then patch.
type Version struct {
	Major, Minor, Patch uint32
}

// ParseVersion parses "major.minor.patch".
func ParseVersion(s string) (v Version, err error) {
	parts := strings.Split(strings.TrimPrefix(strings.TrimSpace(s), "v"), ".")
	if len(parts) != 3 {
		return v, fmt.Errorf("invalid version %q", s)
	}
	var nums [3]uint32
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return v, fmt.Errorf("invalid version %q: %w", s, err)
		}
		nums[i] = uint32(n)
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// MustParseVersion is ParseVersion panicking on error.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpUint(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpUint(v.Minor, o.Minor)
	}
	return cmpUint(v.Patch, o.Patch)
}

// Newer tells if v is strictly after o.
func (v Version) Newer(o Version) bool {
	return v.Compare(o) > 0
}

// IsZero tells if v is 0.0.0.
func (v Version) IsZero() bool {
	return v == Version{}
}

func cmpUint(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
