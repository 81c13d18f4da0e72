package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrInvalidVersion is returned when a version string does not match
	// the accepted vX.Y.Z[-suffix] format
	ErrInvalidVersion = errors.New("invalid version format")

	// versionRegex matches a firmware version string (e.g., v1.2.3, 1.2.3-beta2).
	// The leading "v" is optional on input and always present after normalization.
	versionRegex = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(-[A-Za-z0-9]+)?$`)
)

// FirmwareVersion is a parsed firmware version
type FirmwareVersion struct {
	Major  uint
	Minor  uint
	Patch  uint
	Suffix string
}

// NormalizeVersion validates a version string and returns it with a leading "v".
func NormalizeVersion(version string) (string, error) {
	v := strings.TrimSpace(version)
	if !versionRegex.MatchString(v) {
		return "", ErrInvalidVersion
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v, nil
}

// ParseVersion parses a version string into a FirmwareVersion struct
func ParseVersion(version string) (*FirmwareVersion, error) {
	matches := versionRegex.FindStringSubmatch(strings.TrimSpace(version))
	if matches == nil {
		return nil, ErrInvalidVersion
	}

	major, err := strconv.ParseUint(matches[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to parse major version: %w", err)
	}

	minor, err := strconv.ParseUint(matches[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to parse minor version: %w", err)
	}

	patch, err := strconv.ParseUint(matches[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to parse patch version: %w", err)
	}

	return &FirmwareVersion{
		Major:  uint(major),
		Minor:  uint(minor),
		Patch:  uint(patch),
		Suffix: strings.TrimPrefix(matches[4], "-"),
	}, nil
}

// FormatVersion formats a FirmwareVersion back into its canonical string form
func FormatVersion(v *FirmwareVersion) string {
	result := fmt.Sprintf("v%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Suffix != "" {
		result += "-" + v.Suffix
	}
	return result
}

// CompareVersions compares two version strings.
// Returns:
//   - -1 if v1 < v2
//   -  0 if v1 = v2
//   -  1 if v1 > v2
//
// A version with a suffix sorts before the same version without one.
func CompareVersions(v1, v2 string) (int, error) {
	a, err := ParseVersion(v1)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %q: %w", v1, err)
	}
	b, err := ParseVersion(v2)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %q: %w", v2, err)
	}

	if c := compareUint(a.Major, b.Major); c != 0 {
		return c, nil
	}
	if c := compareUint(a.Minor, b.Minor); c != 0 {
		return c, nil
	}
	if c := compareUint(a.Patch, b.Patch); c != 0 {
		return c, nil
	}

	// Pre-release sorts before release
	switch {
	case a.Suffix == b.Suffix:
		return 0, nil
	case a.Suffix == "":
		return 1, nil
	case b.Suffix == "":
		return -1, nil
	default:
		return strings.Compare(a.Suffix, b.Suffix), nil
	}
}

func compareUint(a, b uint) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
