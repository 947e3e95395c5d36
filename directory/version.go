package directory

import (
	"fmt"
	"strconv"
	"strings"
)

// VersionStatus is the classification of a version against a recommended list.
type VersionStatus int

const (
	VersionRecommended VersionStatus = iota
	VersionOld
	VersionNewInSeries
	VersionNew
	VersionEmpty
	VersionUnrecommended
)

func (s VersionStatus) String() string {
	switch s {
	case VersionRecommended:
		return "RECOMMENDED"
	case VersionOld:
		return "OLD"
	case VersionNewInSeries:
		return "NEW_IN_SERIES"
	case VersionNew:
		return "NEW"
	case VersionEmpty:
		return "EMPTY"
	case VersionUnrecommended:
		return "UNRECOMMENDED"
	default:
		return "UNKNOWN"
	}
}

// Version is a parsed Tor version string: {major, minor, micro, status,
// patchlevel, tag, svn-revision} per spec.md §4.4.
type Version struct {
	Major, Minor, Micro, Patch int
	Status                    string // not set by ParseVersion; a "-alpha"-style suffix goes to Tag
	Tag                       string
	SVNRevision               string // not set by ParseVersion
}

// ParseVersion parses a string like "0.2.1.5-alpha" or "0.2.0.35". A
// leading "Tor " prefix is tolerated and stripped.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "Tor ")

	var tag string
	if i := strings.IndexAny(s, "-"); i >= 0 {
		tag = s[i+1:]
		s = s[:i]
	}
	if i := strings.Index(tag, " "); i >= 0 {
		tag = tag[:i]
	}

	parts := strings.Split(s, ".")
	if len(parts) < 3 {
		return Version{}, fmt.Errorf("version: too few components in %q", s)
	}
	ints := make([]int, 4)
	for i := 0; i < len(parts) && i < 4; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return Version{}, fmt.Errorf("version: component %d of %q: %w", i, s, err)
		}
		ints[i] = n
	}

	return Version{
		Major: ints[0], Minor: ints[1], Micro: ints[2], Patch: ints[3],
		Tag: tag,
	}, nil
}

// sameSeries reports whether v1 and v2 share the (major, minor, micro)
// series, the equality relation spec.md §4.4 defines for NEW_IN_SERIES.
func (v Version) sameSeries(o Version) bool {
	return v.Major == o.Major && v.Minor == o.Minor && v.Micro == o.Micro
}

// less orders versions lexicographically by {major, minor, micro, patch,
// tag} as spec.md §4.4 specifies. An empty tag sorts after any non-empty
// tag (a tagged release like "-alpha" precedes its untagged successor).
func (v Version) less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	if v.Micro != o.Micro {
		return v.Micro < o.Micro
	}
	if v.Patch != o.Patch {
		return v.Patch < o.Patch
	}
	if v.Tag == o.Tag {
		return false
	}
	if v.Tag == "" {
		return false
	}
	if o.Tag == "" {
		return true
	}
	return v.Tag < o.Tag
}

func (v Version) equal(o Version) bool {
	return v.Major == o.Major && v.Minor == o.Minor && v.Micro == o.Micro &&
		v.Patch == o.Patch && v.Tag == o.Tag
}

// ClassifyVersion classifies myVersion against a comma-separated list of
// recommended version strings (spec.md §4.4's version-status
// classification, worked example 6).
func ClassifyVersion(myVersion string, recommendedList string) (VersionStatus, error) {
	recommendedList = strings.TrimSpace(recommendedList)
	if recommendedList == "" {
		return VersionEmpty, nil
	}
	my, err := ParseVersion(myVersion)
	if err != nil {
		return VersionUnrecommended, fmt.Errorf("version: parse my version: %w", err)
	}

	var recommended []Version
	for _, s := range strings.Split(recommendedList, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		v, err := ParseVersion(s)
		if err != nil {
			continue // tolerate a malformed entry in the recommended list
		}
		recommended = append(recommended, v)
	}
	if len(recommended) == 0 {
		return VersionEmpty, nil
	}

	for _, r := range recommended {
		if my.equal(r) {
			return VersionRecommended, nil
		}
	}

	olderThanSome := false
	newerThanAllInSeries := true
	sawSeries := false

	for _, r := range recommended {
		if my.sameSeries(r) {
			sawSeries = true
			if !r.less(my) {
				newerThanAllInSeries = false
			}
		}
		if my.less(r) {
			olderThanSome = true
		}
	}

	if sawSeries && newerThanAllInSeries {
		return VersionNewInSeries, nil
	}
	if olderThanSome {
		return VersionOld, nil
	}
	return VersionNew, nil
}
