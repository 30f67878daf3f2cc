package utils

import (
	"sort"

	"github.com/Masterminds/semver/v3"
)

// SortVersionsAscending orders versions oldest first. Versions that parse as
// semver sort by precedence and come before the rest, which sort lexically.
// The original strings are returned unchanged, never re-rendered.
func SortVersionsAscending(versions []string) []string {
	type entry struct {
		raw string
		sv  *semver.Version
	}

	entries := make([]entry, 0, len(versions))
	for _, v := range versions {
		sv, err := semver.NewVersion(v)
		if err != nil {
			sv = nil
		}
		entries = append(entries, entry{raw: v, sv: sv})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch {
		case a.sv != nil && b.sv != nil:
			if a.sv.Equal(b.sv) {
				return a.raw < b.raw
			}
			return a.sv.LessThan(b.sv)
		case a.sv != nil:
			return true
		case b.sv != nil:
			return false
		default:
			return a.raw < b.raw
		}
	})

	result := make([]string, len(entries))
	for i, e := range entries {
		result[i] = e.raw
	}
	return result
}

// GetLatestVersion returns the highest version, or "" for an empty list
func GetLatestVersion(versions []string) string {
	if len(versions) == 0 {
		return ""
	}

	sorted := SortVersionsAscending(versions)
	for i := len(sorted) - 1; i >= 0; i-- {
		if _, err := semver.NewVersion(sorted[i]); err == nil {
			return sorted[i]
		}
	}
	return sorted[len(sorted)-1]
}
