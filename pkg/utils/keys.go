package utils

import (
	"net/url"
	"strings"
)

// BuildKey joins segments into a canonical storage key. A segment containing
// "/" is treated as a nested path and contributes one segment per part; each
// resulting segment is percent-encoded on its own, so "," and "%" never appear
// raw in a canonical key.
func BuildKey(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, segment := range segments {
		for _, part := range strings.Split(segment, "/") {
			if part == "" {
				continue
			}
			parts = append(parts, url.PathEscape(part))
		}
	}
	return strings.Join(parts, "/")
}

// NormalizeKey rewrites a key into canonical form. Legacy keys joined segments
// with "," or smuggled "/" inside a segment as "%2F"; both are split into real
// segments. Normalizing a canonical key returns it unchanged.
func NormalizeKey(key string) string {
	var parts []string
	for _, raw := range strings.Split(key, "/") {
		for _, legacy := range strings.Split(raw, ",") {
			decoded, err := url.PathUnescape(legacy)
			if err != nil {
				decoded = legacy
			}
			for _, part := range strings.Split(decoded, "/") {
				if part == "" {
					continue
				}
				parts = append(parts, url.PathEscape(part))
			}
		}
	}
	return strings.Join(parts, "/")
}

// SplitKey returns the decoded segments of a canonical key
func SplitKey(key string) []string {
	var segments []string
	for _, part := range strings.Split(NormalizeKey(key), "/") {
		if part == "" {
			continue
		}
		decoded, err := url.PathUnescape(part)
		if err != nil {
			decoded = part
		}
		segments = append(segments, decoded)
	}
	return segments
}

// KeySegment returns the decoded segment at index i, or "" when the key is
// shorter than that.
func KeySegment(key string, i int) string {
	segments := SplitKey(key)
	if i < 0 || i >= len(segments) {
		return ""
	}
	return segments[i]
}

// TryNormalizeRepoNames lists the repository names a key segment may refer to.
// Legacy keys encoded nested repository names with "," or "%2F", so "a,b"
// yields both "a,b" and "a/b". The input is always first.
func TryNormalizeRepoNames(name string) []string {
	candidates := []string{name}
	seen := map[string]bool{name: true}

	add := func(candidate string) {
		if candidate != "" && !seen[candidate] {
			seen[candidate] = true
			candidates = append(candidates, candidate)
		}
	}

	add(strings.ReplaceAll(name, ",", "/"))
	if decoded, err := url.PathUnescape(name); err == nil {
		add(decoded)
		add(strings.ReplaceAll(decoded, ",", "/"))
	}
	return candidates
}
