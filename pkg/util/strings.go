package util

import "strings"

// SplitCommaSeparated splits a comma-separated list, trimming each element
// and dropping empty and repeated ones. Order of first occurrence is kept.
// Empty input returns nil.
func SplitCommaSeparated(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		result = append(result, p)
	}
	return result
}
