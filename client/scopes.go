package client

import (
	"slices"
	"strings"
)

// ParseScopes splits a space-separated scope string, dropping duplicates.
func ParseScopes(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(fields))
	result := make([]string, 0, len(fields))
	for _, s := range fields {
		if !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	return result
}

// JoinScopes joins scopes into the space-separated wire form.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ContainsAllScopes reports whether every required scope was granted.
func ContainsAllScopes(granted, required []string) bool {
	grantedSet := make(map[string]bool, len(granted))
	for _, s := range granted {
		grantedSet[s] = true
	}
	for _, s := range required {
		if !grantedSet[s] {
			return false
		}
	}
	return true
}

// MergeScopes appends to base the extra scopes it lacks, keeping order.
func MergeScopes(base, extra []string) []string {
	out := slices.Clone(base)
	for _, s := range extra {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// ScopesEqual reports whether a and b hold the same scopes in any order.
func ScopesEqual(a, b []string) bool {
	return slices.Equal(normalizeScope(a), normalizeScope(b))
}

func normalizeScope(scope []string) []string {
	out := slices.Clone(scope)
	slices.Sort(out)
	return slices.Compact(out)
}
