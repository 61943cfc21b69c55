package deploy

import (
	"path/filepath"
	"strings"
)

// OnlySkippablePaths reports whether every changed file matches the non-code
// allowlist, meaning the previous build artifact can keep serving. An empty
// change set does not qualify: it means the diff could not be computed, and
// the safe answer is to rebuild.
func OnlySkippablePaths(changed, allowlist []string) bool {
	if len(changed) == 0 {
		return false
	}
	for _, file := range changed {
		if !pathSkippable(file, allowlist) {
			return false
		}
	}
	return true
}

// pathSkippable matches one changed file against the allowlist. Three
// pattern forms: a trailing slash is a directory prefix, a glob applies to
// the base name at any depth, anything else is an exact path.
func pathSkippable(file string, allowlist []string) bool {
	file = filepath.ToSlash(file)
	for _, pattern := range allowlist {
		pattern = filepath.ToSlash(pattern)
		switch {
		case strings.HasSuffix(pattern, "/"):
			if strings.HasPrefix(file, pattern) {
				return true
			}
		case strings.ContainsAny(pattern, "*?["):
			if ok, err := filepath.Match(pattern, filepath.Base(file)); err == nil && ok {
				return true
			}
		default:
			if file == pattern {
				return true
			}
		}
	}
	return false
}
