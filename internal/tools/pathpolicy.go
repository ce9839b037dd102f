package tools

import (
	"fmt"
	"os"
	"path"
	"strings"
)

// CheckPathPolicy enforces the governance path policy for one path argument.
// The argument must not match any forbidden glob, and when an allow list
// exists it must match at least one allowed glob. "$HOME" in patterns is
// substituted with the current user's home directory.
func CheckPathPolicy(p string, allowed, forbidden []string) error {
	cleaned := path.Clean(p)

	for _, pattern := range forbidden {
		if matchPathGlob(expandHome(pattern), cleaned) {
			return fmt.Errorf("path %q is forbidden by policy (pattern %q)", cleaned, pattern)
		}
	}

	if len(allowed) > 0 {
		for _, pattern := range allowed {
			if matchPathGlob(expandHome(pattern), cleaned) {
				return nil
			}
		}
		return fmt.Errorf("path %q does not match any allowed pattern", cleaned)
	}
	return nil
}

func expandHome(pattern string) string {
	if !strings.Contains(pattern, "$HOME") {
		return pattern
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return pattern
	}
	return strings.ReplaceAll(pattern, "$HOME", home)
}

// matchPathGlob matches a path against a glob pattern. A trailing "/**"
// matches the prefix directory itself and everything below it; "**" segments
// elsewhere match any number of path elements; other segments use path.Match
// semantics.
func matchPathGlob(pattern, p string) bool {
	pattern = path.Clean(pattern)

	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
		// The prefix may itself contain wildcards ("/tmp/*/cache/**").
		return matchSegments(strings.Split(pattern, "/"), strings.Split(p, "/"))
	}

	if !strings.Contains(pattern, "**") {
		ok, err := path.Match(pattern, p)
		return err == nil && ok
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(p, "/"))
}

func matchSegments(pattern, segs []string) bool {
	if len(pattern) == 0 {
		return len(segs) == 0
	}
	if pattern[0] == "**" {
		if len(pattern) == 1 {
			return true
		}
		for i := 0; i <= len(segs); i++ {
			if matchSegments(pattern[1:], segs[i:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	ok, err := path.Match(pattern[0], segs[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pattern[1:], segs[1:])
}
