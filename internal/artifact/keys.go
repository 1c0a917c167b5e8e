package artifact

import (
	"fmt"
	"path"
	"strings"
)

// Wildcard is the trailing marker that turns an input key into a prefix match.
const Wildcard = "*"

// IsWildcard reports whether key is a prefix pattern.
func IsWildcard(key string) bool {
	return strings.HasSuffix(key, Wildcard)
}

// WildcardPrefix returns the literal prefix of a wildcard pattern.
func WildcardPrefix(pattern string) string {
	return strings.TrimSuffix(pattern, Wildcard)
}

// Match reports whether key satisfies pattern. Exact keys match themselves;
// wildcard patterns match any non-empty extension of their prefix.
func Match(pattern, key string) bool {
	if !IsWildcard(pattern) {
		return pattern == key
	}
	prefix := WildcardPrefix(pattern)
	return len(key) > len(prefix) && strings.HasPrefix(key, prefix)
}

// Overlaps reports whether two patterns can match a common key. It is used
// to decide whether a declared output satisfies a (possibly wildcard) input.
func Overlaps(input, output string) bool {
	switch {
	case IsWildcard(input) && IsWildcard(output):
		a, b := WildcardPrefix(input), WildcardPrefix(output)
		return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
	case IsWildcard(input):
		return Match(input, output)
	case IsWildcard(output):
		return Match(output, input)
	default:
		return input == output
	}
}

// ValidateKey checks that key is a clean, relative, path-shaped name. Wildcards
// are accepted only when allowWildcard is set.
func ValidateKey(key string, allowWildcard bool) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("artifact key is empty")
	}
	if key != strings.TrimSpace(key) {
		return fmt.Errorf("artifact key %q has surrounding whitespace", key)
	}
	body := key
	if IsWildcard(key) {
		if !allowWildcard {
			return fmt.Errorf("artifact key %q: wildcard not allowed here", key)
		}
		body = WildcardPrefix(key)
	}
	if strings.Contains(body, Wildcard) {
		return fmt.Errorf("artifact key %q: wildcard only allowed as final character", key)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("artifact key %q must be a relative slash-separated path", key)
	}
	if body == "" {
		return nil
	}
	trimmed := strings.TrimSuffix(body, "/")
	if trimmed == "" {
		return fmt.Errorf("artifact key %q must be a relative slash-separated path", key)
	}
	if path.Clean(trimmed) != trimmed {
		return fmt.Errorf("artifact key %q is not in canonical form", key)
	}
	for _, part := range strings.Split(trimmed, "/") {
		if part == ".." || part == "." {
			return fmt.Errorf("artifact key %q escapes the artifact root", key)
		}
	}
	return nil
}

// hiddenKey reports whether key belongs to store bookkeeping rather than the
// pipeline's artifact namespace.
func hiddenKey(key string) bool {
	for _, part := range strings.Split(key, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
