package tools

import (
	"regexp"
	"strings"
)

// ErrorCategory is the categorical hint attached to sanitized failures.
type ErrorCategory string

const (
	CategoryConnection    ErrorCategory = "connection"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryPermission    ErrorCategory = "permission"
	CategoryValidation    ErrorCategory = "validation"
	CategoryNotFound      ErrorCategory = "not_found"
	CategoryRateLimit     ErrorCategory = "rate_limit"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryUnknown       ErrorCategory = "unknown"
)

var (
	// Absolute unix paths with at least two segments.
	absPathPattern = regexp.MustCompile(`(?:/[\w.~-]+){2,}`)

	// Hex memory addresses.
	hexAddrPattern = regexp.MustCompile(`0x[0-9a-fA-F]{4,}`)

	// Source line references (file.go:123, line 42).
	srcLinePattern = regexp.MustCompile(`(?:[\w-]+\.go:\d+|\bline \d+)`)

	// goroutine stack headers.
	stackPattern = regexp.MustCompile(`goroutine \d+ \[[^\]]*\]:`)
)

// SanitizeError strips absolute paths, memory addresses, source line numbers
// and stack fragments from an error message before it becomes user-visible.
func SanitizeError(msg string) string {
	if idx := strings.Index(msg, "\ngoroutine "); idx >= 0 {
		msg = msg[:idx]
	}
	msg = stackPattern.ReplaceAllString(msg, "")
	msg = absPathPattern.ReplaceAllString(msg, "<path>")
	msg = hexAddrPattern.ReplaceAllString(msg, "<addr>")
	msg = srcLinePattern.ReplaceAllString(msg, "")
	msg = strings.Join(strings.Fields(msg), " ")
	return strings.TrimSpace(msg)
}

// CategorizeError maps an error message to a categorical hint by substring.
func CategorizeError(msg string) ErrorCategory {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "connection") ||
		strings.Contains(lower, "connect") ||
		strings.Contains(lower, "refused") ||
		strings.Contains(lower, "unreachable") ||
		strings.Contains(lower, "broken pipe"):
		return CategoryConnection
	case strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "deadline exceeded"):
		return CategoryTimeout
	case strings.Contains(lower, "permission") ||
		strings.Contains(lower, "forbidden") ||
		strings.Contains(lower, "denied") ||
		strings.Contains(lower, "unauthorized"):
		return CategoryPermission
	case strings.Contains(lower, "validation") ||
		strings.Contains(lower, "invalid") ||
		strings.Contains(lower, "missing required"):
		return CategoryValidation
	case strings.Contains(lower, "not found") ||
		strings.Contains(lower, "no such") ||
		strings.Contains(lower, "does not exist"):
		return CategoryNotFound
	case strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "429"):
		return CategoryRateLimit
	case strings.Contains(lower, "config") ||
		strings.Contains(lower, "misconfigured"):
		return CategoryConfiguration
	default:
		return CategoryUnknown
	}
}
