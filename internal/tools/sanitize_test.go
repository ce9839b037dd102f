package tools

import (
	"strings"
	"testing"
)

func TestSanitizeErrorStripsSensitiveDetail(t *testing.T) {
	cases := []struct {
		in      string
		mustNot []string
	}{
		{
			in:      "open /usr/local/share/data.db: permission denied",
			mustNot: []string{"/usr/local"},
		},
		{
			in:      "invalid pointer at 0x7ffee4c0a1b0",
			mustNot: []string{"0x7ffee4c0a1b0"},
		},
		{
			in:      "runtime error in handler.go:412",
			mustNot: []string{"handler.go:412"},
		},
		{
			in:      "panic: boom\ngoroutine 12 [running]:\nmain.run()",
			mustNot: []string{"goroutine", "main.run"},
		},
	}
	for _, tc := range cases {
		got := SanitizeError(tc.in)
		for _, bad := range tc.mustNot {
			if strings.Contains(got, bad) {
				t.Errorf("SanitizeError(%q) = %q, still contains %q", tc.in, got, bad)
			}
		}
	}
}

func TestCategorizeError(t *testing.T) {
	cases := map[string]ErrorCategory{
		"dial tcp: connection refused":        CategoryConnection,
		"context deadline exceeded":           CategoryTimeout,
		"permission denied: mode LOCKDOWN":    CategoryPermission,
		"missing required parameter \"path\"": CategoryValidation,
		"no such file or directory":           CategoryNotFound,
		"429 too many requests":               CategoryRateLimit,
		"invalid config value":                CategoryValidation,
		"something inexplicable":              CategoryUnknown,
	}
	for msg, want := range cases {
		if got := CategorizeError(msg); got != want {
			t.Errorf("CategorizeError(%q) = %s, want %s", msg, got, want)
		}
	}
}
