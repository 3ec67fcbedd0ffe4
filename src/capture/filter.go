package capture

import (
	"net"
	"strings"
)

// TargetFilter decides per connection whether its host is in the capture scope.
//
// A pattern matches the host itself and every subdomain of it; "*.example.com"
// is accepted as an explicit spelling of the same rule. An empty pattern set
// captures everything.
type TargetFilter struct {
	raw      []string
	suffixes []string
}

// NewTargetFilter normalizes patterns once (trim, lower-case, strip "*.").
func NewTargetFilter(patterns []string) *TargetFilter {
	f := &TargetFilter{}
	seen := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		f.raw = append(f.raw, p)
		bare := strings.TrimSuffix(strings.TrimPrefix(p, "*."), ".")
		if bare == "" || seen[bare] {
			continue
		}
		seen[bare] = true
		f.suffixes = append(f.suffixes, bare)
	}
	return f
}

// Patterns returns the configured patterns (normalized case, original spelling).
func (f *TargetFilter) Patterns() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.raw...)
}

// CaptureAll reports whether no scope is configured.
func (f *TargetFilter) CaptureAll() bool {
	return f == nil || len(f.suffixes) == 0
}

// ShouldCapture reports whether host (optionally host:port) is in scope.
// Malformed hosts are never captured when a scope is configured.
func (f *TargetFilter) ShouldCapture(host string) bool {
	if f.CaptureAll() {
		return true
	}
	h := normalizeHost(host)
	if h == "" {
		return false
	}
	for _, bare := range f.suffixes {
		if h == bare || strings.HasSuffix(h, "."+bare) {
			return true
		}
	}
	return false
}

// normalizeHost strips the port and trailing dot and lower-cases. It returns ""
// for values that cannot be a host.
func normalizeHost(host string) string {
	h := strings.TrimSpace(host)
	if h == "" || strings.ContainsAny(h, " /\\@?#") {
		return ""
	}
	if strings.HasPrefix(h, "[") || strings.Count(h, ":") == 1 {
		v, _, err := net.SplitHostPort(h)
		if err != nil {
			return ""
		}
		h = v
	}
	h = strings.TrimSuffix(strings.ToLower(h), ".")
	return h
}
