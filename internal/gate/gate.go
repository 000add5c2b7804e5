// gate.go — Origin allow-list matching for commands that carry a URL.
// Patterns are hosts or *.domain wildcards, both of which also match
// subdomains; malformed URLs fail closed.
package gate

import (
	"net/url"
	"strings"
)

// Allowed reports whether rawURL's host matches at least one pattern.
// A pattern "*.d" matches host "d" or any host ending in ".d"; a bare
// pattern "d" matches the same set. Scheme, trailing slashes, and case
// are ignored on both sides.
func Allowed(rawURL string, patterns []string) bool {
	host := hostOf(rawURL)
	if host == "" {
		return false
	}
	for _, p := range patterns {
		if matches(host, normalize(p)) {
			return true
		}
	}
	return false
}

func hostOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if host == "" {
		// Bare "example.com/path" parses with an empty host; retry with a scheme.
		u, err = url.Parse("https://" + strings.TrimSpace(rawURL))
		if err != nil {
			return ""
		}
		host = u.Hostname()
	}
	return strings.ToLower(host)
}

// normalize strips scheme, path, and trailing slash from a configured pattern.
func normalize(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if i := strings.Index(p, "://"); i >= 0 {
		p = p[i+3:]
	}
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	return p
}

func matches(host, pattern string) bool {
	if pattern == "" {
		return false
	}
	domain := strings.TrimPrefix(pattern, "*.")
	return host == domain || strings.HasSuffix(host, "."+domain)
}
