// Package repourl canonicalizes repository URLs so that equivalent
// spellings of the same repository map to one lock key.
package repourl

import (
	"net/url"
	"strings"
)

// Normalize converts raw into a canonical https form: case-folded, ".git"
// suffix stripped, scp-style "host:path" rewritten to "https://host/path",
// userinfo dropped, and duplicate path separators collapsed. An empty or
// whitespace-only input normalizes to "".
func Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}

	var host, path string
	switch {
	case strings.Contains(s, "://"):
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			// Unparseable; fall back to suffix cleanup only.
			return strings.TrimSuffix(s, ".git")
		}
		host = u.Hostname()
		if p := u.Port(); p != "" && p != "22" && p != "80" && p != "443" {
			host += ":" + p
		}
		path = u.Path
	case scpStyle(s):
		// git@host:org/repo.git
		i := strings.Index(s, ":")
		host, path = s[:i], "/"+strings.TrimLeft(s[i+1:], "/")
		if at := strings.LastIndex(host, "@"); at >= 0 {
			host = host[at+1:]
		}
	default:
		// Bare host/path.
		if i := strings.Index(s, "/"); i >= 0 {
			host, path = s[:i], s[i:]
		} else {
			host = s
		}
	}

	path = collapseSlashes(path)
	path = strings.TrimSuffix(path, "/")
	path = strings.TrimSuffix(path, ".git")
	return "https://" + host + path
}

// scpStyle reports whether s looks like "[user@]host:path" with no scheme.
func scpStyle(s string) bool {
	i := strings.Index(s, ":")
	if i <= 0 || i == len(s)-1 {
		return false
	}
	// A slash before the colon means the colon is part of a path.
	if j := strings.Index(s, "/"); j >= 0 && j < i {
		return false
	}
	// host:1234/... is a port, not an scp path.
	rest := s[i+1:]
	k := strings.IndexAny(rest, "/")
	seg := rest
	if k >= 0 {
		seg = rest[:k]
	}
	if seg != "" && allDigits(seg) {
		return false
	}
	return true
}

func allDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func collapseSlashes(s string) string {
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	return s
}
