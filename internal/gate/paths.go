package gate

import (
	"net/url"
	"path"
	"strings"
)

// Matcher matches request paths against a list of exact-or-subtree entries.
// An entry covers itself and every path below it on a segment boundary, so
// "/admin/login" covers "/admin/login/sso" but not "/admin/login-audit".
// Matching ignores case, dot segments and repeated slashes.
type Matcher struct {
	entries []string
}

// NewMatcher normalizes entries by dropping empty values and trailing slashes.
func NewMatcher(entries []string) Matcher {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		out = append(out, canonical(e))
	}
	return Matcher{entries: out}
}

// Match reports whether path is covered by any entry. A path with a
// percent-encoded reading is covered only when both readings are.
func (m Matcher) Match(path string) bool {
	for _, form := range matchForms(path) {
		if !m.covers(form) {
			return false
		}
	}
	return true
}

func (m Matcher) covers(form string) bool {
	for _, e := range m.entries {
		if UnderPrefix(form, e) {
			return true
		}
	}
	return false
}

// Entries returns the normalized entries.
func (m Matcher) Entries() []string {
	return append([]string(nil), m.entries...)
}

// UnderPrefix reports whether path equals prefix or lies below it on a segment boundary.
func UnderPrefix(path, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	prefix = strings.TrimRight(prefix, "/")
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// StripQuery drops any query string or fragment from a request target.
func StripQuery(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		return path[:i]
	}
	return path
}

// matchForms returns the readings of a request path that gating must agree
// with: the path as routed and, when it differs, its percent-decoded form.
func matchForms(raw string) []string {
	raw = StripQuery(raw)
	forms := []string{canonical(raw)}
	if dec, err := url.PathUnescape(raw); err == nil && dec != raw {
		if c := canonical(dec); c != forms[0] {
			forms = append(forms, c)
		}
	}
	return forms
}

// canonical lower-cases p and removes dot segments, repeated and trailing slashes.
func canonical(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.ToLower(path.Clean(p))
}
