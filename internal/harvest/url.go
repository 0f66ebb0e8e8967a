package harvest

import "strings"

// CanonicalURL trims whitespace and strips the fragment part. Harvest sources
// with a fragment are not allowed, so two spellings differing only in their
// fragment name the same source.
func CanonicalURL(raw string) string {
	u := strings.TrimSpace(raw)
	if i := strings.IndexByte(u, '#'); i >= 0 {
		u = u[:i]
	}
	return u
}
