// Package pathutil checks slash-separated document keys before they are
// joined onto a storage prefix.
package pathutil

import "strings"

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// ValidKey reports whether key is a relative, canonical slash-separated key:
// non-empty, no leading or trailing slash, no empty or dot segments and no
// control characters. A valid key survives path.Join unchanged, so it can
// never address anything outside the prefix it is joined to.
func ValidKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return false
	}
	if strings.Contains(key, "//") || HasDotSegments(key) {
		return false
	}
	for i := 0; i < len(key); i++ {
		if c := key[i]; c < 0x20 || c == 0x7f {
			return false
		}
	}
	return true
}
