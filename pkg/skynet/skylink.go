// Package skynet provides the HTTP client surface for Skynet-style
// content-addressed storage portals: single-portal upload/download, and a
// multiportal layer that tracks portal health and observed bandwidth.
package skynet

import (
	"fmt"
	"strings"
)

// Skylink is an opaque content address returned by upload and consumed by
// download. The canonical form is the bare 46-character base64url string;
// the "sia://" prefix is accepted and stripped.
type Skylink string

// skylinkLen is the length of a v1 skylink (base64url, no padding).
const skylinkLen = 46

// ParseSkylink validates a skylink string and returns its canonical form.
func ParseSkylink(s string) (Skylink, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "sia://")
	if i := strings.IndexAny(s, "/?"); i >= 0 {
		s = s[:i]
	}
	if len(s) != skylinkLen {
		return "", fmt.Errorf("skylink %q: expected %d characters, got %d", s, skylinkLen, len(s))
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return "", fmt.Errorf("skylink %q: invalid character %q", s, c)
		}
	}
	return Skylink(s), nil
}

func (s Skylink) String() string { return string(s) }

// URI returns the skylink in sia:// form.
func (s Skylink) URI() string { return "sia://" + string(s) }
