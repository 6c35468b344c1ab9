package httpconn

import (
	"net/url"
	"strings"
)

const upperhex = "0123456789ABCDEF"

// Decode reverses Encode: `%XX` becomes the byte 0xXX, and `+` becomes a
// space. Malformed escapes are an error.
func Decode(s string) (string, error) {
	return url.QueryUnescape(s)
}

// Encode escapes s for use as a request target. ASCII letters and digits,
// along with any of `/_.-~`, are left as-is, spaces become `+`, and every
// other byte becomes `%XX`.
func Encode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case unescaped(c):
			b.WriteByte(c)
		case c == ' ':
			b.WriteByte('+')
		default:
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&15])
		}
	}
	return b.String()
}

func unescaped(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '/', '_', '.', '-', '~':
		return true
	}
	return false
}
