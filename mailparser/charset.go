package mailparser

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

const UnknownEncoding = "unknown"

// DefaultEncodings is the detection order used for raw header blocks.
// Windows-1251 defines nearly every byte in 0x80-0x9f, so it has to come
// after Windows-1252 or Western text with smart quotes reads as Cyrillic.
var DefaultEncodings = []string{
	"UTF-8",
	"ASCII",
	"ISO-8859-1",
	"ISO-8859-7",
	"Windows-1252",
	"Windows-1251",
	"KOI8-R",
}

var charmaps = map[string]*charmap.Charmap{
	"iso-8859-1":   charmap.ISO8859_1,
	"iso-8859-2":   charmap.ISO8859_2,
	"iso-8859-7":   charmap.ISO8859_7,
	"iso-8859-15":  charmap.ISO8859_15,
	"windows-1250": charmap.Windows1250,
	"windows-1251": charmap.Windows1251,
	"windows-1252": charmap.Windows1252,
	"koi8-r":       charmap.KOI8R,
	"koi8-u":       charmap.KOI8U,
}

// ToUTF8 returns raw as UTF-8 together with the name of the first candidate
// encoding that strictly describes it. When none does, invalid sequences are
// dropped and the encoding is reported as "unknown".
//
// Strict means: only printable text plus tab/CR/LF, no C1 controls, and no
// byte the charset leaves undefined.
func ToUTF8(raw []byte, candidates []string) (string, string) {
	for _, name := range candidates {
		switch strings.ToLower(name) {
		case "utf-8", "utf8":
			if utf8.Valid(raw) && plainText(string(raw)) {
				return string(raw), name
			}
		case "ascii", "us-ascii":
			if isASCII(raw) && plainText(string(raw)) {
				return string(raw), name
			}
		default:
			cm, ok := charmaps[strings.ToLower(name)]
			if !ok {
				continue
			}
			if s, ok := decodeStrict(cm, raw); ok {
				return s, name
			}
		}
	}
	return CleanUTF8(string(raw)), UnknownEncoding
}

// CleanUTF8 drops invalid UTF-8 bytes and control characters other than
// tab, CR and LF.
func CleanUTF8(s string) string {
	if utf8.ValidString(s) && plainText(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		if r == utf8.RuneError && size == 1 {
			continue
		}
		if forbidden(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func decodeStrict(cm *charmap.Charmap, raw []byte) (string, bool) {
	var b strings.Builder
	b.Grow(len(raw) * 2)
	for _, c := range raw {
		r := cm.DecodeByte(c)
		if r == utf8.RuneError || forbidden(r) || (r >= 0x80 && r <= 0x9f) {
			return "", false
		}
		b.WriteRune(r)
	}
	return b.String(), true
}

func isASCII(raw []byte) bool {
	for _, c := range raw {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func plainText(s string) bool {
	for _, r := range s {
		if forbidden(r) {
			return false
		}
	}
	return true
}

func forbidden(r rune) bool {
	switch {
	case r == '\t' || r == '\n' || r == '\r':
		return false
	case r < 0x20 || r == 0x7f:
		return true
	}
	return false
}
