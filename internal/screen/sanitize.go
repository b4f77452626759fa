package screen

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// emojiSubstitutions maps the glyphs GNU screen is known to mangle in
// hardcopy output to ASCII stand-ins. Non-exhaustive; covers the icons the
// agent CLI actually prints. Applied only when the buffer shows evidence of
// mangling, so intact multibyte output passes through untouched.
var emojiSubstitutions = map[rune]string{
	'✔':          "[x]",
	'✓':          "[x]",
	'✅':          "[x]",
	'☐':          "[ ]",
	'☒':          "[x]",
	'◐':          "[-]",
	'⭐':          "*",
	'❌':          "x",
	'⚠':          "!",
	'⏱':          "T",
	'\U0001f504': "~", // counterclockwise arrows
	'\U0001f7e2': "o", // green circle
	'\U0001f534': "o", // red circle
}

// Sanitize prepares a raw hardcopy buffer for consumers: invalid UTF-8 and
// replacement runes are removed, and C0 control bytes except \t \n \r are
// stripped. When the buffer shows mangled multibyte sequences, known emoji
// are additionally substituted with ASCII so downstream parsers still see
// their markers.
func Sanitize(raw []byte) []byte {
	mangled := !utf8.Valid(raw) || bytes.ContainsRune(raw, utf8.RuneError)

	var b strings.Builder
	b.Grow(len(raw))

	for i := 0; i < len(raw); {
		r, size := utf8.DecodeRune(raw[i:])
		i += size

		if r == utf8.RuneError && size == 1 {
			continue // invalid byte sequence
		}
		if r == utf8.RuneError {
			continue // replacement char from an upstream mangle
		}
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			continue
		}
		if r == 0x7f {
			continue
		}
		if mangled {
			if sub, ok := emojiSubstitutions[r]; ok {
				b.WriteString(sub)
				continue
			}
		}
		b.WriteRune(r)
	}
	return []byte(b.String())
}
