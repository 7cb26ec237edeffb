package logger

import "strings"

// stripAnsiCodes removes CSI escape sequences (ESC '[' ... final-byte)
// from s. A single byte scan beats a regex here since this runs on every
// string attribute a pretty handler has touched.
func stripAnsiCodes(s string) string {
	if !strings.ContainsRune(s, '\x1b') {
		return s
	}

	var out strings.Builder
	out.Grow(len(s))

	for i := 0; i < len(s); i++ {
		if s[i] == '\x1b' && i+1 < len(s) && s[i+1] == '[' {
			// skip to the final byte of the sequence (an ASCII letter)
			i += 2
			for i < len(s) && !isAnsiFinal(s[i]) {
				i++
			}
			continue
		}
		out.WriteByte(s[i])
	}
	return out.String()
}

func isAnsiFinal(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}
