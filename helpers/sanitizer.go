package helpers

import (
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-imap/v2"
)

// SanitizeUTF8 removes invalid UTF-8 sequences and NULL bytes from a string.
// PostgreSQL's text type does not allow NULL bytes (0x00) even though they are
// valid UTF-8 characters.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, '\x00') {
		return s
	}

	buf := make([]rune, 0, len(s))
	for i, r := range s {
		if r == '\x00' {
			continue
		}
		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(s[i:])
			if size == 1 {
				continue
			}
		}
		buf = append(buf, r)
	}
	return string(buf)
}

// StrSanitize makes untrusted text safe for diagnostics and logs. Control
// characters become '?', invalid UTF-8 is dropped and the result is cut at
// maxLen bytes (on a rune boundary) with "..." appended. maxLen <= 0 disables
// truncation.
func StrSanitize(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(min(len(s), max(maxLen, 0)+3))
	truncated := false
	for i, r := range s {
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				continue
			}
		}
		if r < 0x20 || r == 0x7f {
			r = '?'
		}
		if maxLen > 0 && b.Len()+utf8.RuneLen(r) > maxLen {
			truncated = true
			break
		}
		b.WriteRune(r)
	}
	if truncated {
		b.WriteString("...")
	}
	return b.String()
}

// SanitizeFlags removes invalid flag values that could cause IMAP protocol
// errors and drops duplicates. System flags are compared case-insensitively
// and keywords exactly.
//
// Filters out:
// - Flags containing "NIL" or "NULL" (case-insensitive)
// - Empty or whitespace-only flags
// - Flags with characters IMAP does not allow in an atom
func SanitizeFlags(flags []imap.Flag) []imap.Flag {
	if len(flags) == 0 {
		return flags
	}

	seen := make(map[string]struct{}, len(flags))
	sanitized := make([]imap.Flag, 0, len(flags))
	for _, flag := range flags {
		flagStr := strings.TrimSpace(string(flag))
		flagUpper := strings.ToUpper(flagStr)

		if flagStr == "" {
			continue
		}
		if strings.Contains(flagUpper, "NIL") || strings.Contains(flagUpper, "NULL") {
			continue
		}
		if strings.ContainsAny(flagStr, "(){ %*\"]") || (strings.IndexByte(flagStr[1:], '\\') >= 0) {
			continue
		}

		key := flagStr
		if strings.HasPrefix(flagStr, "\\") {
			key = flagUpper
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		sanitized = append(sanitized, imap.Flag(flagStr))
	}

	return sanitized
}
