package service

import (
	"fmt"
	"unicode/utf8"
)

// TruncateForContext caps a tool result to the context budget on a UTF-8
// boundary and appends a marker carrying the original length. Idempotent for
// any already-short string.
func TruncateForContext(text string, maxBytes int) string {
	if len(text) <= maxBytes {
		return text
	}
	return fmt.Sprintf("%s... [truncated, %d chars total]", cutUTF8(text, maxBytes), len(text))
}

// CompressMessage replaces old history content with its 500-character
// prefix. Used when rebuilding conversations from persistence.
func CompressMessage(content string) string {
	const keep = 500
	if utf8.RuneCountInString(content) <= keep {
		return content
	}
	return TruncateRunes(content, keep) + "... [message truncated for context efficiency]"
}

// TruncateRunes caps a string to n runes on a character boundary. The title
// generator's public contract counts characters; byte limits are
// defense-in-depth at the storage layer.
func TruncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// cutUTF8 returns the longest valid-UTF-8 prefix of at most maxBytes bytes.
func cutUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
