package engine

import (
	"regexp"
	"strings"

	"github.com/anatolykoptev/go-kit/strutil"
)

// UserAgent is sent on every outbound HTTP request.
const UserAgent = "go_roletrends/1.0"

var (
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
	spaceRunRe   = regexp.MustCompile(`[ \t\f\v\r]+`)
)

// TruncateRunes caps s at limit runes, appending suffix if truncated.
// Pass suffix="" for no suffix. Safe for UTF-8 (Cyrillic, CJK, emoji).
func TruncateRunes(s string, limit int, suffix string) string {
	return strutil.TruncateWith(s, limit, suffix)
}

// DecodeLossy converts raw bytes to UTF-8 text, dropping invalid sequences
// and NUL bytes.
func DecodeLossy(b []byte) string {
	s := strings.ToValidUTF8(string(b), "")
	return strings.ReplaceAll(s, "\x00", "")
}

// CleanText collapses horizontal whitespace runs and excess blank lines.
func CleanText(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRunRe.ReplaceAllString(l, " "))
	}
	return strings.TrimSpace(blankLinesRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

// Snippet returns a short single-line preview of s for log attributes.
func Snippet(s string, n int) string {
	return TruncateRunes(strings.Join(strings.Fields(s), " "), n, "...")
}
