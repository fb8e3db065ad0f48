package session

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	DefaultTitleMaxLen = 50
	untitled           = "New session"
	ellipsis           = "..."
)

var tagRe = regexp.MustCompile(`<[^>]*>`)

// DeriveTitle builds a session title from the first message: markup removed,
// whitespace collapsed and the result cut to maxLen runes plus an ellipsis.
func DeriveTitle(text string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultTitleMaxLen
	}
	text = tagRe.ReplaceAllString(text, " ")
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return untitled
	}
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:maxLen])) + ellipsis
}
