package htmlutil

import (
	"strings"
	"unicode/utf8"

	"github.com/k3a/html2text"
)

const truncatedSuffix = "...(truncated)"

// ToText converts HTML to plain text using a proper HTML parser.
// Handles entities, strips tags, and preserves readable text.
func ToText(s string) string {
	return html2text.HTML2Text(s)
}

// Summary renders an error response body as one line: markup stripped when
// it looks like HTML, whitespace collapsed, and cut to max bytes.
func Summary(body []byte, max int) string {
	s := string(body)
	if strings.Contains(s, "<") && strings.Contains(s, ">") {
		s = ToText(s)
	}
	s = strings.Join(strings.Fields(s), " ")

	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedSuffix
}
