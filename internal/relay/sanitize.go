package relay

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Clients render plain text, so every tag is stripped.
var textPolicy = bluemonday.StrictPolicy()

const maxContent = 4000

// SanitizeText removes markup from user text and returns it unescaped.
func SanitizeText(s string) string {
	if s == "" {
		return ""
	}
	decoded := html.UnescapeString(s)
	clean := html.UnescapeString(textPolicy.Sanitize(decoded))
	clean = strings.TrimSpace(clean)
	if r := []rune(clean); len(r) > maxContent {
		clean = string(r[:maxContent])
	}
	return clean
}
