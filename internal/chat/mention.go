package chat

import (
	"regexp"
	"slices"
	"strings"
)

var mentionPattern = regexp.MustCompile(`(^|[^\w@])@(\w+)\b`)

const everyone = "everyone"

// Mentions returns the names mentioned in text, in order, without the @.
func Mentions(text string) []string {
	var names []string
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		names = append(names, m[2])
	}
	return names
}

// IsMention reports whether a message addresses self: an explicit id in
// mentionedIDs, @username (case-insensitive) or @everyone.
func IsMention(text string, mentionedIDs []string, self User) bool {
	if self.ID != "" && slices.Contains(mentionedIDs, self.ID) {
		return true
	}
	for _, name := range Mentions(text) {
		if strings.EqualFold(name, everyone) {
			return true
		}
		if self.Username != "" && strings.EqualFold(name, self.Username) {
			return true
		}
	}
	return false
}
