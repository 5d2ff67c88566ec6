package drafts

import (
	"regexp"
	"strings"
)

var namePlaceholder = regexp.MustCompile(`(?i)\[your name\]|\{your name\}|\(your name\)|<your name>`)

// ApplySignOff fills name placeholders or appends a default closing. Bodies
// that already end with the user's name are left alone.
func ApplySignOff(body, userName string) string {
	cleaned := strings.TrimSpace(body)
	userName = strings.TrimSpace(userName)
	if cleaned == "" || userName == "" {
		return body
	}
	tail := cleaned
	if len(tail) > 200 {
		tail = tail[len(tail)-200:]
	}
	if strings.Contains(strings.ToLower(tail), strings.ToLower(userName)) {
		return body
	}
	if namePlaceholder.MatchString(cleaned) {
		return namePlaceholder.ReplaceAllLiteralString(cleaned, userName)
	}
	return cleaned + "\n\nBest,\n" + userName
}
