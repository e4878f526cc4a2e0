package devserver

import "strings"

const (
	defaultTitle  = "New conversation"
	maxTitleRunes = 60
)

// generateTitle derives a conversation title from its first user message:
// the first line, cut at a word boundary when longer than 60 characters.
func generateTitle(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return defaultTitle
	}
	if idx := strings.IndexAny(msg, "\n\r"); idx > 0 {
		msg = msg[:idx]
	}
	runes := []rune(msg)
	if len(runes) > maxTitleRunes {
		head := string(runes[:maxTitleRunes])
		cut := strings.LastIndex(head, " ")
		if cut < 20 {
			cut = len(head)
		}
		msg = head[:cut] + "..."
	}
	return msg
}
