package synckit

import (
	"regexp"
	"strings"
)

// maxFieldLength bounds title and course-name text embedded in events.
const maxFieldLength = 200

var (
	angleBracketPattern  = regexp.MustCompile(`[<>]`)
	javascriptURIPattern = regexp.MustCompile(`(?i)javascript\s*:`)
	eventHandlerPattern  = regexp.MustCompile(`(?i)\bon\w+\s*=`)
)

// sanitizeText strips markup-looking content from scraped text before it is
// embedded in a calendar event, then truncates to maxFieldLength runes.
// Titles and course names originate from scraped HTML and are untrusted.
func sanitizeText(text string) string {
	cleaned := angleBracketPattern.ReplaceAllString(text, "")
	cleaned = javascriptURIPattern.ReplaceAllString(cleaned, "")
	cleaned = eventHandlerPattern.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(cleaned)
	runes := []rune(cleaned)
	if len(runes) > maxFieldLength {
		return string(runes[:maxFieldLength])
	}
	return cleaned
}
