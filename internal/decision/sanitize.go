package decision

import (
	"regexp"
	"strings"
)

// thinkingTagPatterns strips reasoning-model chain-of-thought leakage that
// some reasoning LLMs emit even under a terse decision prompt.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

var finalTagPattern = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)

// sanitizeResponse strips thinking-tag and <final>-tag artifacts from a
// decision LLM's raw completion before matchEdge parses it, so a verbose
// reasoning model doesn't accidentally match on leaked scratch content.
func sanitizeResponse(content string) string {
	lower := strings.ToLower(content)
	if strings.Contains(lower, "<think") || strings.Contains(lower, "<thought") {
		for _, pat := range thinkingTagPatterns {
			content = pat.ReplaceAllString(content, "")
		}
	}
	if strings.Contains(lower, "final") {
		content = finalTagPattern.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}
