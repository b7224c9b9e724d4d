package device

import (
	"strings"
)

// PromptGlyph terminates the interactive prompt, e.g. "node🭨".
const PromptGlyph = "🭨"

// IsPromptLine reports whether a single line looks like an idle prompt.
// Echoed commands ("node🭨contacts", "node🭨infos") carry text after the
// glyph and are not prompts.
func IsPromptLine(line string) bool {
	return strings.HasSuffix(strings.TrimSpace(line), PromptGlyph)
}

// HasPrompt reports whether any line of text is prompt-shaped.
func HasPrompt(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if IsPromptLine(line) {
			return true
		}
	}
	return false
}
