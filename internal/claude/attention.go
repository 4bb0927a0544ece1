package claude

import (
	"strings"

	"deckhand/internal/bus"
)

// attentionWindow is how many rendered non-blank lines are scanned when a
// session declares ready.
const attentionWindow = 30

// ExtractAttention classifies what, if anything, the session wants from
// the user. It scans the most recent lines first: an open question beats
// a permission prompt beats a plain completion.
func ExtractAttention(p *Patterns, lines []string) bus.Attention {
	for i := len(lines) - 1; i >= 0; i-- {
		if p.SpinnerLed(lines[i]) {
			continue
		}
		if QuestionLine(lines[i]) {
			return bus.Attention{Kind: bus.AttentionQuestion, Text: strings.TrimSpace(lines[i])}
		}
	}

	for i := len(lines) - 1; i >= 0; i-- {
		if p.SpinnerLed(lines[i]) {
			continue
		}
		if PermissionLine(lines[i]) {
			return bus.Attention{Kind: bus.AttentionPermission, Text: strings.TrimSpace(lines[i])}
		}
	}

	return bus.Attention{Kind: bus.AttentionDone}
}
