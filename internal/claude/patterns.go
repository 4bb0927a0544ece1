package claude

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"deckhand/internal/config"
)

// knownTools are the tool names the hosted CLI surfaces as the first
// token of a working title.
var knownTools = map[string]bool{
	"Read":      true,
	"Write":     true,
	"Edit":      true,
	"Bash":      true,
	"Glob":      true,
	"Grep":      true,
	"Task":      true,
	"WebFetch":  true,
	"WebSearch": true,
	"TodoRead":  true,
	"TodoWrite": true,
	"Notebook":  true,
	"MultiEdit": true,
}

var (
	durationRe = regexp.MustCompile(`(\d+h )?(\d+m )?\d+s`)

	// "· Brewing…" style transient status line.
	middotRe = regexp.MustCompile(`^·\s+\S*…`)

	// An imperative tool word with a question mark not far behind it.
	toolQuestionRe = regexp.MustCompile(`(?i)\b(read|write|edit|bash|glob|grep|task|webfetch|websearch|todoread|todowrite|notebook|multiedit)\b[^?]{0,60}\?`)

	permissionWords = []string{"allow", "approve", "y/n", "yes/no"}
)

const toolResultMarker = "⎿"

// Patterns matches the glyphs and line shapes the hosted CLI emits. The
// glyph set is configurable because it follows whatever the CLI renders.
type Patterns struct {
	markers           map[rune]bool
	spinLow, spinHigh rune
	doneRe            *regexp.Regexp
}

// NewPatterns builds matchers from the configured glyph set.
func NewPatterns(g config.Glyphs) *Patterns {
	low, high := g.SpinnerRange()

	markers := make(map[rune]bool)
	var class strings.Builder
	for _, r := range g.Markers() {
		markers[r] = true
		class.WriteString(regexp.QuoteMeta(string(r)))
	}

	doneRe := regexp.MustCompile(
		fmt.Sprintf(`^[%s]\s+(\S+)\s+for\s+((?:\d+h )?(?:\d+m )?\d+s)\b`, class.String()))

	return &Patterns{
		markers:  markers,
		spinLow:  low,
		spinHigh: high,
		doneRe:   doneRe,
	}
}

// HasSpinner reports whether s contains a spinner glyph.
func (p *Patterns) HasSpinner(s string) bool {
	for _, r := range s {
		if r >= p.spinLow && r <= p.spinHigh {
			return true
		}
	}
	return false
}

// HasMarker reports whether s contains a completion marker glyph.
func (p *Patterns) HasMarker(s string) bool {
	for _, r := range s {
		if p.markers[r] {
			return true
		}
	}
	return false
}

// SpinnerLed reports whether the first non-space rune of a line is a
// spinner glyph. Such lines are status chrome, not content.
func (p *Patterns) SpinnerLed(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	r, _ := utf8.DecodeRuneInString(trimmed)
	return r >= p.spinLow && r <= p.spinHigh
}

// DoneLine matches the definitive completion line the CLI prints, e.g.
// "✳ Hatched for 1m 51s". Returns the task word and the duration.
func (p *Patterns) DoneLine(line string) (word, duration string, ok bool) {
	m := p.doneRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return "", "", false
	}
	return m[1], strings.TrimSpace(m[2]), true
}

// FirstToken returns the first word of a title after glyphs, with
// trailing punctuation stripped.
func (p *Patterns) FirstToken(title string) string {
	title = strings.TrimLeftFunc(title, func(r rune) bool {
		return r == ' ' || r == '\t' || p.markers[r] || (r >= p.spinLow && r <= p.spinHigh)
	})
	fields := strings.Fields(title)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimRight(fields[0], "…:,.!")
}

// KnownTool reports whether token is one of the CLI's tool names.
func KnownTool(token string) bool {
	return knownTools[token]
}

// StillWorkingLine matches the "· <word>…" transient status line.
func StillWorkingLine(line string) bool {
	return middotRe.MatchString(strings.TrimSpace(line))
}

// ToolResultLine matches a tool-result continuation line.
func ToolResultLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), toolResultMarker)
}

// PermissionLine matches the CLI's permission prompts: explicit
// allow/approve wording, y/n choices, or a tool word followed by a
// question mark.
func PermissionLine(line string) bool {
	lower := strings.ToLower(line)
	for _, w := range permissionWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return toolQuestionRe.MatchString(line)
}

// QuestionLine matches a line that reads as a question directed at the
// user: ends with "?" and is neither trivially short nor a wall of text.
func QuestionLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasSuffix(trimmed, "?") {
		return false
	}
	n := utf8.RuneCountInString(trimmed)
	return n > 10 && n <= 200
}

// Duration extracts the first "(\d+h )?(\d+m )?\d+s" duration in s.
func Duration(s string) (string, bool) {
	m := durationRe.FindString(s)
	if m == "" {
		return "", false
	}
	return strings.TrimSpace(m), true
}
