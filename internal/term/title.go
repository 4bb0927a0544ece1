package term

import (
	"strings"
	"unicode"
)

// maxTitleSeq caps how many bytes of an unterminated title sequence are
// buffered before it is discarded as garbage.
const maxTitleSeq = 4096

// TitleScanner extracts OSC window-title updates (OSC 0, 1 and 2) from a
// terminal byte stream. Sequences may arrive split across reads; the scanner
// keeps its state between Feed calls.
type TitleScanner struct {
	state titleState
	buf   []byte
}

type titleState int

const (
	titleNormal titleState = iota
	titleEsc               // saw ESC
	titleOSC               // inside an OSC sequence, collecting bytes
	titleOSCEsc            // inside OSC, saw ESC (possible ST terminator)
)

// NewTitleScanner returns a scanner with empty state.
func NewTitleScanner() *TitleScanner {
	return &TitleScanner{}
}

// Feed consumes a chunk of terminal output and returns any complete title
// strings it contained, in order.
func (ts *TitleScanner) Feed(chunk []byte) []string {
	var titles []string

	for _, b := range chunk {
		switch ts.state {
		case titleNormal:
			if b == 0x1b {
				ts.state = titleEsc
			}

		case titleEsc:
			if b == ']' {
				ts.state = titleOSC
				ts.buf = ts.buf[:0]
			} else {
				ts.state = titleNormal
			}

		case titleOSC:
			switch {
			case b == 0x07: // BEL terminator
				if t, ok := parseTitle(ts.buf); ok {
					titles = append(titles, t)
				}
				ts.state = titleNormal
			case b == 0x1b:
				ts.state = titleOSCEsc
			default:
				if len(ts.buf) >= maxTitleSeq {
					ts.state = titleNormal
					ts.buf = ts.buf[:0]
					continue
				}
				ts.buf = append(ts.buf, b)
			}

		case titleOSCEsc:
			if b == '\\' { // ST terminator
				if t, ok := parseTitle(ts.buf); ok {
					titles = append(titles, t)
				}
			}
			ts.state = titleNormal
		}
	}

	return titles
}

// parseTitle interprets the body of an OSC sequence. Only the title-setting
// commands are of interest; everything else (hyperlinks, clipboard, colors)
// is dropped.
func parseTitle(body []byte) (string, bool) {
	s := string(body)
	i := strings.IndexByte(s, ';')
	if i < 0 {
		return "", false
	}

	switch s[:i] {
	case "0", "1", "2":
		return sanitizeTitle(s[i+1:]), true
	}
	return "", false
}

// sanitizeTitle drops control and non-printable runes and trims the result.
func sanitizeTitle(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		if unicode.IsPrint(r) || r == ' ' {
			sb.WriteRune(r)
		}
	}
	return strings.TrimSpace(sb.String())
}
