package term

import (
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	defaultScreenLines = 100
	maxLineLen         = 4096
)

// Screen recovers the rendered plaintext of the trailing lines of a
// terminal stream. It interprets the control subset needed to keep that
// tail faithful (carriage return, newline, backspace, cursor movement,
// erase) and discards styling and modes. It is not a terminal emulator:
// there is no wrapping, no alternate screen and no scroll regions, which is
// enough to read back what a status-line-redrawing CLI shows.
type Screen struct {
	mu    sync.Mutex
	lines [][]rune
	row   int
	col   int
	max   int

	state  screenState
	params []byte
	carry  []byte // incomplete UTF-8 tail between feeds
}

type screenState int

const (
	scrNormal screenState = iota
	scrEsc
	scrCSI
	scrOSC
	scrOSCEsc
	scrCharset
)

// NewScreen creates a screen keeping at most maxLines trailing lines.
func NewScreen(maxLines int) *Screen {
	if maxLines <= 0 {
		maxLines = defaultScreenLines
	}
	return &Screen{
		lines: make([][]rune, 1),
		max:   maxLines,
	}
}

// Feed consumes a chunk of terminal output. Chunks may split escape
// sequences and UTF-8 runes at any byte boundary.
func (s *Screen) Feed(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := chunk
	if len(s.carry) > 0 {
		data = append(append([]byte{}, s.carry...), chunk...)
		s.carry = nil
	}

	i := 0
	for i < len(data) {
		b := data[i]

		switch s.state {
		case scrNormal:
			switch {
			case b == 0x1b:
				s.state = scrEsc
				i++
			case b == '\r':
				s.col = 0
				i++
			case b == '\n':
				s.row++
				s.ensureRow()
				i++
			case b == '\b':
				if s.col > 0 {
					s.col--
				}
				i++
			case b == '\t':
				s.col = (s.col/8 + 1) * 8
				i++
			case b < 0x20 || b == 0x7f:
				i++
			default:
				if !utf8.FullRune(data[i:]) {
					s.carry = append([]byte{}, data[i:]...)
					return
				}
				r, size := utf8.DecodeRune(data[i:])
				if r == utf8.RuneError && size == 1 {
					i++
					continue
				}
				s.putRune(r)
				i += size
			}

		case scrEsc:
			switch b {
			case '[':
				s.state = scrCSI
				s.params = s.params[:0]
			case ']':
				s.state = scrOSC
			case '(', ')':
				s.state = scrCharset
			case 'M': // reverse index
				if s.row > 0 {
					s.row--
				}
				s.state = scrNormal
			default:
				s.state = scrNormal
			}
			i++

		case scrCSI:
			switch {
			case b >= 0x30 && b <= 0x3f:
				s.params = append(s.params, b)
			case b >= 0x20 && b <= 0x2f:
				// intermediate bytes, ignored
			case b >= 0x40 && b <= 0x7e:
				s.dispatchCSI(b)
				s.state = scrNormal
			default:
				s.state = scrNormal
			}
			i++

		case scrOSC:
			switch b {
			case 0x07:
				s.state = scrNormal
			case 0x1b:
				s.state = scrOSCEsc
			}
			i++

		case scrOSCEsc:
			s.state = scrNormal
			i++

		case scrCharset:
			s.state = scrNormal
			i++
		}
	}
}

func (s *Screen) dispatchCSI(final byte) {
	n1, n2 := parseCSIParams(s.params)

	switch final {
	case 'A':
		s.row -= defOne(n1)
		if s.row < 0 {
			s.row = 0
		}
	case 'B', 'e':
		s.row += defOne(n1)
		s.ensureRow()
	case 'C', 'a':
		s.col += defOne(n1)
		if s.col > maxLineLen {
			s.col = maxLineLen
		}
	case 'D':
		s.col -= defOne(n1)
		if s.col < 0 {
			s.col = 0
		}
	case 'E':
		s.row += defOne(n1)
		s.col = 0
		s.ensureRow()
	case 'F':
		s.row -= defOne(n1)
		s.col = 0
		if s.row < 0 {
			s.row = 0
		}
	case 'G', '`':
		s.col = defOne(n1) - 1
		if s.col < 0 {
			s.col = 0
		}
	case 'H', 'f':
		// Absolute addressing is approximated to the retained window.
		s.row = defOne(n1) - 1
		if s.row >= len(s.lines) {
			s.row = len(s.lines) - 1
		}
		if s.row < 0 {
			s.row = 0
		}
		s.col = defOne(n2) - 1
		if s.col < 0 {
			s.col = 0
		}
	case 'd':
		s.row = defOne(n1) - 1
		if s.row < 0 {
			s.row = 0
		}
		s.ensureRow()
	case 'J':
		switch n1 {
		case 0:
			s.eraseLineFrom(s.col)
			if s.row+1 < len(s.lines) {
				s.lines = s.lines[:s.row+1]
			}
		case 1:
			for i := 0; i < s.row; i++ {
				s.lines[i] = nil
			}
			s.blankLineTo(s.col)
		case 2, 3:
			s.lines = make([][]rune, 1)
			s.row, s.col = 0, 0
		}
	case 'K':
		switch n1 {
		case 0:
			s.eraseLineFrom(s.col)
		case 1:
			s.blankLineTo(s.col)
		case 2:
			s.lines[s.row] = nil
		}
	}
}

// parseCSIParams extracts the first two numeric parameters. Missing values
// report as -1 so callers can apply per-command defaults. A leading '?'
// (private modes) makes both -1.
func parseCSIParams(params []byte) (int, int) {
	n1, n2 := -1, -1
	if len(params) > 0 && (params[0] == '?' || params[0] == '>') {
		return n1, n2
	}

	cur := -1
	idx := 0
	flushcur := func() {
		if idx == 0 {
			n1 = cur
		} else if idx == 1 {
			n2 = cur
		}
		idx++
		cur = -1
	}
	for _, b := range params {
		switch {
		case b >= '0' && b <= '9':
			if cur < 0 {
				cur = 0
			}
			cur = cur*10 + int(b-'0')
			if cur > 9999 {
				cur = 9999
			}
		case b == ';':
			flushcur()
		default:
			// non-numeric parameter bytes, ignore
		}
	}
	flushcur()
	return n1, n2
}

func defOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func (s *Screen) ensureRow() {
	if s.row < 0 {
		s.row = 0
	}
	for s.row >= len(s.lines) {
		s.lines = append(s.lines, nil)
	}
	if over := len(s.lines) - s.max; over > 0 {
		s.lines = s.lines[over:]
		s.row -= over
		if s.row < 0 {
			s.row = 0
		}
	}
}

func (s *Screen) putRune(r rune) {
	s.ensureRow()
	if s.col >= maxLineLen {
		s.col = maxLineLen - 1
	}

	line := s.lines[s.row]
	for len(line) < s.col {
		line = append(line, ' ')
	}
	if s.col < len(line) {
		line[s.col] = r
	} else {
		line = append(line, r)
	}
	s.lines[s.row] = line
	s.col++
}

func (s *Screen) eraseLineFrom(col int) {
	line := s.lines[s.row]
	if col < len(line) {
		s.lines[s.row] = line[:col]
	}
}

func (s *Screen) blankLineTo(col int) {
	line := s.lines[s.row]
	for i := 0; i <= col && i < len(line); i++ {
		line[i] = ' '
	}
	s.lines[s.row] = line
}

// Lines returns every retained line, rendered with trailing blanks trimmed.
func (s *Screen) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.lines))
	for i, line := range s.lines {
		out[i] = strings.TrimRight(string(line), " ")
	}
	return out
}

// TailNonBlank returns up to n trailing non-blank lines in display order.
func (s *Screen) TailNonBlank(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for i := len(s.lines) - 1; i >= 0 && len(out) < n; i-- {
		rendered := strings.TrimRight(string(s.lines[i]), " ")
		if rendered == "" {
			continue
		}
		out = append(out, rendered)
	}

	// Collected back-to-front; restore display order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
