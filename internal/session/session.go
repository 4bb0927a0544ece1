package session

import (
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"deckhand/internal/term"
)

// Kind classifies what runs inside a session's PTY.
type Kind string

const (
	KindClaude   Kind = "claude"
	KindFivem    Kind = "fivem"
	KindWebApp   Kind = "webapp"
	KindShell    Kind = "shell"
	KindFileView Kind = "file-view"
)

// Status is the engine-maintained tab state.
type Status string

const (
	StatusReady   Status = "ready"
	StatusWorking Status = "working"
)

// Substatus refines StatusWorking.
type Substatus string

const (
	SubstatusNone        Substatus = "none"
	SubstatusThinking    Substatus = "thinking"
	SubstatusToolCalling Substatus = "tool_calling"
)

// ProjectRef is the lightweight project reference a session carries.
type ProjectRef struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Name string `json:"name"`
}

const (
	inputBufferMax   = 256
	displayNameMax   = 48
	screenTailLines  = 100
	pasteDebounce    = 500 * time.Millisecond
	arrowDebounce    = 100 * time.Millisecond
	subscriberBufCap = 100
)

// Session is one interactive child attached to exactly one PTY.
type Session struct {
	ID        string
	Kind      Kind
	Project   *ProjectRef
	CreatedAt time.Time

	pty    *term.PTY
	screen *term.Screen
	titles *term.TitleScanner

	mu             sync.RWMutex
	displayName    string
	status         Status
	substatus      Substatus
	title          string
	inputBuffer    []rune
	lastActivityAt time.Time
	lastOutputAt   time.Time
	lastWasEnter   bool
	pendingPrompt  string
	exited         bool
	exitCode       int

	lastPaste   []byte
	lastPasteAt time.Time
	lastArrowAt time.Time

	subMu       sync.RWMutex
	subscribers map[string]chan Chunk
	subsClosed  bool
	ring        *RingBuffer
}

func newSession(id string, kind Kind, project *ProjectRef, displayName string, p *term.PTY, pendingPrompt string) *Session {
	now := time.Now()
	return &Session{
		ID:             id,
		Kind:           kind,
		Project:        project,
		CreatedAt:      now,
		pty:            p,
		screen:         term.NewScreen(screenTailLines),
		titles:         term.NewTitleScanner(),
		displayName:    displayName,
		status:         StatusReady,
		substatus:      SubstatusNone,
		lastActivityAt: now,
		pendingPrompt:  pendingPrompt,
		subscribers:    make(map[string]chan Chunk),
		ring:           NewRingBuffer(defaultRingBufCapacity),
	}
}

// Info is a read-only session snapshot for APIs and the wire.
type Info struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	ProjectID   string    `json:"projectId,omitempty"`
	ProjectPath string    `json:"projectPath,omitempty"`
	ProjectName string    `json:"projectName,omitempty"`
	DisplayName string    `json:"displayName"`
	Status      Status    `json:"status"`
	Substatus   Substatus `json:"substatus"`
	Title       string    `json:"title,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	Alive       bool      `json:"alive"`
	ExitCode    int       `json:"exitCode"`
}

// Snapshot returns the session's current public state.
func (s *Session) Snapshot() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{
		ID:          s.ID,
		Kind:        s.Kind,
		DisplayName: s.displayName,
		Status:      s.status,
		Substatus:   s.substatus,
		Title:       s.title,
		CreatedAt:   s.CreatedAt,
		Alive:       !s.exited,
		ExitCode:    s.exitCode,
	}
	if s.Project != nil {
		info.ProjectID = s.Project.ID
		info.ProjectPath = s.Project.Path
		info.ProjectName = s.Project.Name
	}
	return info
}

// Status returns the current tab status and substatus.
func (s *Session) Status() (Status, Substatus) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status, s.substatus
}

// SetStatus records a status transition. Only the state engine and the
// dispatcher should call this.
func (s *Session) SetStatus(st Status, sub Substatus) {
	s.mu.Lock()
	s.status = st
	s.substatus = sub
	s.mu.Unlock()
}

// DisplayName returns the tab name.
func (s *Session) DisplayName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.displayName
}

// Title returns the most recent window title observed on the PTY stream.
func (s *Session) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

// LastOutputAt reports when the PTY last produced a byte.
func (s *Session) LastOutputAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastOutputAt
}

// LastInputWasEnter reports whether the most recent input ended with Enter.
func (s *Session) LastInputWasEnter() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastWasEnter
}

// Alive reports whether the child is still running.
func (s *Session) Alive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.exited
}

// ExitCode is valid once Alive reports false.
func (s *Session) ExitCode() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exitCode
}

// TakePendingPrompt returns the queued prompt and clears it, so it is
// delivered at most once.
func (s *Session) TakePendingPrompt() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingPrompt == "" {
		return "", false
	}
	p := s.pendingPrompt
	s.pendingPrompt = ""
	return p, true
}

// TailNonBlank returns the last n rendered non-blank lines of the terminal.
func (s *Session) TailNonBlank(n int) []string {
	return s.screen.TailNonBlank(n)
}

// Resize forwards a terminal resize to the PTY.
func (s *Session) Resize(cols, rows int) error {
	return s.pty.Resize(cols, rows)
}

// write sends input to the PTY, maintaining the input buffer and Enter
// bookkeeping. enterCb fires for each Enter observed in the payload.
func (s *Session) write(data []byte, enterCb func(prompt string)) error {
	if len(data) == 0 {
		return nil
	}
	if s.isArrowNav(data) {
		return nil
	}

	if err := s.pty.Write(data); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastActivityAt = time.Now()

	var prompts []string
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		i += size
		if r == '\r' || r == '\n' {
			prompts = append(prompts, strings.TrimSpace(string(s.inputBuffer)))
			s.inputBuffer = s.inputBuffer[:0]
			s.autoNameLocked(prompts[len(prompts)-1])
			continue
		}
		if unicode.IsPrint(r) && len(s.inputBuffer) < inputBufferMax {
			s.inputBuffer = append(s.inputBuffer, r)
		}
	}
	last := data[len(data)-1]
	s.lastWasEnter = last == '\r' || last == '\n'
	s.mu.Unlock()

	if enterCb != nil {
		for _, p := range prompts {
			enterCb(p)
		}
	}
	return nil
}

// autoNameLocked names the tab after the submitted prompt. Caller holds mu.
func (s *Session) autoNameLocked(prompt string) {
	if s.Kind != KindClaude || len(prompt) < 3 {
		return
	}
	runes := []rune(prompt)
	if len(runes) > displayNameMax {
		runes = runes[:displayNameMax]
	}
	s.displayName = string(runes)
}

// paste injects pasted input, suppressing an identical payload arriving
// within the debounce window (double-paste artifacts).
func (s *Session) paste(data []byte) (bool, error) {
	now := time.Now()

	s.mu.Lock()
	if s.lastPaste != nil && now.Sub(s.lastPasteAt) < pasteDebounce && string(s.lastPaste) == string(data) {
		s.mu.Unlock()
		return false, nil
	}
	s.lastPaste = append([]byte(nil), data...)
	s.lastPasteAt = now
	s.lastActivityAt = now
	s.lastWasEnter = false
	s.mu.Unlock()

	return true, s.pty.Write(data)
}

// isArrowNav drops repeated arrow-key navigation inside the debounce window.
func (s *Session) isArrowNav(data []byte) bool {
	if len(data) != 3 {
		return false
	}
	if data[0] != 0x1b || (data[1] != '[' && data[1] != 'O') {
		return false
	}
	if data[2] < 'A' || data[2] > 'D' {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if now.Sub(s.lastArrowAt) < arrowDebounce {
		return true
	}
	s.lastArrowAt = now
	s.lastActivityAt = now
	return false
}

// feedOutput runs the output side bookkeeping for one PTY chunk and
// returns any window titles the chunk carried.
func (s *Session) feedOutput(chunk []byte) []string {
	s.mu.Lock()
	s.lastOutputAt = time.Now()
	s.mu.Unlock()

	s.screen.Feed(chunk)
	titles := s.titles.Feed(chunk)

	if len(titles) > 0 {
		s.mu.Lock()
		s.title = titles[len(titles)-1]
		s.mu.Unlock()
	}
	return titles
}

func (s *Session) markExited(code int) {
	s.mu.Lock()
	s.exited = true
	s.exitCode = code
	s.mu.Unlock()
}

// fanOut delivers an output chunk to all subscribers, dropping for any
// subscriber whose buffer is full.
func (s *Session) fanOut(c Chunk) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- c:
		default:
			// Subscriber channel full, drop the chunk.
		}
	}
}

// addSubscriber registers a channel, unless teardown already closed the
// subscriber set.
func (s *Session) addSubscriber(id string, ch chan Chunk) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subsClosed {
		return false
	}
	s.subscribers[id] = ch
	return true
}

func (s *Session) removeSubscriber(id string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if ch, exists := s.subscribers[id]; exists {
		close(ch)
		delete(s.subscribers, id)
	}
}

// closeSubscribers closes every subscriber channel after the final chunk.
func (s *Session) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.subsClosed = true
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
}
