package claude

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"deckhand/internal/bus"
	"deckhand/internal/session"
)

// verifyWindow is how many rendered non-blank, non-spinner lines the
// completion verification inspects.
const verifyWindow = 10

// Sess is the view of a session the engine needs. *session.Session
// satisfies it.
type Sess interface {
	Snapshot() session.Info
	SetStatus(st session.Status, sub session.Substatus)
	TailNonBlank(n int) []string
	LastOutputAt() time.Time
	LastInputWasEnter() bool
}

// Timing holds the delays driving the ready scheduler. The hosted CLI has
// no definitive end-of-turn marker, so readiness is always a scheduled
// guess verified against the buffer before it is declared.
type Timing struct {
	// Base is the default delay between a completion-marker title and
	// the readiness verification.
	Base time.Duration
	// PostEnter applies when the most recent input was an Enter
	// keypress; the marker often echoes before real work starts.
	PostEnter time.Duration
	// ToolChain applies when the last substate was tool_calling; tools
	// tend to run back to back.
	ToolChain time.Duration
	// Thinking applies when the last substate was thinking.
	Thinking time.Duration
	// FastTrack is the early verification pass that only honors
	// definitive signals (completion line, permission prompt).
	FastTrack time.Duration
	// Retry is the delay before re-verifying after an inconclusive pass.
	Retry time.Duration
	// Silence is how long the PTY must be quiet before the buffer is
	// considered settled. A byte exactly this old counts as silent.
	Silence time.Duration
}

// DefaultTiming returns the production delays.
func DefaultTiming() Timing {
	return Timing{
		Base:      2500 * time.Millisecond,
		PostEnter: 5000 * time.Millisecond,
		ToolChain: 4000 * time.Millisecond,
		Thinking:  1500 * time.Millisecond,
		FastTrack: 500 * time.Millisecond,
		Retry:     1000 * time.Millisecond,
		Silence:   1000 * time.Millisecond,
	}
}

// ReadyResult carries the context captured for one completed turn.
type ReadyResult struct {
	TaskLabel string
	Duration  string
	ToolCount int
	LastTool  string
	Attention bus.Attention
}

// Callbacks receive the engine's state transitions. They run off the
// engine lock and may emit envelopes.
type Callbacks struct {
	// Working fires when a session enters working or changes substate.
	// first is true the first time this session ever works.
	Working func(s Sess, first bool, sub session.Substatus, taskLabel string)
	// Ready fires when the engine declares a turn complete.
	Ready func(s Sess, res ReadyResult)
}

// machine is the per-session state. Timer handles are owned here so a
// detach always cancels them.
type machine struct {
	s         Sess
	id        string
	status    session.Status
	substatus session.Substatus

	// Context for the notification.
	taskLabel string
	lastTool  string
	toolCount int

	everWorking bool

	gen     int // invalidates in-flight timer callbacks
	pending bool
	verify  *time.Timer
	fast    *time.Timer
}

func (m *machine) cancelTimersLocked() {
	m.gen++
	if m.verify != nil {
		m.verify.Stop()
		m.verify = nil
	}
	if m.fast != nil {
		m.fast.Stop()
		m.fast = nil
	}
	m.pending = false
}

// Engine maintains the working/ready state machine for claude sessions,
// driven by title observations, Enter keypresses, and timers.
type Engine struct {
	mu       sync.Mutex
	machines map[string]*machine

	pat    *Patterns
	timing Timing
	cb     Callbacks
	log    *slog.Logger
	now    func() time.Time
}

// NewEngine creates an engine. A zero Timing selects DefaultTiming.
func NewEngine(pat *Patterns, timing Timing, cb Callbacks, log *slog.Logger) *Engine {
	if timing == (Timing{}) {
		timing = DefaultTiming()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		machines: make(map[string]*machine),
		pat:      pat,
		timing:   timing,
		cb:       cb,
		log:      log.With("component", "engine"),
		now:      time.Now,
	}
}

// Attach registers a session with the engine. Sessions are also attached
// lazily on their first observation, so calling this is optional.
func (e *Engine) Attach(s Sess) {
	e.mu.Lock()
	e.machineLocked(s)
	e.mu.Unlock()
}

// Detach cancels any pending schedule and forgets the session.
func (e *Engine) Detach(sessionID string) {
	e.mu.Lock()
	if m, ok := e.machines[sessionID]; ok {
		m.cancelTimersLocked()
		delete(e.machines, sessionID)
	}
	e.mu.Unlock()
}

// DetachAll forgets every session, cancelling all pending schedules.
func (e *Engine) DetachAll() {
	e.mu.Lock()
	for id, m := range e.machines {
		m.cancelTimersLocked()
		delete(e.machines, id)
	}
	e.mu.Unlock()
}

func (e *Engine) machineLocked(s Sess) *machine {
	id := s.Snapshot().ID
	m, ok := e.machines[id]
	if !ok {
		m = &machine{
			s:         s,
			id:        id,
			status:    session.StatusReady,
			substatus: session.SubstatusNone,
		}
		e.machines[id] = m
	}
	return m
}

// OnTitle processes one window-title observation.
func (e *Engine) OnTitle(s Sess, title string) {
	if s.Snapshot().Kind != session.KindClaude {
		return
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return
	}

	var emit func()

	e.mu.Lock()
	m := e.machineLocked(s)
	switch {
	case e.pat.HasSpinner(title):
		emit = e.observeSpinnerLocked(m, title)
	case e.pat.HasMarker(title):
		if m.status == session.StatusWorking && !m.pending {
			e.scheduleReadyLocked(m)
		}
	default:
		// Unrecognized title, never a state change.
	}
	e.mu.Unlock()

	if emit != nil {
		emit()
	}
}

// observeSpinnerLocked handles a Braille title: enter (or stay) working,
// refresh the substate and context, and cancel any scheduled ready.
func (e *Engine) observeSpinnerLocked(m *machine, title string) func() {
	m.cancelTimersLocked()

	sub := session.SubstatusThinking
	tok := e.pat.FirstToken(title)
	if KnownTool(tok) {
		sub = session.SubstatusToolCalling
		m.lastTool = tok
		m.toolCount++
	} else if tok != "" {
		m.taskLabel = tok
	}

	first := !m.everWorking
	changed := m.status != session.StatusWorking || m.substatus != sub
	m.status = session.StatusWorking
	m.substatus = sub
	m.everWorking = true
	m.s.SetStatus(session.StatusWorking, sub)

	if !changed {
		return nil
	}

	s, label, cb := m.s, m.taskLabel, e.cb.Working
	return func() {
		if cb != nil {
			cb(s, first, sub, label)
		}
	}
}

// OnEnter processes an Enter keypress on the input side.
func (e *Engine) OnEnter(s Sess) {
	if s.Snapshot().Kind != session.KindClaude {
		return
	}

	var emit func()

	e.mu.Lock()
	m := e.machineLocked(s)
	if m.status != session.StatusWorking {
		first := !m.everWorking
		m.status = session.StatusWorking
		m.substatus = session.SubstatusNone
		m.everWorking = true
		m.s.SetStatus(session.StatusWorking, session.SubstatusNone)

		// The post-enter debounce keeps the invariant that working
		// without a spinner title always has a verification pending.
		e.scheduleReadyLocked(m)

		label, cb := m.taskLabel, e.cb.Working
		emit = func() {
			if cb != nil {
				cb(s, first, session.SubstatusNone, label)
			}
		}
	}
	e.mu.Unlock()

	if emit != nil {
		emit()
	}
}

// OnExit handles the child process going away: cancel any pending
// schedule and forget the session. The provider emits session:end.
func (e *Engine) OnExit(s Sess) {
	e.Detach(s.Snapshot().ID)
}

// scheduleReadyLocked arms the verification timers with the adaptive
// delay for the machine's current context.
func (e *Engine) scheduleReadyLocked(m *machine) {
	m.cancelTimersLocked()
	m.pending = true
	m.gen++
	gen := m.gen
	id := m.id

	delay := e.delayLocked(m)
	m.verify = time.AfterFunc(delay, func() { e.verifyFired(id, gen, false) })
	if e.timing.FastTrack > 0 && delay > e.timing.FastTrack {
		m.fast = time.AfterFunc(e.timing.FastTrack, func() { e.verifyFired(id, gen, true) })
	}
}

func (e *Engine) delayLocked(m *machine) time.Duration {
	switch {
	case m.s.LastInputWasEnter():
		return e.timing.PostEnter
	case m.substatus == session.SubstatusToolCalling:
		return e.timing.ToolChain
	case m.substatus == session.SubstatusThinking:
		return e.timing.Thinking
	default:
		return e.timing.Base
	}
}

type verdict int

const (
	verdictWait verdict = iota
	verdictRetry
	verdictReady
)

// verifyFired runs one verification pass. Stale generations are dropped.
func (e *Engine) verifyFired(id string, gen int, fast bool) {
	e.mu.Lock()
	m, ok := e.machines[id]
	if !ok || gen != m.gen || !m.pending {
		e.mu.Unlock()
		return
	}

	v, duration, att := e.evaluateLocked(m, fast)
	switch v {
	case verdictWait:
		e.mu.Unlock()
	case verdictRetry:
		e.rescheduleLocked(m)
		e.mu.Unlock()
	case verdictReady:
		emit := e.declareReadyLocked(m, duration, att)
		e.mu.Unlock()
		emit()
	}
}

// rescheduleLocked arms the next verification pass. Retries skip the
// fast-track, the full check list runs soon enough.
func (e *Engine) rescheduleLocked(m *machine) {
	m.gen++
	gen := m.gen
	id := m.id
	if m.verify != nil {
		m.verify.Stop()
	}
	if m.fast != nil {
		m.fast.Stop()
		m.fast = nil
	}
	m.verify = time.AfterFunc(e.timing.Retry, func() { e.verifyFired(id, gen, false) })
}

// evaluateLocked scans the rendered buffer tail and decides whether the
// turn is over. The fast pass honors only definitive signals.
func (e *Engine) evaluateLocked(m *machine, fast bool) (verdict, string, *bus.Attention) {
	lines := e.verifyTail(m.s)

	// 1. Definitive completion line, e.g. "✳ Hatched for 3s".
	for i := len(lines) - 1; i >= 0; i-- {
		if _, d, ok := e.pat.DoneLine(lines[i]); ok {
			return verdictReady, d, nil
		}
	}

	if fast {
		// 3. Permission prompts also skip the remaining delay.
		for i := len(lines) - 1; i >= 0; i-- {
			if PermissionLine(lines[i]) {
				att := bus.Attention{Kind: bus.AttentionPermission, Text: strings.TrimSpace(lines[i])}
				return verdictReady, "", &att
			}
		}
		return verdictWait, "", nil
	}

	// 2. Transient "· word…" status means still working.
	for _, l := range lines {
		if StillWorkingLine(l) {
			return verdictRetry, "", nil
		}
	}

	// 3. Permission prompt blocks the turn; the user must answer.
	for i := len(lines) - 1; i >= 0; i-- {
		if PermissionLine(lines[i]) {
			att := bus.Attention{Kind: bus.AttentionPermission, Text: strings.TrimSpace(lines[i])}
			return verdictReady, "", &att
		}
	}

	sinceOut := e.now().Sub(m.s.LastOutputAt())

	// 4. A tool result still streaming in.
	if len(lines) > 0 && ToolResultLine(lines[len(lines)-1]) && sinceOut < e.timing.Silence {
		return verdictRetry, "", nil
	}

	// 5. Output still flowing.
	if sinceOut < e.timing.Silence {
		return verdictRetry, "", nil
	}

	// 6. Settled.
	return verdictReady, "", nil
}

// verifyTail returns the last rendered non-blank, non-spinner lines.
func (e *Engine) verifyTail(s Sess) []string {
	raw := s.TailNonBlank(verifyWindow + 6)
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if e.pat.SpinnerLed(l) {
			continue
		}
		lines = append(lines, l)
	}
	if len(lines) > verifyWindow {
		lines = lines[len(lines)-verifyWindow:]
	}
	return lines
}

// declareReadyLocked transitions to ready, captures the turn context, and
// returns the callback to run off the lock.
func (e *Engine) declareReadyLocked(m *machine, duration string, att *bus.Attention) func() {
	m.cancelTimersLocked()

	var attention bus.Attention
	if att != nil {
		attention = *att
	} else {
		attention = ExtractAttention(e.pat, m.s.TailNonBlank(attentionWindow))
	}

	res := ReadyResult{
		TaskLabel: m.taskLabel,
		Duration:  duration,
		ToolCount: m.toolCount,
		LastTool:  m.lastTool,
		Attention: attention,
	}

	m.status = session.StatusReady
	m.substatus = session.SubstatusNone
	m.toolCount = 0
	m.taskLabel = ""
	m.s.SetStatus(session.StatusReady, session.SubstatusNone)

	e.log.Debug("turn complete",
		"session", m.id,
		"duration", res.Duration,
		"toolCount", res.ToolCount,
		"attention", res.Attention.Kind)

	s, cb := m.s, e.cb.Ready
	return func() {
		if cb != nil {
			cb(s, res)
		}
	}
}
