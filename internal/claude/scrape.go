package claude

import (
	"log/slog"
	"sync"

	"deckhand/internal/bus"
	"deckhand/internal/session"
)

// ScrapeProvider derives envelopes from PTY titles, Enter keypresses,
// and buffer snapshots when the hosted CLI's hook feed is unavailable.
// It owns the state engine and taps the registry for raw observations.
//
// It has no per-tool visibility, so it never emits tool:* or
// claude:permission; permission prompts surface as attention on the
// claude:done envelope instead.
type ScrapeProvider struct {
	reg    *session.Registry
	bus    *bus.Bus
	engine *Engine
	log    *slog.Logger

	mu       sync.Mutex
	tapToken string
}

// NewScrapeProvider wires an engine to the registry and the bus.
func NewScrapeProvider(reg *session.Registry, b *bus.Bus, pat *Patterns, timing Timing, log *slog.Logger) *ScrapeProvider {
	if log == nil {
		log = slog.Default()
	}
	p := &ScrapeProvider{
		reg: reg,
		bus: b,
		log: log.With("component", "scrape"),
	}
	p.engine = NewEngine(pat, timing, Callbacks{
		Working: p.onWorking,
		Ready:   p.onReady,
	}, log)
	return p
}

// Name identifies the provider for the switch surface.
func (p *ScrapeProvider) Name() string { return "scraping" }

// Engine exposes the state machine, mainly so exits observed outside the
// tap (tests, manual teardown) can be forwarded.
func (p *ScrapeProvider) Engine() *Engine { return p.engine }

// Start installs the registry tap. Idempotent.
func (p *ScrapeProvider) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tapToken != "" {
		return nil
	}
	p.tapToken = p.reg.AddTap(&session.Tap{
		Title: func(s *session.Session, title string) { p.engine.OnTitle(s, title) },
		Enter: p.onEnter,
		Exit:  p.onExit,
	})
	p.log.Info("scraping provider started")
	return nil
}

// Stop removes the tap and drops all per-session machine state.
func (p *ScrapeProvider) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tapToken == "" {
		return
	}
	p.reg.RemoveTap(p.tapToken)
	p.tapToken = ""
	p.engine.DetachAll()
	p.log.Info("scraping provider stopped")
}

func (p *ScrapeProvider) onEnter(s *session.Session, prompt string) {
	if s.Kind != session.KindClaude {
		return
	}
	info := s.Snapshot()
	p.bus.Emit(p.meta(info), bus.PromptSubmitData{SessionID: info.ID, Prompt: prompt})
	p.engine.OnEnter(s)
}

func (p *ScrapeProvider) onExit(s *session.Session, exitCode int) {
	if s.Kind != session.KindClaude {
		return
	}
	p.engine.OnExit(s)
	info := s.Snapshot()
	p.bus.Emit(p.meta(info), bus.SessionEndData{
		SessionID: info.ID,
		Reason:    "exit",
		ExitCode:  exitCode,
	})
}

// onWorking translates engine transitions into envelopes. The first
// working observation on a session doubles as its synthetic start.
func (p *ScrapeProvider) onWorking(s Sess, first bool, sub session.Substatus, taskLabel string) {
	info := s.Snapshot()
	meta := p.meta(info)

	if first {
		p.bus.Emit(meta, bus.SessionStartData{SessionID: info.ID})
	}
	p.bus.Emit(meta, bus.WorkingData{
		SessionID: info.ID,
		Substatus: string(sub),
		TaskLabel: taskLabel,
	})
}

func (p *ScrapeProvider) onReady(s Sess, res ReadyResult) {
	info := s.Snapshot()
	p.bus.Emit(p.meta(info), bus.DoneData{
		SessionID: info.ID,
		TaskLabel: res.TaskLabel,
		Duration:  res.Duration,
		ToolCount: res.ToolCount,
		Attention: res.Attention,
	})
}

func (p *ScrapeProvider) meta(info session.Info) bus.Meta {
	return bus.Meta{
		ProjectID:   info.ProjectID,
		ProjectPath: info.ProjectPath,
		Source:      bus.SourceScraping,
	}
}
