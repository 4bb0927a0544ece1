package claude

import (
	"sync"

	"deckhand/internal/bus"
)

// ToolStat counts invocations and failures of one tool.
type ToolStat struct {
	Count  int `json:"count"`
	Errors int `json:"errors"`
}

// DashboardStats is the aggregate handed to the dashboard.
type DashboardStats struct {
	Tools            map[string]ToolStat `json:"toolStats"`
	HookSessionCount int                 `json:"hookSessionCount"`
}

// Stats aggregates tool usage from the hooks feed. Scraping envelopes
// carry no per-tool granularity, so only source=hooks is counted.
// Counters survive across sessions and provider switches.
type Stats struct {
	mu       sync.Mutex
	tools    map[string]ToolStat
	sessions map[string]struct{}
	tokens   []string
}

// NewStats creates an empty collector.
func NewStats() *Stats {
	return &Stats{
		tools:    make(map[string]ToolStat),
		sessions: make(map[string]struct{}),
	}
}

// Attach subscribes the collector to the bus.
func (st *Stats) Attach(b *bus.Bus) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.tokens = append(st.tokens,
		b.Subscribe(bus.SessionStart, st.handle),
		b.Subscribe(bus.ToolStart, st.handle),
		b.Subscribe(bus.ToolError, st.handle),
	)
}

// Detach unsubscribes the collector. Counters are kept.
func (st *Stats) Detach(b *bus.Bus) {
	st.mu.Lock()
	tokens := st.tokens
	st.tokens = nil
	st.mu.Unlock()

	for _, t := range tokens {
		b.Unsubscribe(t)
	}
}

func (st *Stats) handle(env bus.Envelope) {
	if env.Source != bus.SourceHooks {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	switch data := env.Data.(type) {
	case bus.SessionStartData:
		if data.SessionID != "" {
			st.sessions[data.SessionID] = struct{}{}
		}
	case bus.ToolStartData:
		if data.Tool != "" {
			s := st.tools[data.Tool]
			s.Count++
			st.tools[data.Tool] = s
		}
	case bus.ToolErrorData:
		if data.Tool != "" {
			s := st.tools[data.Tool]
			s.Errors++
			st.tools[data.Tool] = s
		}
	}
}

// Snapshot returns a copy of the current aggregates.
func (st *Stats) Snapshot() DashboardStats {
	st.mu.Lock()
	defer st.mu.Unlock()

	tools := make(map[string]ToolStat, len(st.tools))
	for name, s := range st.tools {
		tools[name] = s
	}
	return DashboardStats{
		Tools:            tools,
		HookSessionCount: len(st.sessions),
	}
}
