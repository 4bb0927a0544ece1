package claude

import (
	"path/filepath"
	"sync"
	"testing"

	"deckhand/internal/bus"
	"deckhand/internal/project"
)

type envCollector struct {
	mu   sync.Mutex
	envs []bus.Envelope
}

// collectAll subscribes a wildcard handler that records every envelope.
// Bus delivery is synchronous, so no waiting is needed.
func collectAll(b *bus.Bus) *envCollector {
	c := &envCollector{}
	b.Subscribe(bus.Wildcard, func(env bus.Envelope) {
		c.mu.Lock()
		c.envs = append(c.envs, env)
		c.mu.Unlock()
	})
	return c
}

func (c *envCollector) all() []bus.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.Envelope(nil), c.envs...)
}

func (c *envCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func (c *envCollector) last(t *testing.T) bus.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.envs) == 0 {
		t.Fatal("no envelopes collected")
	}
	return c.envs[len(c.envs)-1]
}

func newTestStore(t *testing.T, projects ...*project.Project) *project.FileStore {
	t.Helper()
	store, err := project.NewFileStore(filepath.Join(t.TempDir(), "projects.json"))
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	for _, p := range projects {
		if err := store.Add(p); err != nil {
			t.Fatalf("Add(%s) error: %v", p.ID, err)
		}
	}
	return store
}

func TestHooksProvider_TranslatesSessionStart(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, &project.Project{ID: "p1", Path: dir, Name: "demo"})
	b := bus.New(nil)
	c := collectAll(b)

	p := NewHooksProvider(b, store, nil)
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	err := p.Ingest(HookMessage{Event: HookSessionStart, SessionID: "abc", Model: "opus", Cwd: dir})
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}

	env := c.last(t)
	if env.Type != bus.SessionStart {
		t.Errorf("expected session:start, got %s", env.Type)
	}
	if env.Source != bus.SourceHooks {
		t.Errorf("expected source hooks, got %s", env.Source)
	}
	if env.ProjectID != "p1" {
		t.Errorf("expected project p1, got %q", env.ProjectID)
	}
	data, ok := env.Data.(bus.SessionStartData)
	if !ok {
		t.Fatalf("unexpected payload %T", env.Data)
	}
	if data.SessionID != "abc" || data.Model != "opus" {
		t.Errorf("unexpected payload: %+v", data)
	}
}

func TestHooksProvider_TranslatesEveryEvent(t *testing.T) {
	b := bus.New(nil)
	c := collectAll(b)
	p := NewHooksProvider(b, nil, nil)
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	cases := []struct {
		msg  HookMessage
		want bus.Type
	}{
		{HookMessage{Event: HookSessionStart, SessionID: "s"}, bus.SessionStart},
		{HookMessage{Event: HookSessionEnd, SessionID: "s"}, bus.SessionEnd},
		{HookMessage{Event: HookToolStart, SessionID: "s", Tool: "Bash"}, bus.ToolStart},
		{HookMessage{Event: HookToolEnd, SessionID: "s", Tool: "Bash"}, bus.ToolEnd},
		{HookMessage{Event: HookToolError, SessionID: "s", Tool: "Bash", Error: "exit 1"}, bus.ToolError},
		{HookMessage{Event: HookPromptSubmit, SessionID: "s", Prompt: "fix it"}, bus.PromptSubmit},
		{HookMessage{Event: HookClaudeWorking, SessionID: "s"}, bus.ClaudeWorking},
		{HookMessage{Event: HookClaudeDone, SessionID: "s"}, bus.ClaudeDone},
		{HookMessage{Event: HookClaudePermission, SessionID: "s", Tool: "Bash", Message: "Allow?"}, bus.ClaudePermission},
		{HookMessage{Event: HookNotification, SessionID: "s", Message: "hi"}, bus.Notification},
		{HookMessage{Event: HookSubagentStart, SessionID: "s", Detail: "explore"}, bus.SubagentStart},
		{HookMessage{Event: HookSubagentStop, SessionID: "s"}, bus.SubagentStop},
	}

	for _, tc := range cases {
		if err := p.Ingest(tc.msg); err != nil {
			t.Fatalf("Ingest(%s) error: %v", tc.msg.Event, err)
		}
		if env := c.last(t); env.Type != tc.want {
			t.Errorf("Ingest(%s) emitted %s, want %s", tc.msg.Event, env.Type, tc.want)
		}
	}
	if got := c.count(); got != len(cases) {
		t.Errorf("expected %d envelopes, got %d", len(cases), got)
	}

	// Spot-check the payload shapes that carry more than the session id.
	envs := c.all()
	if data := envs[1].Data.(bus.SessionEndData); data.Reason != "end" {
		t.Errorf("expected hook session end reason \"end\", got %q", data.Reason)
	}
	if data := envs[4].Data.(bus.ToolErrorData); data.Message != "exit 1" {
		t.Errorf("expected tool error message, got %q", data.Message)
	}
	if data := envs[7].Data.(bus.DoneData); data.Attention.Kind != bus.AttentionDone {
		t.Errorf("expected done attention, got %q", data.Attention.Kind)
	}
	if data := envs[8].Data.(bus.PermissionData); data.Tool != "Bash" || data.Message != "Allow?" {
		t.Errorf("unexpected permission payload: %+v", data)
	}
	if data := envs[10].Data.(bus.SubagentStartData); data.Description != "explore" {
		t.Errorf("expected subagent description, got %q", data.Description)
	}
}

func TestHooksProvider_UnknownEvent(t *testing.T) {
	b := bus.New(nil)
	c := collectAll(b)
	p := NewHooksProvider(b, nil, nil)
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if err := p.Ingest(HookMessage{Event: "NOT_A_THING"}); err == nil {
		t.Error("expected error for unknown event")
	}
	if c.count() != 0 {
		t.Errorf("expected no envelopes, got %d", c.count())
	}
}

func TestHooksProvider_DropsWhenStopped(t *testing.T) {
	b := bus.New(nil)
	c := collectAll(b)
	p := NewHooksProvider(b, nil, nil)

	// Not started yet: dropped without error.
	if err := p.Ingest(HookMessage{Event: HookSessionStart, SessionID: "s"}); err != nil {
		t.Fatalf("Ingest() before start error: %v", err)
	}
	if c.count() != 0 {
		t.Fatalf("expected drop before start, got %d envelopes", c.count())
	}

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := p.Ingest(HookMessage{Event: HookSessionStart, SessionID: "s"}); err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if c.count() != 1 {
		t.Fatalf("expected 1 envelope, got %d", c.count())
	}

	p.Stop()
	if err := p.Ingest(HookMessage{Event: HookSessionStart, SessionID: "s"}); err != nil {
		t.Fatalf("Ingest() after stop error: %v", err)
	}
	if c.count() != 1 {
		t.Errorf("expected drop after stop, got %d envelopes", c.count())
	}
}

func TestHooksProvider_ResolvesProjectFromSubdirectory(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, &project.Project{ID: "p1", Path: dir, Name: "demo"})
	b := bus.New(nil)
	c := collectAll(b)
	p := NewHooksProvider(b, store, nil)
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	cwd := filepath.Join(dir, "src", "internal", "deep")
	if err := p.Ingest(HookMessage{Event: HookToolStart, SessionID: "s", Tool: "Read", Cwd: cwd}); err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}

	env := c.last(t)
	if env.ProjectID != "p1" {
		t.Errorf("expected project resolved from subdirectory, got %q", env.ProjectID)
	}
	if env.ProjectPath != dir {
		t.Errorf("expected project path %q, got %q", dir, env.ProjectPath)
	}
}

func TestHooksProvider_UnknownCwdLeavesProjectEmpty(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, &project.Project{ID: "p1", Path: filepath.Join(dir, "known"), Name: "demo"})
	b := bus.New(nil)
	c := collectAll(b)
	p := NewHooksProvider(b, store, nil)
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if err := p.Ingest(HookMessage{Event: HookToolStart, SessionID: "s", Tool: "Read", Cwd: "/nowhere/else"}); err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}

	if env := c.last(t); env.ProjectID != "" {
		t.Errorf("expected empty project id, got %q", env.ProjectID)
	}
}
