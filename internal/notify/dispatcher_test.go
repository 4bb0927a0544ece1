package notify

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"deckhand/internal/bus"
	"deckhand/internal/project"
	"deckhand/internal/session"
)

type fakeNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (f *fakeNotifier) Show(n Notification) {
	f.mu.Lock()
	f.notes = append(f.notes, n)
	f.mu.Unlock()
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notes)
}

func (f *fakeNotifier) last(t *testing.T) Notification {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.notes) == 0 {
		t.Fatal("no notifications shown")
	}
	return f.notes[len(f.notes)-1]
}

type fixture struct {
	reg      *session.Registry
	bus      *bus.Bus
	store    *project.FileStore
	notifier *fakeNotifier
	disp     *Dispatcher

	mu       sync.Mutex
	statuses []string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	store, err := project.NewFileStore(filepath.Join(t.TempDir(), "projects.json"))
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	if err := store.Add(&project.Project{ID: "p1", Path: "/tmp/p1", Name: "demo"}); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	f := &fixture{
		reg:      session.NewRegistry(0, nil),
		bus:      bus.New(nil),
		store:    store,
		notifier: &fakeNotifier{},
	}
	t.Cleanup(f.reg.Shutdown)

	f.disp = New(f.reg, store, f.notifier, opts, nil)
	f.disp.Attach(f.bus)
	t.Cleanup(func() { f.disp.Detach(f.bus) })
	f.disp.SetStatusListener(func(s *session.Session) {
		f.mu.Lock()
		f.statuses = append(f.statuses, s.ID)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) statusCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.statuses)
}

func (f *fixture) claudeSession(t *testing.T) *session.Session {
	t.Helper()
	s, _, err := f.reg.Create(session.CreateOptions{
		Kind:    session.KindClaude,
		Project: &session.ProjectRef{ID: "p1", Path: "/tmp/p1", Name: "demo"},
		Command: "/bin/sleep",
		Args:    []string{"30"},
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return s
}

func scraping() bus.Meta {
	return bus.Meta{ProjectID: "p1", ProjectPath: "/tmp/p1", Source: bus.SourceScraping}
}

func hooks() bus.Meta {
	return bus.Meta{ProjectID: "p1", ProjectPath: "/tmp/p1", Source: bus.SourceHooks}
}

func TestDispatcher_WorkingSetsStatus(t *testing.T) {
	f := newFixture(t, Options{Enabled: true, PreferTaskTitle: true})
	s := f.claudeSession(t)

	f.bus.Emit(scraping(), bus.WorkingData{SessionID: s.ID, Substatus: "tool_calling"})

	st, sub := s.Status()
	if st != session.StatusWorking || sub != session.SubstatusToolCalling {
		t.Errorf("expected working/tool_calling, got %s/%s", st, sub)
	}
	if f.statusCount() != 1 {
		t.Errorf("expected 1 status update, got %d", f.statusCount())
	}
	if f.notifier.count() != 0 {
		t.Errorf("working must not notify, got %d", f.notifier.count())
	}
}

func TestDispatcher_DoneNotifiesToolCountBody(t *testing.T) {
	f := newFixture(t, Options{Enabled: true, PreferTaskTitle: true})
	s := f.claudeSession(t)
	s.SetStatus(session.StatusWorking, session.SubstatusToolCalling)

	f.bus.Emit(scraping(), bus.DoneData{
		SessionID: s.ID,
		ToolCount: 2,
		Attention: bus.Attention{Kind: bus.AttentionDone},
	})

	if st, _ := s.Status(); st != session.StatusReady {
		t.Errorf("expected ready, got %s", st)
	}
	n := f.notifier.last(t)
	if n.Body != "2 tool calls" {
		t.Errorf("expected tool count body, got %q", n.Body)
	}
	if n.Kind != bus.AttentionDone {
		t.Errorf("expected done kind, got %q", n.Kind)
	}
	if n.Title != "demo" {
		t.Errorf("expected project name title, got %q", n.Title)
	}
}

func TestDispatcher_QuestionWinsAndTitlePrefersTask(t *testing.T) {
	f := newFixture(t, Options{Enabled: true, PreferTaskTitle: true})
	s := f.claudeSession(t)

	f.bus.Emit(scraping(), bus.DoneData{
		SessionID: s.ID,
		TaskLabel: "Refactoring",
		ToolCount: 5,
		Attention: bus.Attention{Kind: bus.AttentionQuestion, Text: "Should I update the tests as well?"},
	})

	n := f.notifier.last(t)
	if n.Body != "Should I update the tests as well?" {
		t.Errorf("question text must win over tool count, got %q", n.Body)
	}
	if n.Title != "Refactoring" {
		t.Errorf("expected task label title, got %q", n.Title)
	}
	if n.Kind != bus.AttentionQuestion {
		t.Errorf("expected question kind, got %q", n.Kind)
	}
}

func TestDispatcher_ProjectNameWhenTaskTitleDisabled(t *testing.T) {
	f := newFixture(t, Options{Enabled: true, PreferTaskTitle: false})
	s := f.claudeSession(t)

	f.bus.Emit(scraping(), bus.DoneData{
		SessionID: s.ID,
		TaskLabel: "Refactoring",
		Attention: bus.Attention{Kind: bus.AttentionDone},
	})

	if n := f.notifier.last(t); n.Title != "demo" {
		t.Errorf("expected project name title, got %q", n.Title)
	}
}

func TestDispatcher_FocusedActiveSessionSuppressed(t *testing.T) {
	f := newFixture(t, Options{Enabled: true, PreferTaskTitle: true})
	s := f.claudeSession(t)

	f.disp.SetFocused(true)
	f.disp.SetActiveSession(s.ID)
	f.bus.Emit(scraping(), bus.DoneData{SessionID: s.ID, Attention: bus.Attention{Kind: bus.AttentionDone}})
	if f.notifier.count() != 0 {
		t.Fatalf("expected suppression while focused on the session, got %d", f.notifier.count())
	}

	f.disp.SetActiveSession("another")
	f.bus.Emit(scraping(), bus.DoneData{SessionID: s.ID, Attention: bus.Attention{Kind: bus.AttentionDone}})
	if f.notifier.count() != 1 {
		t.Errorf("expected notification for background session, got %d", f.notifier.count())
	}
}

func TestDispatcher_AttentionDedupWindow(t *testing.T) {
	f := newFixture(t, Options{Enabled: true, PreferTaskTitle: true})
	s := f.claudeSession(t)

	base := time.Now()
	cur := base
	f.disp.now = func() time.Time { return cur }

	perm := bus.DoneData{SessionID: s.ID, Attention: bus.Attention{Kind: bus.AttentionPermission, Text: "Allow Bash command? (y/n)"}}
	f.bus.Emit(scraping(), perm)
	f.bus.Emit(scraping(), perm)
	if f.notifier.count() != 1 {
		t.Fatalf("expected second permission deduped, got %d", f.notifier.count())
	}

	// A question inside the same window shares the project cooldown.
	f.bus.Emit(scraping(), bus.DoneData{
		SessionID: s.ID,
		Attention: bus.Attention{Kind: bus.AttentionQuestion, Text: "What should the flag be called?"},
	})
	if f.notifier.count() != 1 {
		t.Fatalf("expected question deduped in the same window, got %d", f.notifier.count())
	}

	cur = base.Add(6 * time.Second)
	f.bus.Emit(scraping(), perm)
	if f.notifier.count() != 2 {
		t.Errorf("expected notification after cooldown, got %d", f.notifier.count())
	}

	// Plain done notifications never dedup.
	f.bus.Emit(scraping(), bus.DoneData{SessionID: s.ID, Attention: bus.Attention{Kind: bus.AttentionDone}})
	f.bus.Emit(scraping(), bus.DoneData{SessionID: s.ID, Attention: bus.Attention{Kind: bus.AttentionDone}})
	if f.notifier.count() != 4 {
		t.Errorf("expected done notifications undeduped, got %d", f.notifier.count())
	}
}

func TestDispatcher_HookFeedResolvesByProject(t *testing.T) {
	f := newFixture(t, Options{Enabled: true, PreferTaskTitle: true})
	s := f.claudeSession(t)

	// Hook session ids are the CLI's own, not registry ids.
	f.bus.Emit(hooks(), bus.WorkingData{SessionID: "cli-abc123"})
	if st, sub := s.Status(); st != session.StatusWorking || sub != session.SubstatusNone {
		t.Errorf("expected working/none via project resolution, got %s/%s", st, sub)
	}

	f.bus.Emit(hooks(), bus.DoneData{SessionID: "cli-abc123", Attention: bus.Attention{Kind: bus.AttentionDone}})
	if st, _ := s.Status(); st != session.StatusReady {
		t.Errorf("expected ready, got %s", st)
	}
	if f.notifier.count() != 1 {
		t.Errorf("expected 1 notification, got %d", f.notifier.count())
	}
}

func TestDispatcher_SessionEndNotifiesDone(t *testing.T) {
	f := newFixture(t, Options{Enabled: true, PreferTaskTitle: true})

	f.bus.Emit(scraping(), bus.SessionEndData{SessionID: "gone", Reason: "exit", ExitCode: 0})

	n := f.notifier.last(t)
	if n.Body != "done" || n.Kind != bus.AttentionDone {
		t.Errorf("unexpected end notification: %+v", n)
	}
	if n.Title != "demo" {
		t.Errorf("expected project title, got %q", n.Title)
	}
}

func TestDispatcher_PermissionEnvelope(t *testing.T) {
	f := newFixture(t, Options{Enabled: true, PreferTaskTitle: true})

	f.bus.Emit(hooks(), bus.PermissionData{SessionID: "cli-1", Tool: "Bash", Message: "Allow Bash: rm -rf build?"})

	n := f.notifier.last(t)
	if n.Kind != bus.AttentionPermission {
		t.Errorf("expected permission kind, got %q", n.Kind)
	}
	if n.Body != "Allow Bash: rm -rf build?" {
		t.Errorf("unexpected body %q", n.Body)
	}

	// Tool-only payloads synthesize a body.
	f.disp.now = func() time.Time { return time.Now().Add(time.Minute) }
	f.bus.Emit(hooks(), bus.PermissionData{SessionID: "cli-1", Tool: "Edit"})
	if n := f.notifier.last(t); n.Body != "Allow Edit?" {
		t.Errorf("expected synthesized body, got %q", n.Body)
	}
}

func TestDispatcher_InfoNotification(t *testing.T) {
	f := newFixture(t, Options{Enabled: true, PreferTaskTitle: true})

	f.bus.Emit(hooks(), bus.NotificationData{SessionID: "cli-1", Message: "Claude needs your input"})

	n := f.notifier.last(t)
	if n.Kind != "info" || n.Body != "Claude needs your input" {
		t.Errorf("unexpected info notification: %+v", n)
	}
}

func TestDispatcher_DisabledStillUpdatesStatus(t *testing.T) {
	f := newFixture(t, Options{Enabled: false, PreferTaskTitle: true})
	s := f.claudeSession(t)

	f.bus.Emit(scraping(), bus.WorkingData{SessionID: s.ID, Substatus: "thinking"})
	f.bus.Emit(scraping(), bus.DoneData{SessionID: s.ID, Attention: bus.Attention{Kind: bus.AttentionQuestion, Text: "Proceed with the migration?"}})

	if st, _ := s.Status(); st != session.StatusReady {
		t.Errorf("expected status updates to run, got %s", st)
	}
	if f.notifier.count() != 0 {
		t.Errorf("expected notifier gated off, got %d", f.notifier.count())
	}

	f.disp.SetEnabled(true)
	f.bus.Emit(scraping(), bus.DoneData{SessionID: s.ID, Attention: bus.Attention{Kind: bus.AttentionDone}})
	if f.notifier.count() != 1 {
		t.Errorf("expected notification after enabling, got %d", f.notifier.count())
	}
}
