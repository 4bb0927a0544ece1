package core

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"deckhand/internal/bus"
	"deckhand/internal/claude"
	"deckhand/internal/config"
	"deckhand/internal/notify"
	"deckhand/internal/project"
	"deckhand/internal/session"
	"deckhand/internal/timetrack"
	"deckhand/internal/watcher"
)

// Provider names accepted by SwitchProvider.
const (
	ProviderHooks    = "hooks"
	ProviderScraping = "scraping"
)

// pendingPromptDelay gives the claude CLI time to draw its input box after
// the first output before a queued prompt is typed in.
const pendingPromptDelay = 1500 * time.Millisecond

// provider is the part of the two claude event providers the core drives.
type provider interface {
	Name() string
	Start() error
	Stop()
}

// Options configure a Core. Zero-valued fields select defaults.
type Options struct {
	Settings    *config.Settings
	Store       project.Store
	Notifier    notify.Notifier
	MaxSessions int
	Timing      claude.Timing
	Tracking    timetrack.Config
	Log         *slog.Logger
}

// TerminalStats counts a project's live sessions.
type TerminalStats struct {
	Total   int `json:"total"`
	Working int `json:"working"`
}

// DashboardStats aggregates tool usage, hook session counts, and per-project
// file activity.
type DashboardStats struct {
	Tools            map[string]claude.ToolStat      `json:"toolStats"`
	HookSessionCount int                             `json:"hookSessionCount"`
	Files            map[string]watcher.ProjectFiles `json:"files"`
}

// ClaudeOptions tune OpenClaude. The zero value launches the configured
// claude CLI with the user's settings.
type ClaudeOptions struct {
	// SkipPermissions adds the CLI's permission bypass flag. The settings
	// file can force this on for every session.
	SkipPermissions bool
	// ShellOnly opens a plain shell in the project directory instead of
	// launching the CLI.
	ShellOnly bool
	// ResumeSessionID resumes a previous CLI conversation.
	ResumeSessionID string
	// PendingPrompt is typed into the CLI once it has produced output.
	PendingPrompt string
}

// FilesListener observes per-project file activity updates.
type FilesListener func(projectID string, fileCount, changedFiles int)

// Core owns every long-lived table of the daemon: the session registry, the
// event bus, the claude providers, time tracking, tool stats, notifications,
// and the project watcher. Construct one per process; tests construct their
// own instances.
type Core struct {
	settings *config.Settings
	store    project.Store
	log      *slog.Logger

	bus      *bus.Bus
	reg      *session.Registry
	tracker  *timetrack.Tracker
	stats    *claude.Stats
	disp     *notify.Dispatcher
	patterns *claude.Patterns

	hooks  *claude.HooksProvider
	scrape *claude.ScrapeProvider
	watch  *watcher.Watcher

	mu         sync.Mutex
	active     provider
	tapToken   string
	trackToken string
	watching   map[string]bool
	filesFn    FilesListener
	viewed     string

	promptDelay time.Duration
	flight      singleflight.Group
}

// New wires a Core from its collaborators. Store is required; everything
// else has a default.
func New(opts Options) *Core {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	settings := opts.Settings
	if settings == nil {
		settings = config.Default()
	}
	timing := opts.Timing
	if timing == (claude.Timing{}) {
		timing = claude.DefaultTiming()
	}

	c := &Core{
		settings:    settings,
		store:       opts.Store,
		log:         log.With("component", "core"),
		bus:         bus.New(log),
		reg:         session.NewRegistry(opts.MaxSessions, log),
		patterns:    claude.NewPatterns(settings.Glyphs),
		watching:    make(map[string]bool),
		promptDelay: pendingPromptDelay,
	}

	c.tracker = timetrack.New(opts.Store, opts.Tracking, log)
	c.stats = claude.NewStats()
	c.stats.Attach(c.bus)
	c.disp = notify.New(c.reg, opts.Store, opts.Notifier, notify.Options{
		Enabled:         settings.NotificationsEnabled,
		PreferTaskTitle: settings.PreferTaskTitle,
	}, log)
	c.disp.Attach(c.bus)

	c.hooks = claude.NewHooksProvider(c.bus, opts.Store, log)
	c.scrape = claude.NewScrapeProvider(c.reg, c.bus, c.patterns, timing, log)
	c.watch = watcher.New(c.onFilesChanged, log)

	c.tapToken = c.reg.AddTap(&session.Tap{
		Input:  c.onInput,
		Output: c.onOutput,
		Exit:   c.onSessionExit,
	})
	c.trackToken = c.bus.Subscribe(bus.Wildcard, c.onHookActivity)
	return c
}

// InitClaudeEvents starts the provider the settings select: hooks when
// hooksEnabled, scraping otherwise.
func (c *Core) InitClaudeEvents() error {
	name := ProviderScraping
	if c.settings.HooksEnabled {
		name = ProviderHooks
	}
	return c.SwitchProvider(name)
}

// SwitchProvider tears down the active claude provider and starts the named
// one. Bus subscribers are untouched; they keep receiving envelopes from
// whichever provider is live.
func (c *Core) SwitchProvider(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next provider
	switch name {
	case ProviderHooks:
		next = c.hooks
	case ProviderScraping:
		next = c.scrape
	default:
		return fmt.Errorf("unknown provider: %q", name)
	}

	if c.active == next {
		return nil
	}
	if c.active != nil {
		c.active.Stop()
		c.active = nil
	}
	if err := next.Start(); err != nil {
		return fmt.Errorf("start %s provider: %w", name, err)
	}
	c.active = next
	c.log.Info("claude provider active", "provider", name)
	return nil
}

// ActiveProvider names the running provider, or "" before InitClaudeEvents.
func (c *Core) ActiveProvider() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.Name()
}

// IngestHook feeds one hook transport message to the hooks provider. When
// the scraping provider is active the message is dropped.
func (c *Core) IngestHook(msg claude.HookMessage) error {
	return c.hooks.Ingest(msg)
}

// OpenClaude opens a claude session for a project.
func (c *Core) OpenClaude(projectID string, opts ClaudeOptions) (*session.Session, error) {
	ref, err := c.projectRef(projectID)
	if err != nil {
		return nil, err
	}

	command, args := buildClaudeCommand(c.settings, opts)
	s, created, err := c.reg.Create(session.CreateOptions{
		Kind:          session.KindClaude,
		Project:       ref,
		Command:       command,
		Args:          args,
		Dir:           ref.Path,
		Env:           append(os.Environ(), "TERM=xterm-256color"),
		PendingPrompt: opts.PendingPrompt,
	})
	if err != nil {
		return nil, err
	}
	c.sessionOpened(ref, created)
	return s, nil
}

// buildClaudeCommand assembles the CLI invocation from settings and
// per-open options.
func buildClaudeCommand(settings *config.Settings, opts ClaudeOptions) (string, []string) {
	if opts.ShellOnly {
		return userShell(), nil
	}

	command, args := splitCommand(settings.ClaudeCommand)
	if command == "" {
		command = "claude"
	}
	if opts.SkipPermissions || settings.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	return command, args
}

// OpenFivemConsole opens the project's server console. At most one per
// project; a duplicate open returns the existing session.
func (c *Core) OpenFivemConsole(projectID string) (*session.Session, error) {
	ref, err := c.projectRef(projectID)
	if err != nil {
		return nil, err
	}

	command := c.settings.FivemCommand
	if p, ok := c.store.FindByID(projectID); ok && p.FivemCommand != "" {
		command = p.FivemCommand
	}
	return c.openProjectCommand(ref, session.KindFivem, command)
}

// OpenWebApp opens the project's dev server. At most one per project.
func (c *Core) OpenWebApp(projectID string) (*session.Session, error) {
	ref, err := c.projectRef(projectID)
	if err != nil {
		return nil, err
	}

	command := c.settings.WebAppCommand
	if p, ok := c.store.FindByID(projectID); ok && p.WebAppCommand != "" {
		command = p.WebAppCommand
	}
	return c.openProjectCommand(ref, session.KindWebApp, command)
}

// OpenShell opens an interactive shell. projectID may be empty for a
// detached shell in the daemon's working directory.
func (c *Core) OpenShell(projectID string) (*session.Session, error) {
	var ref *session.ProjectRef
	dir := ""
	if projectID != "" {
		var err error
		if ref, err = c.projectRef(projectID); err != nil {
			return nil, err
		}
		dir = ref.Path
	}

	s, created, err := c.reg.Create(session.CreateOptions{
		Kind:    session.KindShell,
		Project: ref,
		Command: userShell(),
		Dir:     dir,
		Env:     os.Environ(),
	})
	if err != nil {
		return nil, err
	}
	c.sessionOpened(ref, created)
	return s, nil
}

// OpenFile views a file in the configured editor. The session is attached
// to the project for grouping, but the engine ignores non-claude kinds.
func (c *Core) OpenFile(path, projectID string) (*session.Session, error) {
	var ref *session.ProjectRef
	if projectID != "" {
		var err error
		if ref, err = c.projectRef(projectID); err != nil {
			return nil, err
		}
	}

	command, args := splitCommand(c.editorCommand())
	dir := ""
	if ref != nil {
		dir = ref.Path
	}
	s, created, err := c.reg.Create(session.CreateOptions{
		Kind:        session.KindFileView,
		Project:     ref,
		DisplayName: path,
		Command:     command,
		Args:        append(args, path),
		Dir:         dir,
		Env:         os.Environ(),
	})
	if err != nil {
		return nil, err
	}
	c.sessionOpened(ref, created)
	return s, nil
}

func (c *Core) openProjectCommand(ref *session.ProjectRef, kind session.Kind, command string) (*session.Session, error) {
	bin, args := splitCommand(command)
	if bin == "" {
		return nil, fmt.Errorf("no command configured for %s", kind)
	}

	s, created, err := c.reg.Create(session.CreateOptions{
		Kind:    kind,
		Project: ref,
		Command: bin,
		Args:    args,
		Dir:     ref.Path,
		Env:     os.Environ(),
	})
	if err != nil {
		return nil, err
	}
	c.sessionOpened(ref, created)
	return s, nil
}

// Close terminates a session's child. The session leaves the registry once
// the child is gone.
func (c *Core) Close(id string) error { return c.reg.Close(id) }

// Write sends input bytes to a session.
func (c *Core) Write(id string, data []byte) error { return c.reg.Write(id, data) }

// Paste injects pasted input with double-paste suppression.
func (c *Core) Paste(id string, data []byte) error { return c.reg.Paste(id, data) }

// Resize forwards a terminal resize.
func (c *Core) Resize(id string, cols, rows int) error { return c.reg.Resize(id, cols, rows) }

// Sessions snapshots every live session, oldest first.
func (c *Core) Sessions() []*session.Session { return c.reg.List() }

// Session returns one session by id.
func (c *Core) Session(id string) (*session.Session, error) { return c.reg.Get(id) }

// Subscribe attaches an output channel to a session, replaying the recent
// ring buffer as history.
func (c *Core) Subscribe(id string) (string, <-chan session.Chunk, []session.Chunk, error) {
	return c.reg.Subscribe(id)
}

// Unsubscribe releases an output subscription.
func (c *Core) Unsubscribe(sessionID, subID string) { c.reg.Unsubscribe(sessionID, subID) }

// AddTap registers session I/O and lifecycle callbacks.
func (c *Core) AddTap(t *session.Tap) string { return c.reg.AddTap(t) }

// RemoveTap unregisters a tap.
func (c *Core) RemoveTap(token string) { c.reg.RemoveTap(token) }

// OnEvent subscribes a handler to bus envelopes. Use bus.Wildcard for all
// types. The returned token releases the subscription via OffEvent.
func (c *Core) OnEvent(t bus.Type, fn bus.Handler) string { return c.bus.Subscribe(t, fn) }

// OffEvent releases an event subscription.
func (c *Core) OffEvent(token string) { c.bus.Unsubscribe(token) }

// GetSessionStatus snapshots one session's public state.
func (c *Core) GetSessionStatus(id string) (session.Info, error) {
	s, err := c.reg.Get(id)
	if err != nil {
		return session.Info{}, err
	}
	return s.Snapshot(), nil
}

// GetTerminalStats counts a project's live sessions and how many are
// working. An empty projectID counts every session.
func (c *Core) GetTerminalStats(projectID string) TerminalStats {
	if projectID == "" {
		total, working := c.reg.Stats()
		return TerminalStats{Total: total, Working: working}
	}

	var st TerminalStats
	for _, s := range c.reg.ListByProject(projectID) {
		if !s.Alive() {
			continue
		}
		st.Total++
		if status, _ := s.Status(); status == session.StatusWorking {
			st.Working++
		}
	}
	return st
}

// GetDashboardStats aggregates tool stats, hook session counts, and file
// activity. Concurrent callers share one snapshot.
func (c *Core) GetDashboardStats() DashboardStats {
	v, _, _ := c.flight.Do("dashboard", func() (any, error) {
		snap := c.stats.Snapshot()
		return DashboardStats{
			Tools:            snap.Tools,
			HookSessionCount: snap.HookSessionCount,
			Files:            c.watch.Counts(),
		}, nil
	})
	return v.(DashboardStats)
}

// GetProjectTimes reports a project's tracked time.
func (c *Core) GetProjectTimes(projectID string) timetrack.ProjectTimes {
	return c.tracker.ProjectTimes(projectID)
}

// GetGlobalTimes reports cross-project wall-clock time. Concurrent callers
// share one aggregation.
func (c *Core) GetGlobalTimes() timetrack.GlobalTimes {
	v, _, _ := c.flight.Do("global-times", func() (any, error) {
		return c.tracker.GlobalTimes(), nil
	})
	return v.(timetrack.GlobalTimes)
}

// SetFocus records the client's window focus and which session it shows,
// for notification suppression. Viewing a project's session also ensures
// the project is time-tracked.
func (c *Core) SetFocus(focused bool, activeSessionID string) {
	c.disp.SetFocused(focused)
	c.disp.SetActiveSession(activeSessionID)

	if activeSessionID == "" {
		return
	}
	s, err := c.reg.Get(activeSessionID)
	if err != nil || s.Project == nil {
		return
	}
	c.mu.Lock()
	prev := c.viewed
	c.viewed = s.Project.ID
	c.mu.Unlock()
	c.tracker.SwitchProject(prev, s.Project.ID)
}

// SetStatusListener wires the tab status observer.
func (c *Core) SetStatusListener(fn notify.StatusListener) { c.disp.SetStatusListener(fn) }

// SetFilesListener wires the per-project file activity observer.
func (c *Core) SetFilesListener(fn FilesListener) {
	c.mu.Lock()
	c.filesFn = fn
	c.mu.Unlock()
}

// Store exposes the project store to the delivery layer.
func (c *Core) Store() project.Store { return c.store }

// Settings exposes the loaded settings.
func (c *Core) Settings() *config.Settings { return c.settings }

// Shutdown stops the provider, kills every child, persists in-flight time
// slices, and detaches all internal subscribers.
func (c *Core) Shutdown() {
	c.mu.Lock()
	active := c.active
	c.active = nil
	tap := c.tapToken
	c.tapToken = ""
	track := c.trackToken
	c.trackToken = ""
	c.mu.Unlock()

	if active != nil {
		active.Stop()
	}
	if tap != "" {
		c.reg.RemoveTap(tap)
	}
	if track != "" {
		c.bus.Unsubscribe(track)
	}
	c.watch.Shutdown()
	c.reg.Shutdown()
	c.tracker.Shutdown()
	c.disp.Detach(c.bus)
	c.stats.Detach(c.bus)
	c.log.Info("core stopped")
}

func (c *Core) projectRef(projectID string) (*session.ProjectRef, error) {
	p, ok := c.store.FindByID(projectID)
	if !ok {
		return nil, fmt.Errorf("project not found: %s", projectID)
	}
	return &session.ProjectRef{ID: p.ID, Path: p.Path, Name: p.Name}, nil
}

// sessionOpened starts time tracking and file watching for the project on
// a fresh session.
func (c *Core) sessionOpened(ref *session.ProjectRef, created bool) {
	if ref == nil || !created {
		return
	}
	c.tracker.StartTracking(ref.ID)
	c.watchProject(ref.ID, ref.Path)
}

func (c *Core) watchProject(id, path string) {
	c.mu.Lock()
	already := c.watching[id]
	c.watching[id] = true
	c.mu.Unlock()
	if already {
		return
	}

	if err := c.watch.Watch(id, path); err != nil {
		c.log.Warn("project watch failed", "project", id, "error", err)
		c.mu.Lock()
		delete(c.watching, id)
		c.mu.Unlock()
	}
}

func (c *Core) onInput(s *session.Session) {
	if s.Project != nil {
		c.tracker.RecordActivity(s.Project.ID)
	}
}

func (c *Core) onOutput(s *session.Session, chunk []byte) {
	if s.Project != nil && s.Kind == session.KindClaude {
		c.tracker.RecordOutputActivity(s.Project.ID)
	}
	if prompt, ok := s.TakePendingPrompt(); ok {
		c.deliverPrompt(s.ID, prompt)
	}
}

// deliverPrompt types a queued prompt into the session after a settle
// delay, going through the normal input path so Enter bookkeeping and the
// prompt:submit envelope fire.
func (c *Core) deliverPrompt(sessionID, prompt string) {
	delay := c.promptDelay
	time.AfterFunc(delay, func() {
		if err := c.reg.Write(sessionID, []byte(prompt+"\r")); err != nil {
			c.log.Debug("pending prompt dropped", "session", sessionID, "error", err)
		}
	})
}

// onSessionExit stops tracking and watching once a project's last session
// is gone. Exit taps run before the registry removes the session, so the
// exiting one is still listed but no longer alive.
func (c *Core) onSessionExit(s *session.Session, exitCode int) {
	ref := s.Project
	if ref == nil {
		return
	}
	for _, other := range c.reg.ListByProject(ref.ID) {
		if other.ID != s.ID && other.Alive() {
			return
		}
	}

	c.tracker.StopTracking(ref.ID)

	c.mu.Lock()
	watched := c.watching[ref.ID]
	delete(c.watching, ref.ID)
	c.mu.Unlock()
	if watched {
		c.watch.Unwatch(ref.ID)
	}
}

// onHookActivity accrues time for hook-fed claude activity. Hook sessions
// may run in a foreign terminal, so registry taps never see them.
func (c *Core) onHookActivity(env bus.Envelope) {
	if env.Source != bus.SourceHooks || env.ProjectID == "" {
		return
	}
	switch env.Type {
	case bus.SessionStart:
		c.tracker.StartTracking(env.ProjectID)
	case bus.SessionEnd:
		// A live session in the registry keeps the project tracked.
		for _, s := range c.reg.ListByProject(env.ProjectID) {
			if s.Alive() {
				return
			}
		}
		c.tracker.StopTracking(env.ProjectID)
	default:
		c.tracker.RecordActivity(env.ProjectID)
	}
}

func (c *Core) onFilesChanged(projectID string, fileCount, changedFiles int) {
	c.mu.Lock()
	fn := c.filesFn
	c.mu.Unlock()
	if fn != nil {
		fn(projectID, fileCount, changedFiles)
	}
}

// splitCommand separates a configured command line into binary and
// arguments. Commands are plain words; no shell quoting.
func splitCommand(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

func userShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}

func (c *Core) editorCommand() string {
	if c.settings.Editor != "" {
		return c.settings.Editor
	}
	if ed := os.Getenv("EDITOR"); ed != "" {
		return ed
	}
	return "less"
}
