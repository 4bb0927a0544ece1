package notify

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"deckhand/internal/bus"
	"deckhand/internal/project"
	"deckhand/internal/session"
)

// defaultAttentionCooldown suppresses repeated question/permission
// notifications for the same project.
const defaultAttentionCooldown = 5000 * time.Millisecond

// Notification is one user-facing alert.
type Notification struct {
	Kind      string `json:"kind"` // "question" | "permission" | "done" | "info"
	Title     string `json:"title"`
	Body      string `json:"body"`
	SessionID string `json:"sessionId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
}

// Notifier delivers notifications to the user. Implementations must not
// block; they run on the bus delivery path.
type Notifier interface {
	Show(n Notification)
}

// StatusListener observes tab status changes for delivery to clients.
type StatusListener func(s *session.Session)

// Options configures the dispatcher's product behavior.
type Options struct {
	// Enabled gates the notifier; status updates always run.
	Enabled bool
	// PreferTaskTitle uses the captured task label as the notification
	// title when one exists, falling back to the project name.
	PreferTaskTitle bool
	// AttentionCooldown overrides the per-project dedup window.
	AttentionCooldown time.Duration
}

// Dispatcher coalesces envelopes into tab status updates and user
// notifications. It resolves envelope session ids against the registry,
// falling back to the project's claude sessions for hook feeds whose ids
// are the CLI's own.
type Dispatcher struct {
	reg      *session.Registry
	store    project.Store
	notifier Notifier
	log      *slog.Logger

	mu            sync.Mutex
	focused       bool
	activeSession string
	lastAttention map[string]time.Time
	tokens        []string
	statusFn      StatusListener

	enabled    bool
	preferTask bool
	cooldown   time.Duration
	now        func() time.Time
}

// New creates a dispatcher. notifier may be nil; store is used for
// notification titles and may be nil.
func New(reg *session.Registry, store project.Store, notifier Notifier, opts Options, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	cooldown := opts.AttentionCooldown
	if cooldown <= 0 {
		cooldown = defaultAttentionCooldown
	}
	return &Dispatcher{
		reg:           reg,
		store:         store,
		notifier:      notifier,
		log:           log.With("component", "notify"),
		lastAttention: make(map[string]time.Time),
		enabled:       opts.Enabled,
		preferTask:    opts.PreferTaskTitle,
		cooldown:      cooldown,
		now:           time.Now,
	}
}

// Attach subscribes the dispatcher to the bus.
func (d *Dispatcher) Attach(b *bus.Bus) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.tokens = append(d.tokens,
		b.Subscribe(bus.ClaudeWorking, d.handleWorking),
		b.Subscribe(bus.ClaudeDone, d.handleDone),
		b.Subscribe(bus.SessionEnd, d.handleSessionEnd),
		b.Subscribe(bus.ClaudePermission, d.handlePermission),
		b.Subscribe(bus.Notification, d.handleNotification),
	)
}

// Detach unsubscribes the dispatcher.
func (d *Dispatcher) Detach(b *bus.Bus) {
	d.mu.Lock()
	tokens := d.tokens
	d.tokens = nil
	d.mu.Unlock()

	for _, t := range tokens {
		b.Unsubscribe(t)
	}
}

// SetStatusListener wires the tab status observer.
func (d *Dispatcher) SetStatusListener(fn StatusListener) {
	d.mu.Lock()
	d.statusFn = fn
	d.mu.Unlock()
}

// SetFocused records whether the client window has focus.
func (d *Dispatcher) SetFocused(focused bool) {
	d.mu.Lock()
	d.focused = focused
	d.mu.Unlock()
}

// SetActiveSession records which session the client is looking at.
func (d *Dispatcher) SetActiveSession(id string) {
	d.mu.Lock()
	d.activeSession = id
	d.mu.Unlock()
}

// SetEnabled toggles the notifier gate at runtime.
func (d *Dispatcher) SetEnabled(enabled bool) {
	d.mu.Lock()
	d.enabled = enabled
	d.mu.Unlock()
}

func (d *Dispatcher) handleWorking(env bus.Envelope) {
	data, ok := env.Data.(bus.WorkingData)
	if !ok {
		return
	}

	sub := session.SubstatusNone
	if data.Substatus != "" {
		sub = session.Substatus(data.Substatus)
	}
	for _, s := range d.sessionsFor(env, data.SessionID) {
		s.SetStatus(session.StatusWorking, sub)
		d.emitStatus(s)
	}
}

func (d *Dispatcher) handleDone(env bus.Envelope) {
	data, ok := env.Data.(bus.DoneData)
	if !ok {
		return
	}

	sessions := d.sessionsFor(env, data.SessionID)
	for _, s := range sessions {
		s.SetStatus(session.StatusReady, session.SubstatusNone)
		d.emitStatus(s)
	}

	if !d.shouldNotify(sessions) {
		return
	}

	kind := data.Attention.Kind
	if kind == "" {
		kind = bus.AttentionDone
	}
	if d.attentionDeduped(env, kind) {
		return
	}

	d.show(Notification{
		Kind:      kind,
		Title:     d.title(env, data.TaskLabel),
		Body:      notificationBody(data.Attention, data.ToolCount),
		SessionID: data.SessionID,
		ProjectID: env.ProjectID,
	})
}

func (d *Dispatcher) handleSessionEnd(env bus.Envelope) {
	data, ok := env.Data.(bus.SessionEndData)
	if !ok {
		return
	}

	// The registry removes exited sessions, so this usually resolves to
	// nothing; any survivors go back to ready.
	sessions := d.sessionsFor(env, data.SessionID)
	for _, s := range sessions {
		s.SetStatus(session.StatusReady, session.SubstatusNone)
		d.emitStatus(s)
	}

	if !d.shouldNotify(sessions) {
		return
	}
	d.show(Notification{
		Kind:      bus.AttentionDone,
		Title:     d.title(env, ""),
		Body:      "done",
		SessionID: data.SessionID,
		ProjectID: env.ProjectID,
	})
}

func (d *Dispatcher) handlePermission(env bus.Envelope) {
	data, ok := env.Data.(bus.PermissionData)
	if !ok {
		return
	}

	if !d.shouldNotify(d.sessionsFor(env, data.SessionID)) {
		return
	}
	if d.attentionDeduped(env, bus.AttentionPermission) {
		return
	}

	body := data.Message
	if body == "" && data.Tool != "" {
		body = fmt.Sprintf("Allow %s?", data.Tool)
	}
	if body == "" {
		body = "permission required"
	}
	d.show(Notification{
		Kind:      bus.AttentionPermission,
		Title:     d.title(env, ""),
		Body:      body,
		SessionID: data.SessionID,
		ProjectID: env.ProjectID,
	})
}

func (d *Dispatcher) handleNotification(env bus.Envelope) {
	data, ok := env.Data.(bus.NotificationData)
	if !ok {
		return
	}

	if !d.shouldNotify(d.sessionsFor(env, data.SessionID)) {
		return
	}
	d.show(Notification{
		Kind:      "info",
		Title:     d.title(env, ""),
		Body:      data.Message,
		SessionID: data.SessionID,
		ProjectID: env.ProjectID,
	})
}

// sessionsFor resolves the envelope to registry sessions: directly by id
// when it matches, otherwise every claude session of the project.
func (d *Dispatcher) sessionsFor(env bus.Envelope, sessionID string) []*session.Session {
	if sessionID != "" {
		if s, err := d.reg.Get(sessionID); err == nil {
			return []*session.Session{s}
		}
	}
	if env.ProjectID == "" {
		return nil
	}
	var out []*session.Session
	for _, s := range d.reg.ListByProject(env.ProjectID) {
		if s.Kind == session.KindClaude {
			out = append(out, s)
		}
	}
	return out
}

func (d *Dispatcher) emitStatus(s *session.Session) {
	d.mu.Lock()
	fn := d.statusFn
	d.mu.Unlock()

	if fn != nil {
		fn(s)
	}
}

// shouldNotify suppresses notifications only when the window is focused
// and the user is already looking at one of the affected sessions.
func (d *Dispatcher) shouldNotify(sessions []*session.Session) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled || d.notifier == nil {
		return false
	}
	if !d.focused {
		return true
	}
	for _, s := range sessions {
		if s.ID == d.activeSession {
			return false
		}
	}
	return true
}

// attentionDeduped applies the per-project cooldown to question and
// permission notifications.
func (d *Dispatcher) attentionDeduped(env bus.Envelope, kind string) bool {
	if kind != bus.AttentionQuestion && kind != bus.AttentionPermission {
		return false
	}

	key := env.ProjectID
	if key == "" {
		key = string(env.Source)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.lastAttention[key]; ok && now.Sub(last) < d.cooldown {
		return true
	}
	d.lastAttention[key] = now
	return false
}

func (d *Dispatcher) show(n Notification) {
	d.log.Debug("notification", "kind", n.Kind, "title", n.Title)
	d.notifier.Show(n)
}

func (d *Dispatcher) title(env bus.Envelope, taskLabel string) string {
	d.mu.Lock()
	prefer := d.preferTask
	d.mu.Unlock()

	if prefer && taskLabel != "" {
		return taskLabel
	}
	if d.store != nil && env.ProjectID != "" {
		if p, ok := d.store.FindByID(env.ProjectID); ok && p.Name != "" {
			return p.Name
		}
	}
	if env.ProjectPath != "" {
		return filepath.Base(env.ProjectPath)
	}
	return "claude"
}

// notificationBody picks the body by attention precedence: question, then
// permission, then a tool-call summary, then a plain done.
func notificationBody(att bus.Attention, toolCount int) string {
	if (att.Kind == bus.AttentionQuestion || att.Kind == bus.AttentionPermission) && att.Text != "" {
		return att.Text
	}
	switch {
	case toolCount == 1:
		return "1 tool call"
	case toolCount > 1:
		return fmt.Sprintf("%d tool calls", toolCount)
	}
	return "done"
}
