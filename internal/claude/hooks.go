package claude

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"deckhand/internal/bus"
	"deckhand/internal/project"
)

// Hook discriminators. Each maps one-to-one to an envelope type.
const (
	HookSessionStart     = "SESSION_START"
	HookSessionEnd       = "SESSION_END"
	HookToolStart        = "TOOL_START"
	HookToolEnd          = "TOOL_END"
	HookToolError        = "TOOL_ERROR"
	HookPromptSubmit     = "PROMPT_SUBMIT"
	HookClaudeWorking    = "CLAUDE_WORKING"
	HookClaudeDone       = "CLAUDE_DONE"
	HookClaudePermission = "CLAUDE_PERMISSION"
	HookNotification     = "NOTIFICATION"
	HookSubagentStart    = "SUBAGENT_START"
	HookSubagentStop     = "SUBAGENT_STOP"
)

// HookMessage is one structured message from the hosted CLI's hook IPC.
type HookMessage struct {
	Event     string `json:"event"`
	SessionID string `json:"sessionId,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	Tool      string `json:"tool,omitempty"`
	ToolUseID string `json:"toolUseId,omitempty"`
	Model     string `json:"model,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// HooksProvider translates the CLI's hook feed into envelopes with
// source=hooks, enriching each with the project resolved from the hook's
// working directory. A missing SESSION_START is tolerated; downstream
// components initialize per-session context lazily.
type HooksProvider struct {
	bus   *bus.Bus
	store project.Store
	log   *slog.Logger

	mu      sync.Mutex
	started bool
}

// NewHooksProvider creates the provider. store may be nil, in which case
// envelopes carry no project attribution.
func NewHooksProvider(b *bus.Bus, store project.Store, log *slog.Logger) *HooksProvider {
	if log == nil {
		log = slog.Default()
	}
	return &HooksProvider{
		bus:   b,
		store: store,
		log:   log.With("component", "hooks"),
	}
}

// Name identifies the provider for the switch surface.
func (p *HooksProvider) Name() string { return "hooks" }

// Start wires the feed. Idempotent.
func (p *HooksProvider) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		p.started = true
		p.log.Info("hooks provider started")
	}
	return nil
}

// Stop unwires the feed; messages arriving afterwards are dropped.
func (p *HooksProvider) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		p.started = false
		p.log.Info("hooks provider stopped")
	}
}

// Ingest translates one hook message into an envelope and emits it.
// Messages arriving while stopped are dropped without error.
func (p *HooksProvider) Ingest(msg HookMessage) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()

	if !started {
		p.log.Debug("hook dropped, provider stopped", "event", msg.Event)
		return nil
	}

	data, err := translateHook(msg)
	if err != nil {
		return err
	}

	p.bus.Emit(p.meta(msg.Cwd), data)
	return nil
}

func translateHook(msg HookMessage) (bus.Payload, error) {
	switch msg.Event {
	case HookSessionStart:
		return bus.SessionStartData{SessionID: msg.SessionID, Model: msg.Model}, nil
	case HookSessionEnd:
		return bus.SessionEndData{SessionID: msg.SessionID, Reason: "end"}, nil
	case HookToolStart:
		return bus.ToolStartData{SessionID: msg.SessionID, Tool: msg.Tool, ToolUseID: msg.ToolUseID, Detail: msg.Detail}, nil
	case HookToolEnd:
		return bus.ToolEndData{SessionID: msg.SessionID, Tool: msg.Tool, ToolUseID: msg.ToolUseID}, nil
	case HookToolError:
		return bus.ToolErrorData{SessionID: msg.SessionID, Tool: msg.Tool, ToolUseID: msg.ToolUseID, Message: msg.Error}, nil
	case HookPromptSubmit:
		return bus.PromptSubmitData{SessionID: msg.SessionID, Prompt: msg.Prompt}, nil
	case HookClaudeWorking:
		return bus.WorkingData{SessionID: msg.SessionID}, nil
	case HookClaudeDone:
		return bus.DoneData{SessionID: msg.SessionID, Attention: bus.Attention{Kind: bus.AttentionDone}}, nil
	case HookClaudePermission:
		return bus.PermissionData{SessionID: msg.SessionID, Tool: msg.Tool, Message: msg.Message}, nil
	case HookNotification:
		return bus.NotificationData{SessionID: msg.SessionID, Message: msg.Message}, nil
	case HookSubagentStart:
		return bus.SubagentStartData{SessionID: msg.SessionID, Description: msg.Detail}, nil
	case HookSubagentStop:
		return bus.SubagentStopData{SessionID: msg.SessionID}, nil
	default:
		return nil, fmt.Errorf("unknown hook event: %q", msg.Event)
	}
}

// meta resolves the hook's cwd to a known project, walking up the
// directory tree so hooks fired from subdirectories still attribute.
func (p *HooksProvider) meta(cwd string) bus.Meta {
	meta := bus.Meta{Source: bus.SourceHooks}
	if p.store == nil || cwd == "" {
		return meta
	}

	dir := filepath.Clean(cwd)
	for {
		if proj, ok := p.store.FindByPath(dir); ok {
			meta.ProjectID = proj.ID
			meta.ProjectPath = proj.Path
			return meta
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return meta
		}
		dir = parent
	}
}
