package bus

import "time"

// Type identifies the kind of event carried by an Envelope.
type Type string

const (
	SessionStart     Type = "session:start"
	SessionEnd       Type = "session:end"
	ToolStart        Type = "tool:start"
	ToolEnd          Type = "tool:end"
	ToolError        Type = "tool:error"
	PromptSubmit     Type = "prompt:submit"
	ClaudeWorking    Type = "claude:working"
	ClaudeDone       Type = "claude:done"
	ClaudePermission Type = "claude:permission"
	Notification     Type = "notification"
	SubagentStart    Type = "subagent:start"
	SubagentStop     Type = "subagent:stop"

	// Wildcard subscribes a handler to every event type.
	Wildcard Type = "*"
)

// Source distinguishes which provider produced an envelope.
type Source string

const (
	SourceHooks    Source = "hooks"
	SourceScraping Source = "scraping"
)

// Envelope is the unit of delivery on the bus. Envelopes are immutable
// after emission; handlers must not retain and mutate them.
type Envelope struct {
	Type        Type      `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	ProjectID   string    `json:"projectId,omitempty"`
	ProjectPath string    `json:"projectPath,omitempty"`
	Source      Source    `json:"source"`
	Data        Payload   `json:"data"`
}

// Meta carries the envelope fields common to every emission.
type Meta struct {
	ProjectID   string
	ProjectPath string
	Source      Source
}

// Payload is the tagged variant interface. Each event type has exactly one
// payload shape; wildcard subscribers dispatch on Envelope.Type or by
// type-switching on Data. The interface is sealed to this package so the
// variant set stays closed.
type Payload interface {
	eventType() Type
}

// SessionStartData accompanies session:start.
type SessionStartData struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model,omitempty"`
}

// SessionEndData accompanies session:end. Reason is "exit" for child
// termination and "closed" for explicit close.
type SessionEndData struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
	ExitCode  int    `json:"exitCode"`
}

// ToolStartData accompanies tool:start (hooks only).
type ToolStartData struct {
	SessionID string `json:"sessionId"`
	Tool      string `json:"tool"`
	ToolUseID string `json:"toolUseId,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// ToolEndData accompanies tool:end (hooks only).
type ToolEndData struct {
	SessionID string `json:"sessionId"`
	Tool      string `json:"tool"`
	ToolUseID string `json:"toolUseId,omitempty"`
}

// ToolErrorData accompanies tool:error (hooks only).
type ToolErrorData struct {
	SessionID string `json:"sessionId"`
	Tool      string `json:"tool"`
	ToolUseID string `json:"toolUseId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// PromptSubmitData accompanies prompt:submit.
type PromptSubmitData struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt,omitempty"`
}

// WorkingData accompanies claude:working.
type WorkingData struct {
	SessionID string `json:"sessionId"`
	Substatus string `json:"substatus"`
	TaskLabel string `json:"taskLabel,omitempty"`
}

// Attention kinds.
const (
	AttentionQuestion   = "question"
	AttentionPermission = "permission"
	AttentionDone       = "done"
)

// Attention classifies what a session wants from the user when a turn ends.
type Attention struct {
	Kind string `json:"kind"` // "question" | "permission" | "done"
	Text string `json:"text,omitempty"`
}

// DoneData accompanies claude:done.
type DoneData struct {
	SessionID string    `json:"sessionId"`
	TaskLabel string    `json:"taskLabel,omitempty"`
	Duration  string    `json:"duration,omitempty"`
	ToolCount int       `json:"toolCount"`
	Attention Attention `json:"attention"`
}

// PermissionData accompanies claude:permission (hooks only).
type PermissionData struct {
	SessionID string `json:"sessionId"`
	Tool      string `json:"tool,omitempty"`
	Message   string `json:"message,omitempty"`
}

// NotificationData accompanies notification.
type NotificationData struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// SubagentStartData accompanies subagent:start (hooks only).
type SubagentStartData struct {
	SessionID   string `json:"sessionId"`
	Description string `json:"description,omitempty"`
}

// SubagentStopData accompanies subagent:stop (hooks only).
type SubagentStopData struct {
	SessionID string `json:"sessionId"`
}

func (SessionStartData) eventType() Type  { return SessionStart }
func (SessionEndData) eventType() Type    { return SessionEnd }
func (ToolStartData) eventType() Type     { return ToolStart }
func (ToolEndData) eventType() Type       { return ToolEnd }
func (ToolErrorData) eventType() Type     { return ToolError }
func (PromptSubmitData) eventType() Type  { return PromptSubmit }
func (WorkingData) eventType() Type       { return ClaudeWorking }
func (DoneData) eventType() Type          { return ClaudeDone }
func (PermissionData) eventType() Type    { return ClaudePermission }
func (NotificationData) eventType() Type  { return Notification }
func (SubagentStartData) eventType() Type { return SubagentStart }
func (SubagentStopData) eventType() Type  { return SubagentStop }
