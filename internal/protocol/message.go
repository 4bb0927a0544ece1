package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate     = "session.update"
	TypeSessionOutput     = "session.output"
	TypeSessionTitle      = "session.title"
	TypeSessionStatus     = "session.status"
	TypeSessionTerminated = "session.terminated"
	TypeEvent             = "event"
	TypeNotification      = "notification"
	TypeFilesUpdate       = "files.update"
	TypeFilesTree         = "files.tree"
	TypeError             = "error"
)

// Client → Server message types.
const (
	TypeSessionOpen        = "session.open"
	TypeSessionInput       = "session.input"
	TypeSessionPaste       = "session.paste"
	TypeSessionResize      = "session.resize"
	TypeSessionKill        = "session.kill"
	TypeSessionSubscribe   = "session.subscribe"
	TypeSessionUnsubscribe = "session.unsubscribe"
	TypeUIFocus            = "ui.focus"
	TypeFilesRequestTree   = "files.requestTree"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrSessionClosed   = "SESSION_CLOSED"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrMaxSessions     = "MAX_SESSIONS"
	ErrSpawnFailed     = "SPAWN_FAILED"
	ErrProjectNotFound = "PROJECT_NOT_FOUND"
	ErrUnknownProvider = "UNKNOWN_PROVIDER"
)

// Session kinds accepted by session.open.
var validKinds = map[string]bool{
	"claude":    true,
	"fivem":     true,
	"webapp":    true,
	"shell":     true,
	"file-view": true,
}

// Server → Client payloads.

// SessionUpdatePayload announces a session's existence and identity. Status
// changes after creation travel as session.status.
type SessionUpdatePayload struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	ProjectID   string `json:"projectId,omitempty"`
	ProjectName string `json:"projectName,omitempty"`
	DisplayName string `json:"displayName"`
	Status      string `json:"status"`
	Substatus   string `json:"substatus"`
	Title       string `json:"title,omitempty"`
	CreatedAt   string `json:"createdAt"`
	Alive       bool   `json:"alive"`
}

// SessionOutputPayload carries raw PTY output, base64-encoded.
type SessionOutputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type SessionTitlePayload struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
}

type SessionStatusPayload struct {
	SessionID   string `json:"sessionId"`
	Status      string `json:"status"`
	Substatus   string `json:"substatus"`
	DisplayName string `json:"displayName"`
}

type SessionTerminatedPayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

// NotificationPayload mirrors a user-facing alert onto the wire.
type NotificationPayload struct {
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	SessionID string `json:"sessionId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
}

type FilesUpdatePayload struct {
	ProjectID    string `json:"projectId"`
	FileCount    int    `json:"fileCount"`
	ChangedFiles int    `json:"changedFiles"`
}

type FilesTreePayload struct {
	ProjectID string     `json:"projectId"`
	Tree      []FileNode `json:"tree"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

// OpenOptions tune session.open for claude sessions.
type OpenOptions struct {
	SkipPermissions bool   `json:"skipPermissions,omitempty"`
	ShellOnly       bool   `json:"shellOnly,omitempty"`
	ResumeSessionID string `json:"resumeSessionId,omitempty"`
	PendingPrompt   string `json:"pendingPrompt,omitempty"`
}

// SessionOpenPayload requests a new session. Path is the file to view for
// kind file-view.
type SessionOpenPayload struct {
	Kind      string      `json:"kind"`
	ProjectID string      `json:"projectId,omitempty"`
	Path      string      `json:"path,omitempty"`
	Options   OpenOptions `json:"options,omitempty"`
}

// SessionInputPayload carries input bytes, base64-encoded. The same shape
// serves session.input and session.paste.
type SessionInputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type SessionResizePayload struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// SessionIDPayload serves every request that names only a session.
type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}

type UIFocusPayload struct {
	Focused         bool   `json:"focused"`
	ActiveSessionID string `json:"activeSessionId,omitempty"`
}

type FilesRequestTreePayload struct {
	ProjectID string `json:"projectId"`
}

// FileNode represents a file or directory in a project tree.
type FileNode struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	IsDir    bool       `json:"isDir"`
	Children []FileNode `json:"children,omitempty"`
	Size     int64      `json:"size,omitempty"`
}
