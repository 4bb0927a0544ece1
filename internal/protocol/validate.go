package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionOpen:        true,
	TypeSessionInput:       true,
	TypeSessionPaste:       true,
	TypeSessionResize:      true,
	TypeSessionKill:        true,
	TypeSessionSubscribe:   true,
	TypeSessionUnsubscribe: true,
	TypeUIFocus:            true,
	TypeFilesRequestTree:   true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeSessionOpen:
		var p SessionOpenPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Kind == "" {
			return nil, fmt.Errorf("missing required field 'kind' in %s payload", msg.Type)
		}
		if !validKinds[p.Kind] {
			return nil, fmt.Errorf("unknown session kind: %s", p.Kind)
		}
		if p.Kind != "shell" && p.ProjectID == "" {
			return nil, fmt.Errorf("missing required field 'projectId' in %s payload", msg.Type)
		}
		if p.Kind == "file-view" && p.Path == "" {
			return nil, fmt.Errorf("missing required field 'path' in %s payload", msg.Type)
		}

	case TypeSessionInput, TypeSessionPaste:
		var p SessionInputPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}
		if p.Data == "" {
			return nil, fmt.Errorf("missing required field 'data' in %s payload", msg.Type)
		}

	case TypeSessionResize:
		var p SessionResizePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}
		if p.Cols <= 0 || p.Rows <= 0 {
			return nil, fmt.Errorf("cols and rows must be positive in %s payload", msg.Type)
		}

	case TypeSessionKill, TypeSessionSubscribe, TypeSessionUnsubscribe:
		var p SessionIDPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}

	case TypeUIFocus:
		var p UIFocusPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}

	case TypeFilesRequestTree:
		var p FilesRequestTreePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.ProjectID == "" {
			return nil, fmt.Errorf("missing required field 'projectId' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
