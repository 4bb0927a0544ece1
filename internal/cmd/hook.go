package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"deckhand/internal/claude"
)

const (
	hookStdinMax    = 1 << 20
	hookPostTimeout = 2 * time.Second
	detailMax       = 80
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Forward a claude CLI hook event from stdin to the daemon",
	Long: `hook reads one JSON hook event from stdin, the way the claude CLI
invokes hook commands, translates it, and posts it to the daemon's
/api/hooks endpoint. It always exits 0 so a dead daemon never blocks
the CLI.`,
	RunE: runHook,
}

var hookInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Register deckhand in the claude CLI's hook settings",
	Long: `install adds "deckhand hook" entries to ~/.claude/settings.json for
every event the daemon tracks. Existing entries, deckhand's own
included, are left untouched.`,
	RunE: runHookInstall,
}

var hookUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove deckhand from the claude CLI's hook settings",
	RunE:  runHookUninstall,
}

func init() {
	hookCmd.AddCommand(hookInstallCmd, hookUninstallCmd)
	rootCmd.AddCommand(hookCmd)
}

// hostedHookEvent is the JSON the claude CLI pipes to hook commands on
// stdin. Field names follow the CLI's snake_case convention; older
// releases used camelCase for the event name, so both are read.
type hostedHookEvent struct {
	HookEventName string          `json:"hook_event_name"`
	EventNameAlt  string          `json:"hookEventName"`
	SessionID     string          `json:"session_id"`
	Cwd           string          `json:"cwd"`
	Model         string          `json:"model"`
	ToolName      string          `json:"tool_name"`
	ToolUseID     string          `json:"tool_use_id"`
	ToolInput     json.RawMessage `json:"tool_input"`
	ToolResponse  json.RawMessage `json:"tool_response"`
	Prompt        string          `json:"prompt"`
	Message       string          `json:"message"`
}

func (e hostedHookEvent) name() string {
	if e.HookEventName != "" {
		return e.HookEventName
	}
	return e.EventNameAlt
}

func runHook(cmd *cobra.Command, args []string) error {
	raw, err := io.ReadAll(io.LimitReader(os.Stdin, hookStdinMax))
	if err != nil {
		return nil
	}

	var event hostedHookEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil
	}

	msg, ok := translateHostedEvent(event)
	if !ok {
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil
	}

	client := &http.Client{Timeout: hookPostTimeout}
	resp, err := client.Post(serverURL+"/api/hooks", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil
	}
	resp.Body.Close()
	return nil
}

// translateHostedEvent maps one CLI hook event onto the daemon's hook
// message. Returns false for events the daemon does not track.
func translateHostedEvent(e hostedHookEvent) (claude.HookMessage, bool) {
	msg := claude.HookMessage{
		SessionID: e.SessionID,
		Cwd:       e.Cwd,
		Model:     e.Model,
		Tool:      e.ToolName,
		ToolUseID: e.ToolUseID,
	}

	switch e.name() {
	case "SessionStart":
		msg.Event = claude.HookSessionStart
	case "SessionEnd":
		msg.Event = claude.HookSessionEnd
	case "UserPromptSubmit":
		msg.Event = claude.HookPromptSubmit
		msg.Prompt = e.Prompt
	case "PreToolUse":
		msg.Event = claude.HookToolStart
		msg.Detail = toolDetail(e.ToolInput)
	case "PostToolUse":
		if errText, errored := toolErrored(e.ToolResponse); errored {
			msg.Event = claude.HookToolError
			msg.Error = errText
		} else {
			msg.Event = claude.HookToolEnd
		}
	case "Stop":
		msg.Event = claude.HookClaudeDone
	case "SubagentStop":
		msg.Event = claude.HookSubagentStop
	case "Notification":
		if strings.Contains(strings.ToLower(e.Message), "permission") {
			msg.Event = claude.HookClaudePermission
		} else {
			msg.Event = claude.HookNotification
		}
		msg.Message = e.Message
	default:
		return claude.HookMessage{}, false
	}

	return msg, true
}

// toolDetail extracts the most descriptive field of a tool's input for
// display: the command for Bash, the file path for edit tools, the
// pattern for search tools.
func toolDetail(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var fields struct {
		Command     string `json:"command"`
		FilePath    string `json:"file_path"`
		Pattern     string `json:"pattern"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}
	for _, v := range []string{fields.Command, fields.FilePath, fields.Pattern, fields.Description} {
		if v != "" {
			if len(v) > detailMax {
				return v[:detailMax]
			}
			return v
		}
	}
	return ""
}

// toolErrored pulls an error out of a tool_response payload. The CLI
// reports tool failures through the response body rather than a
// separate hook event.
func toolErrored(response json.RawMessage) (string, bool) {
	if len(response) == 0 {
		return "", false
	}
	var fields struct {
		Error   string `json:"error"`
		IsError bool   `json:"is_error"`
	}
	if err := json.Unmarshal(response, &fields); err != nil {
		return "", false
	}
	if fields.Error != "" {
		return fields.Error, true
	}
	if fields.IsError {
		return "tool failed", true
	}
	return "", false
}

// hookedEvents are the CLI hook points deckhand subscribes to. Tool
// events carry a matcher; lifecycle events do not take one.
var hookedEvents = []struct {
	name    string
	matcher string
}{
	{"SessionStart", ""},
	{"SessionEnd", ""},
	{"UserPromptSubmit", ""},
	{"PreToolUse", "*"},
	{"PostToolUse", "*"},
	{"Stop", ""},
	{"SubagentStop", ""},
	{"Notification", ""},
}

// claudeSettingsPath returns ~/.claude/settings.json, the hosted CLI's
// user-level settings file.
func claudeSettingsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".claude", "settings.json"), nil
}

func hookCommand() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe + " hook", nil
}

func runHookInstall(cmd *cobra.Command, args []string) error {
	path, err := claudeSettingsPath()
	if err != nil {
		return err
	}
	command, err := hookCommand()
	if err != nil {
		return err
	}

	settings, err := readClaudeSettings(path)
	if err != nil {
		return err
	}

	hooks, ok := settings["hooks"].(map[string]interface{})
	if !ok {
		hooks = map[string]interface{}{}
		settings["hooks"] = hooks
	}

	added := 0
	for _, ev := range hookedEvents {
		groups, _ := hooks[ev.name].([]interface{})
		if hasHookCommand(groups, command) {
			continue
		}
		entry := map[string]interface{}{
			"hooks": []interface{}{
				map[string]interface{}{"type": "command", "command": command},
			},
		}
		if ev.matcher != "" {
			entry["matcher"] = ev.matcher
		}
		hooks[ev.name] = append(groups, entry)
		added++
	}

	if added == 0 {
		fmt.Println("deckhand hooks already installed")
		return nil
	}
	if err := writeClaudeSettings(path, settings); err != nil {
		return err
	}
	fmt.Printf("installed %d hook(s) in %s\n", added, path)
	return nil
}

func runHookUninstall(cmd *cobra.Command, args []string) error {
	path, err := claudeSettingsPath()
	if err != nil {
		return err
	}
	settings, err := readClaudeSettings(path)
	if err != nil {
		return err
	}
	hooks, ok := settings["hooks"].(map[string]interface{})
	if !ok {
		fmt.Println("no deckhand hooks installed")
		return nil
	}

	ours := isDeckhandHook
	if command, err := hookCommand(); err == nil {
		ours = func(c string) bool { return c == command || isDeckhandHook(c) }
	}

	removed := 0
	for name, v := range hooks {
		groups, ok := v.([]interface{})
		if !ok {
			continue
		}
		kept, n := stripHookCommand(groups, ours)
		removed += n
		if len(kept) == 0 {
			delete(hooks, name)
		} else {
			hooks[name] = kept
		}
	}

	if removed == 0 {
		fmt.Println("no deckhand hooks installed")
		return nil
	}
	if err := writeClaudeSettings(path, settings); err != nil {
		return err
	}
	fmt.Printf("removed %d hook(s) from %s\n", removed, path)
	return nil
}

// readClaudeSettings loads the settings file as a generic map so keys
// deckhand does not know about survive a rewrite.
func readClaudeSettings(path string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		raw = []byte("{}")
	} else if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var settings map[string]interface{}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if settings == nil {
		settings = map[string]interface{}{}
	}
	return settings, nil
}

func writeClaudeSettings(path string, settings map[string]interface{}) error {
	out, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	out = append(out, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func hasHookCommand(groups []interface{}, command string) bool {
	for _, g := range groups {
		group, ok := g.(map[string]interface{})
		if !ok {
			continue
		}
		inner, _ := group["hooks"].([]interface{})
		for _, h := range inner {
			hook, ok := h.(map[string]interface{})
			if !ok {
				continue
			}
			if c, _ := hook["command"].(string); c == command {
				return true
			}
		}
	}
	return false
}

// stripHookCommand filters matching commands out of a hook group list,
// dropping groups that end up empty. Returns the kept groups and the
// number of commands removed.
func stripHookCommand(groups []interface{}, match func(string) bool) ([]interface{}, int) {
	kept := make([]interface{}, 0, len(groups))
	removed := 0
	for _, g := range groups {
		group, ok := g.(map[string]interface{})
		if !ok {
			kept = append(kept, g)
			continue
		}
		inner, _ := group["hooks"].([]interface{})
		keptInner := make([]interface{}, 0, len(inner))
		for _, h := range inner {
			hook, ok := h.(map[string]interface{})
			if ok {
				if c, _ := hook["command"].(string); match(c) {
					removed++
					continue
				}
			}
			keptInner = append(keptInner, h)
		}
		if len(inner) > 0 {
			if len(keptInner) == 0 {
				continue
			}
			group["hooks"] = keptInner
		}
		kept = append(kept, group)
	}
	return kept, removed
}

// isDeckhandHook reports whether a settings hook command was written by
// hook install, regardless of where the binary lived at the time.
func isDeckhandHook(command string) bool {
	return strings.HasSuffix(command, " hook") && strings.Contains(command, "deckhand")
}
