package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Glyphs configures the title glyphs the state engine watches for. The
// hosted CLI currently spins with Braille cells and marks completion with
// U+2733, but the contract is whatever the CLI emits, so both are
// overridable.
type Glyphs struct {
	// CompletionMarkers is a string whose runes all count as completion
	// markers (default "✳").
	CompletionMarkers string `yaml:"completionMarkers"`

	// SpinnerRangeLow and SpinnerRangeHigh bound the spinner rune range,
	// inclusive (default U+2801..U+28FF).
	SpinnerRangeLow  string `yaml:"spinnerRangeLow"`
	SpinnerRangeHigh string `yaml:"spinnerRangeHigh"`
}

// Settings holds the user-facing configuration.
type Settings struct {
	// HooksEnabled selects the hooks provider at startup; when false the
	// scraping provider runs instead.
	HooksEnabled bool `yaml:"hooksEnabled"`

	TerminalTheme        string `yaml:"terminalTheme"`
	NotificationsEnabled bool   `yaml:"notificationsEnabled"`

	// SkipPermissions launches the claude CLI with its permission prompts
	// disabled.
	SkipPermissions bool `yaml:"skipPermissions"`

	// Editor opens file-view sessions. Empty falls back to $EDITOR, then a
	// pager.
	Editor string `yaml:"editor"`

	// PreferTaskTitle uses the captured task label as the notification
	// title when one exists, falling back to the project name.
	PreferTaskTitle bool `yaml:"preferTaskTitle"`

	// Default commands per session kind. Per-project overrides live in the
	// project store.
	ClaudeCommand string `yaml:"claudeCommand"`
	FivemCommand  string `yaml:"fivemCommand"`
	WebAppCommand string `yaml:"webAppCommand"`

	Glyphs Glyphs `yaml:"glyphs"`
}

// Default returns the default settings.
func Default() *Settings {
	return &Settings{
		HooksEnabled:         true,
		TerminalTheme:        "dark",
		NotificationsEnabled: true,
		SkipPermissions:      false,
		Editor:               "",
		PreferTaskTitle:      true,
		ClaudeCommand:        "claude",
		FivemCommand:         "./run.sh",
		WebAppCommand:        "npm run dev",
		Glyphs: Glyphs{
			CompletionMarkers: "✳",
			SpinnerRangeLow:   "⠁",
			SpinnerRangeHigh:  "⣿",
		},
	}
}

// Load reads settings from a YAML file, overlaying onto defaults. A missing
// file yields the defaults.
func Load(path string) (*Settings, error) {
	s := Default()

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, err
	}

	return s, nil
}

// LoadDefault loads settings from the standard locations.
func LoadDefault() (*Settings, error) {
	paths := []string{
		"settings.yaml",
		filepath.Join(os.Getenv("HOME"), ".config", "deckhand", "settings.yaml"),
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "deckhand", "settings.yaml"))
	}

	for _, path := range paths {
		if _, err := os.Stat(filepath.Clean(path)); err == nil {
			return Load(path)
		}
	}

	return Default(), nil
}

// SpinnerRange returns the configured spinner rune bounds, falling back to
// the Braille block when unset or malformed.
func (g Glyphs) SpinnerRange() (rune, rune) {
	low, high := rune(0x2801), rune(0x28FF)
	if r := firstRune(g.SpinnerRangeLow); r != 0 {
		low = r
	}
	if r := firstRune(g.SpinnerRangeHigh); r != 0 {
		high = r
	}
	if high < low {
		low, high = high, low
	}
	return low, high
}

// Markers returns the completion marker runes, falling back to U+2733.
func (g Glyphs) Markers() []rune {
	if g.CompletionMarkers == "" {
		return []rune{'✳'}
	}
	return []rune(g.CompletionMarkers)
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}
