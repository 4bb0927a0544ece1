package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !s.HooksEnabled {
		t.Error("expected hooksEnabled default true")
	}
	if s.ClaudeCommand != "claude" {
		t.Errorf("expected default claude command, got %q", s.ClaudeCommand)
	}
}

func TestLoad_Overlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	content := "hooksEnabled: false\neditor: vim\nglyphs:\n  completionMarkers: \"✳✽\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.HooksEnabled {
		t.Error("expected hooksEnabled false from file")
	}
	if s.Editor != "vim" {
		t.Errorf("expected editor vim, got %q", s.Editor)
	}
	// Keys absent from the file keep defaults.
	if !s.NotificationsEnabled {
		t.Error("expected notificationsEnabled to keep default true")
	}
	markers := s.Glyphs.Markers()
	if len(markers) != 2 || markers[0] != '✳' || markers[1] != '✽' {
		t.Errorf("expected two marker runes, got %q", string(markers))
	}
}

func TestLoad_BadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	if err := os.WriteFile(path, []byte("hooksEnabled: [broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestSpinnerRange_Defaults(t *testing.T) {
	s := Default()
	low, high := s.Glyphs.SpinnerRange()
	if low != 0x2801 || high != 0x28FF {
		t.Errorf("expected braille block, got %U..%U", low, high)
	}
}

func TestSpinnerRange_SwappedBounds(t *testing.T) {
	s := Default()
	s.Glyphs.SpinnerRangeLow = "⣿"
	s.Glyphs.SpinnerRangeHigh = "⠁"
	low, high := s.Glyphs.SpinnerRange()
	if low != 0x2801 || high != 0x28FF {
		t.Errorf("expected normalized bounds, got %U..%U", low, high)
	}
}

func TestMarkers_Default(t *testing.T) {
	s := Default()
	s.Glyphs.CompletionMarkers = ""
	markers := s.Glyphs.Markers()
	if len(markers) != 1 || markers[0] != '✳' {
		t.Errorf("expected single default marker, got %q", string(markers))
	}
}
