package term

import (
	"strings"
	"testing"
)

func TestTitleScanner_BEL(t *testing.T) {
	ts := NewTitleScanner()
	titles := ts.Feed([]byte("before\x1b]0;Hello World\x07after"))
	if len(titles) != 1 || titles[0] != "Hello World" {
		t.Fatalf("expected [Hello World], got %v", titles)
	}
}

func TestTitleScanner_STTerminator(t *testing.T) {
	ts := NewTitleScanner()
	titles := ts.Feed([]byte("\x1b]2;via st\x1b\\"))
	if len(titles) != 1 || titles[0] != "via st" {
		t.Fatalf("expected [via st], got %v", titles)
	}
}

func TestTitleScanner_SplitAcrossFeeds(t *testing.T) {
	ts := NewTitleScanner()

	if titles := ts.Feed([]byte("\x1b]0;Par")); len(titles) != 0 {
		t.Fatalf("expected no titles mid-sequence, got %v", titles)
	}
	titles := ts.Feed([]byte("tial title\x07"))
	if len(titles) != 1 || titles[0] != "Partial title" {
		t.Fatalf("expected [Partial title], got %v", titles)
	}
}

func TestTitleScanner_SplitAtEscape(t *testing.T) {
	ts := NewTitleScanner()
	ts.Feed([]byte("\x1b"))
	titles := ts.Feed([]byte("]0;x after split\x07"))
	if len(titles) != 1 || titles[0] != "x after split" {
		t.Fatalf("expected [x after split], got %v", titles)
	}
}

func TestTitleScanner_BrailleAndMarker(t *testing.T) {
	ts := NewTitleScanner()
	titles := ts.Feed([]byte("\x1b]0;⠋ Thinking\x07\x1b]0;✳ Hatched for 3s\x07"))
	if len(titles) != 2 {
		t.Fatalf("expected 2 titles, got %v", titles)
	}
	if titles[0] != "⠋ Thinking" {
		t.Errorf("expected braille title preserved, got %q", titles[0])
	}
	if titles[1] != "✳ Hatched for 3s" {
		t.Errorf("expected marker title preserved, got %q", titles[1])
	}
}

func TestTitleScanner_IgnoresOtherOSC(t *testing.T) {
	ts := NewTitleScanner()
	titles := ts.Feed([]byte("\x1b]8;;http://example.com\x07\x1b]10;?\x07"))
	if len(titles) != 0 {
		t.Fatalf("expected no titles from non-title OSC, got %v", titles)
	}
}

func TestTitleScanner_SanitizesControls(t *testing.T) {
	ts := NewTitleScanner()
	titles := ts.Feed([]byte("\x1b]0;  a\tb\x01c  \x07"))
	if len(titles) != 1 || titles[0] != "abc" {
		t.Fatalf("expected control runes stripped, got %v", titles)
	}
}

func TestTitleScanner_OverlongDiscarded(t *testing.T) {
	ts := NewTitleScanner()
	long := "\x1b]0;" + strings.Repeat("x", maxTitleSeq+10) + "\x07"
	titles := ts.Feed([]byte(long))
	if len(titles) != 0 {
		t.Fatalf("expected overlong sequence discarded, got %d titles", len(titles))
	}

	// Scanner must recover afterwards.
	titles = ts.Feed([]byte("\x1b]0;ok\x07"))
	if len(titles) != 1 || titles[0] != "ok" {
		t.Fatalf("expected recovery after discard, got %v", titles)
	}
}

func TestTitleScanner_EmptyTitle(t *testing.T) {
	ts := NewTitleScanner()
	titles := ts.Feed([]byte("\x1b]0;\x07"))
	if len(titles) != 1 || titles[0] != "" {
		t.Fatalf("expected one empty title, got %v", titles)
	}
}
