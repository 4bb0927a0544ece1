package term

import (
	"reflect"
	"testing"
)

func feedString(s *Screen, str string) {
	s.Feed([]byte(str))
}

func TestScreen_PlainLines(t *testing.T) {
	s := NewScreen(10)
	feedString(s, "one\r\ntwo\r\nthree")

	want := []string{"one", "two", "three"}
	if got := s.Lines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestScreen_CarriageReturnOverwrite(t *testing.T) {
	s := NewScreen(10)
	feedString(s, "abcdef\rXY")

	if got := s.Lines(); got[0] != "XYcdef" {
		t.Fatalf("expected XYcdef, got %q", got[0])
	}
}

func TestScreen_EraseLineRewrite(t *testing.T) {
	s := NewScreen(10)
	feedString(s, "⠋ Working…")
	feedString(s, "\r\x1b[K⠹ Working…")

	got := s.Lines()
	if len(got) != 1 || got[0] != "⠹ Working…" {
		t.Fatalf("expected single rewritten spinner line, got %v", got)
	}
}

func TestScreen_CursorUpRedraw(t *testing.T) {
	s := NewScreen(10)
	feedString(s, "a\r\nb\r\nc")
	feedString(s, "\x1b[2A\r\x1b[KX")

	want := []string{"X", "b", "c"}
	if got := s.Lines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestScreen_ClearScreen(t *testing.T) {
	s := NewScreen(10)
	feedString(s, "junk one\r\njunk two")
	feedString(s, "\x1b[2Jfresh")

	got := s.Lines()
	if len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("expected cleared screen with fresh, got %v", got)
	}
}

func TestScreen_SGRIgnored(t *testing.T) {
	s := NewScreen(10)
	feedString(s, "\x1b[1;31mred\x1b[0m plain")

	if got := s.Lines(); got[0] != "red plain" {
		t.Fatalf("expected styling stripped, got %q", got[0])
	}
}

func TestScreen_PrivateModeIgnored(t *testing.T) {
	s := NewScreen(10)
	feedString(s, "\x1b[?25lhidden cursor")

	if got := s.Lines(); got[0] != "hidden cursor" {
		t.Fatalf("expected private mode stripped, got %q", got[0])
	}
}

func TestScreen_Backspace(t *testing.T) {
	s := NewScreen(10)
	feedString(s, "abc\bX")

	if got := s.Lines(); got[0] != "abX" {
		t.Fatalf("expected abX, got %q", got[0])
	}
}

func TestScreen_Tab(t *testing.T) {
	s := NewScreen(10)
	feedString(s, "a\tb")

	if got := s.Lines(); got[0] != "a       b" {
		t.Fatalf("expected tab to advance to column 8, got %q", got[0])
	}
}

func TestScreen_UTF8SplitAcrossFeeds(t *testing.T) {
	s := NewScreen(10)
	raw := []byte("⠋ ok")
	s.Feed(raw[:1])
	s.Feed(raw[1:])

	if got := s.Lines(); got[0] != "⠋ ok" {
		t.Fatalf("expected rune reassembled across feeds, got %q", got[0])
	}
}

func TestScreen_EvictsOldLines(t *testing.T) {
	s := NewScreen(3)
	feedString(s, "1\r\n2\r\n3\r\n4\r\n5")

	want := []string{"3", "4", "5"}
	if got := s.Lines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestScreen_TailNonBlank(t *testing.T) {
	s := NewScreen(20)
	feedString(s, "one\r\n\r\ntwo\r\n\r\nthree\r\n\r\n")

	want := []string{"two", "three"}
	if got := s.TailNonBlank(2); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	all := s.TailNonBlank(10)
	wantAll := []string{"one", "two", "three"}
	if !reflect.DeepEqual(all, wantAll) {
		t.Fatalf("expected %v, got %v", wantAll, all)
	}
}

func TestScreen_OSCSkipped(t *testing.T) {
	s := NewScreen(10)
	feedString(s, "\x1b]0;some title\x07visible")

	if got := s.Lines(); got[0] != "visible" {
		t.Fatalf("expected OSC content skipped, got %q", got[0])
	}
}

func TestScreen_EraseBelow(t *testing.T) {
	s := NewScreen(10)
	feedString(s, "keep\r\ndrop1\r\ndrop2")
	feedString(s, "\x1b[2A")  // up to "keep" row
	feedString(s, "\x1b[0J")  // erase below from cursor

	got := s.Lines()
	if len(got) != 1 || got[0] != "keep" {
		t.Fatalf("expected [keep] after erase below, got %v", got)
	}
}
