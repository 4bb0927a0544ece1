package timetrack

import (
	"path/filepath"
	"testing"
	"time"

	"deckhand/internal/project"
)

func newTrackStore(t *testing.T, ids ...string) *project.FileStore {
	t.Helper()
	store, err := project.NewFileStore(filepath.Join(t.TempDir(), "projects.json"))
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	for _, id := range ids {
		if err := store.Add(&project.Project{ID: id, Path: "/tmp/" + id, Name: id}); err != nil {
			t.Fatalf("Add(%s) error: %v", id, err)
		}
	}
	return store
}

// fakeCfg keeps the idle timer far away so tests drive time explicitly.
func fakeCfg() Config {
	return Config{
		IdleTimeout:    time.Hour,
		InputThrottle:  50 * time.Millisecond,
		OutputThrottle: 100 * time.Millisecond,
		MinSlice:       10 * time.Millisecond,
	}
}

var trackBase = time.Date(2026, 3, 18, 12, 0, 0, 0, time.UTC) // a Wednesday

// fakeClock installs a manually advanced clock on the tracker.
func fakeClock(tr *Tracker) *time.Time {
	cur := trackBase
	tr.now = func() time.Time { return cur }
	return &cur
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestTracker_StartStopPersistsSlice(t *testing.T) {
	store := newTrackStore(t, "a")
	tr := New(store, fakeCfg(), nil)
	clk := fakeClock(tr)

	tr.StartTracking("a")
	if !tr.GlobalRunning() {
		t.Fatal("expected global counter running")
	}

	*clk = clk.Add(2 * time.Second)
	tr.StopTracking("a")

	p, _ := store.FindByID("a")
	if len(p.TimeTracking.Sessions) != 1 {
		t.Fatalf("expected 1 slice, got %d", len(p.TimeTracking.Sessions))
	}
	if p.TimeTracking.TotalMs != 2000 || p.TimeTracking.TodayMs != 2000 {
		t.Errorf("unexpected totals: total=%d today=%d", p.TimeTracking.TotalMs, p.TimeTracking.TodayMs)
	}
	if p.TimeTracking.LastActiveDate != project.DateKey(trackBase) {
		t.Errorf("unexpected date %q", p.TimeTracking.LastActiveDate)
	}

	if tr.GlobalRunning() {
		t.Error("expected global counter stopped")
	}
	if g := store.GlobalTime(); len(g.Sessions) != 1 || g.TotalMs != 2000 {
		t.Errorf("unexpected global record: %+v", g)
	}
}

func TestTracker_ShortSliceDiscarded(t *testing.T) {
	store := newTrackStore(t, "a")
	tr := New(store, fakeCfg(), nil)
	clk := fakeClock(tr)

	tr.StartTracking("a")
	*clk = clk.Add(5 * time.Millisecond) // under MinSlice
	tr.StopTracking("a")

	p, _ := store.FindByID("a")
	if len(p.TimeTracking.Sessions) != 0 || p.TimeTracking.TotalMs != 0 {
		t.Errorf("expected short slice discarded, got %+v", p.TimeTracking)
	}
	if g := store.GlobalTime(); len(g.Sessions) != 0 {
		t.Errorf("expected short global slice discarded, got %+v", g)
	}
}

func TestTracker_StopStartCreatesTwoSlices(t *testing.T) {
	store := newTrackStore(t, "a")
	tr := New(store, fakeCfg(), nil)
	clk := fakeClock(tr)

	tr.StartTracking("a")
	*clk = clk.Add(2 * time.Second)
	tr.StopTracking("a")

	tr.StartTracking("a")
	*clk = clk.Add(3 * time.Second)
	tr.StopTracking("a")

	p, _ := store.FindByID("a")
	if len(p.TimeTracking.Sessions) != 2 {
		t.Fatalf("expected 2 slices, got %d", len(p.TimeTracking.Sessions))
	}
	if p.TimeTracking.TotalMs != 5000 {
		t.Errorf("expected 5000ms total, got %d", p.TimeTracking.TotalMs)
	}
}

func TestTracker_InputThrottleDropsRepeats(t *testing.T) {
	store := newTrackStore(t, "a")
	tr := New(store, fakeCfg(), nil)
	clk := fakeClock(tr)

	tr.RecordActivity("a") // auto-starts
	tr.mu.Lock()
	gen := tr.entries["a"].gen
	tr.mu.Unlock()

	*clk = clk.Add(30 * time.Millisecond) // inside the 50ms window
	tr.RecordActivity("a")
	tr.mu.Lock()
	if tr.entries["a"].gen != gen {
		t.Error("expected throttled activity to be dropped")
	}
	tr.mu.Unlock()

	*clk = clk.Add(30 * time.Millisecond) // 60ms since last processed
	tr.RecordActivity("a")
	tr.mu.Lock()
	if tr.entries["a"].gen == gen {
		t.Error("expected activity past the window to re-arm")
	}
	tr.mu.Unlock()
}

func TestTracker_OutputThrottleIsIndependent(t *testing.T) {
	store := newTrackStore(t, "a")
	tr := New(store, fakeCfg(), nil)
	clk := fakeClock(tr)

	tr.RecordOutputActivity("a")
	*clk = clk.Add(60 * time.Millisecond)

	// Inside the 100ms output window, outside the 50ms input window.
	tr.mu.Lock()
	gen := tr.entries["a"].gen
	tr.mu.Unlock()

	tr.RecordOutputActivity("a")
	tr.mu.Lock()
	if tr.entries["a"].gen != gen {
		t.Error("expected output activity throttled")
	}
	tr.mu.Unlock()

	tr.RecordActivity("a")
	tr.mu.Lock()
	if tr.entries["a"].gen == gen {
		t.Error("expected input activity processed")
	}
	tr.mu.Unlock()
}

func TestTracker_ProjectTimesIncludesInflight(t *testing.T) {
	store := newTrackStore(t, "a")
	if err := store.Update("a", func(p *project.Project) {
		p.TimeTracking.TotalMs = 100000
		p.TimeTracking.TodayMs = 2000
		p.TimeTracking.LastActiveDate = project.DateKey(trackBase)
	}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	tr := New(store, fakeCfg(), nil)
	clk := fakeClock(tr)

	tr.StartTracking("a")
	*clk = clk.Add(5 * time.Second)

	times := tr.ProjectTimes("a")
	if times.TotalMs != 105000 {
		t.Errorf("expected total 105000, got %d", times.TotalMs)
	}
	if times.TodayMs != 7000 {
		t.Errorf("expected today 7000, got %d", times.TodayMs)
	}
}

func TestTracker_ProjectTimesUnknownProject(t *testing.T) {
	store := newTrackStore(t)
	tr := New(store, fakeCfg(), nil)
	fakeClock(tr)

	if times := tr.ProjectTimes("ghost"); times.TotalMs != 0 || times.TodayMs != 0 {
		t.Errorf("expected zero times, got %+v", times)
	}
}

func TestTracker_GlobalTimesAggregatesRing(t *testing.T) {
	store := newTrackStore(t)
	if err := store.UpdateGlobalTime(func(r *project.TimeRecord) {
		r.TodayMs = 1000
		r.LastActiveDate = project.DateKey(trackBase)
		r.Sessions = []project.TimeSlice{
			// Same day: counts toward week and month.
			{ID: "s1", StartedAt: trackBase.Add(-2 * time.Hour), DurationMs: 1000},
			// March 10th: before Monday the 16th, inside the month.
			{ID: "s2", StartedAt: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), DurationMs: 2000},
			// February: outside both windows.
			{ID: "s3", StartedAt: time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC), DurationMs: 4000},
		}
	}); err != nil {
		t.Fatalf("UpdateGlobalTime() error: %v", err)
	}

	tr := New(store, fakeCfg(), nil)
	fakeClock(tr)

	g := tr.GlobalTimes()
	if g.TodayMs != 1000 {
		t.Errorf("expected today 1000, got %d", g.TodayMs)
	}
	if g.WeekMs != 1000 {
		t.Errorf("expected week 1000, got %d", g.WeekMs)
	}
	if g.MonthMs != 3000 {
		t.Errorf("expected month 3000, got %d", g.MonthMs)
	}
}

func TestTracker_TodayRollsOverAcrossMidnight(t *testing.T) {
	store := newTrackStore(t, "a")
	tr := New(store, fakeCfg(), nil)
	clk := fakeClock(tr)

	// Evening of day one.
	*clk = time.Date(2026, 3, 18, 23, 0, 0, 0, time.UTC)
	tr.StartTracking("a")
	*clk = clk.Add(5 * time.Second)
	tr.StopTracking("a")

	// Morning after.
	*clk = time.Date(2026, 3, 19, 10, 0, 0, 0, time.UTC)
	tr.StartTracking("a")
	*clk = clk.Add(3 * time.Second)
	tr.StopTracking("a")

	p, _ := store.FindByID("a")
	if p.TimeTracking.TodayMs != 3000 {
		t.Errorf("expected today reset to 3000, got %d", p.TimeTracking.TodayMs)
	}
	if p.TimeTracking.TotalMs != 8000 {
		t.Errorf("expected total 8000, got %d", p.TimeTracking.TotalMs)
	}

	// A day with no activity reads back zero without writing.
	*clk = time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC)
	times := tr.ProjectTimes("a")
	if times.TodayMs != 0 || times.TotalMs != 8000 {
		t.Errorf("expected stale today masked, got %+v", times)
	}
}

func TestTracker_GlobalCountsOverlapOnce(t *testing.T) {
	store := newTrackStore(t, "a", "b")
	tr := New(store, fakeCfg(), nil)
	clk := fakeClock(tr)

	tr.StartTracking("a")
	*clk = clk.Add(1 * time.Second)
	tr.StartTracking("b")
	*clk = clk.Add(1 * time.Second)
	tr.StopTracking("a")
	if !tr.GlobalRunning() {
		t.Fatal("expected global counter running while b is active")
	}
	*clk = clk.Add(1 * time.Second)
	tr.StopTracking("b")
	if tr.GlobalRunning() {
		t.Fatal("expected global counter stopped")
	}

	g := store.GlobalTime()
	if len(g.Sessions) != 1 {
		t.Fatalf("expected one global slice, got %d", len(g.Sessions))
	}
	if g.TotalMs != 3000 {
		t.Errorf("expected 3s of wall clock, got %dms", g.TotalMs)
	}
}

func TestTracker_SwitchProjectKeepsPrevious(t *testing.T) {
	store := newTrackStore(t, "a", "b")
	tr := New(store, fakeCfg(), nil)
	fakeClock(tr)

	tr.StartTracking("a")
	tr.SwitchProject("a", "b")

	if tracked, idle := tr.State("a"); !tracked || idle {
		t.Error("expected previous project still active")
	}
	if tracked, _ := tr.State("b"); !tracked {
		t.Error("expected next project tracked")
	}
}

func TestTracker_ShutdownPersistsInflight(t *testing.T) {
	store := newTrackStore(t, "a", "b")
	tr := New(store, fakeCfg(), nil)
	clk := fakeClock(tr)

	tr.StartTracking("a")
	tr.StartTracking("b")
	*clk = clk.Add(2 * time.Second)
	tr.Shutdown()

	for _, id := range []string{"a", "b"} {
		p, _ := store.FindByID(id)
		if len(p.TimeTracking.Sessions) != 1 || p.TimeTracking.TotalMs != 2000 {
			t.Errorf("project %s: expected one 2s slice, got %+v", id, p.TimeTracking)
		}
		if tracked, _ := tr.State(id); tracked {
			t.Errorf("project %s: expected untracked after shutdown", id)
		}
	}
	if g := store.GlobalTime(); len(g.Sessions) != 1 || g.TotalMs != 2000 {
		t.Errorf("unexpected global record: %+v", g)
	}
	if tr.GlobalRunning() {
		t.Error("expected global counter stopped after shutdown")
	}
}

// TestTracker_IdleFlow exercises the real idle timers: two projects, one
// goes idle while the other stays active, then resumes without closing
// the global slice.
func TestTracker_IdleFlow(t *testing.T) {
	store := newTrackStore(t, "a", "b")
	cfg := Config{
		IdleTimeout:    80 * time.Millisecond,
		InputThrottle:  5 * time.Millisecond,
		OutputThrottle: 10 * time.Millisecond,
		MinSlice:       10 * time.Millisecond,
	}
	tr := New(store, cfg, nil)

	tr.StartTracking("a")
	tr.StartTracking("b")

	// Keep b alive past a's idle timeout.
	for i := 0; i < 10; i++ {
		tr.RecordActivity("b")
		time.Sleep(20 * time.Millisecond)
	}

	waitUntil(t, 2*time.Second, func() bool {
		_, idle := tr.State("a")
		return idle
	}, "project a never went idle")

	if !tr.GlobalRunning() {
		t.Error("expected global counter running while b is active")
	}
	if g := store.GlobalTime(); len(g.Sessions) != 0 {
		t.Errorf("expected no global slice while b is active, got %d", len(g.Sessions))
	}
	p, _ := store.FindByID("a")
	if len(p.TimeTracking.Sessions) != 1 {
		t.Errorf("expected idle pause to persist one slice, got %d", len(p.TimeTracking.Sessions))
	}

	// Resume a while the global counter is still live.
	tr.RecordActivity("a")
	if tracked, idle := tr.State("a"); !tracked || idle {
		t.Error("expected a active again")
	}
	if g := store.GlobalTime(); len(g.Sessions) != 0 {
		t.Error("resume must not close the global slice")
	}

	// Let everything idle out.
	waitUntil(t, 2*time.Second, func() bool { return !tr.GlobalRunning() }, "global counter never stopped")

	if g := store.GlobalTime(); len(g.Sessions) != 1 {
		t.Errorf("expected one global slice, got %d", len(g.Sessions))
	}
	p, _ = store.FindByID("a")
	if len(p.TimeTracking.Sessions) != 2 {
		t.Errorf("expected two slices for a, got %d", len(p.TimeTracking.Sessions))
	}
	if _, idle := tr.State("a"); !idle {
		t.Error("expected a idle at the end")
	}
}
