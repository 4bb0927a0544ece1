package timetrack

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"deckhand/internal/project"
)

// Config holds the tracker's timing knobs.
type Config struct {
	// IdleTimeout pauses a project after this long without activity.
	IdleTimeout time.Duration
	// InputThrottle and OutputThrottle bound how often activity on each
	// side is processed per project.
	InputThrottle  time.Duration
	OutputThrottle time.Duration
	// MinSlice discards slices shorter than this at persistence.
	MinSlice time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:    5 * time.Minute,
		InputThrottle:  1 * time.Second,
		OutputThrottle: 5 * time.Second,
		MinSlice:       1000 * time.Millisecond,
	}
}

// ProjectTimes is the per-project accounting view, including any
// in-flight slice.
type ProjectTimes struct {
	TodayMs int64 `json:"todayMs"`
	TotalMs int64 `json:"totalMs"`
}

// GlobalTimes is the cross-project accounting view. Today comes from the
// live counter; week and month aggregate the global session ring.
type GlobalTimes struct {
	TodayMs int64 `json:"todayMs"`
	WeekMs  int64 `json:"weekMs"`
	MonthMs int64 `json:"monthMs"`
}

// entry is one tracked project. The idle timer handle is owned here so a
// stop always cancels it.
type entry struct {
	projectID string
	startedAt time.Time // start of the in-flight slice
	idle      bool

	lastInput  time.Time
	lastOutput time.Time

	gen       int // invalidates in-flight timer callbacks
	idleTimer *time.Timer
}

// Tracker accounts active work per project and globally. The global
// counter measures wall-clock while at least one project is active and
// not idle; overlapping projects are not double-counted.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry

	// globalStart is zero while the global counter is stopped.
	globalStart time.Time

	store project.Store
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
}

// New creates a tracker persisting through store. A zero Config selects
// DefaultConfig.
func New(store project.Store, cfg Config, log *slog.Logger) *Tracker {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		entries: make(map[string]*entry),
		store:   store,
		cfg:     cfg,
		log:     log.With("component", "timetrack"),
		now:     time.Now,
	}
}

// StartTracking marks the project active now. Projects already active
// just get their idle timer re-armed; idle projects resume with a fresh
// slice. Starting the first active project starts the global counter.
func (t *Tracker) StartTracking(projectID string) {
	if projectID == "" {
		return
	}
	t.mu.Lock()
	t.startLocked(projectID, t.now())
	t.mu.Unlock()
}

// RecordActivity processes input-side activity, throttled per project.
// Activity on an untracked or idle project starts or resumes it.
func (t *Tracker) RecordActivity(projectID string) {
	if projectID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if e := t.entries[projectID]; e != nil && !e.idle && now.Sub(e.lastInput) < t.cfg.InputThrottle {
		return
	}
	e := t.startLocked(projectID, now)
	e.lastInput = now
}

// RecordOutputActivity processes output-side activity, throttled per
// project on a wider window than input.
func (t *Tracker) RecordOutputActivity(projectID string) {
	if projectID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if e := t.entries[projectID]; e != nil && !e.idle && now.Sub(e.lastOutput) < t.cfg.OutputThrottle {
		return
	}
	e := t.startLocked(projectID, now)
	e.lastOutput = now
}

// StopTracking persists the in-flight slice, removes the project from the
// active set, and stops the global counter if that drained it.
func (t *Tracker) StopTracking(projectID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[projectID]
	if e == nil {
		return
	}

	now := t.now()
	if !e.idle {
		t.persistProjectSliceLocked(e, now)
	}
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	delete(t.entries, projectID)
	t.log.Info("tracking stopped", "project", projectID)

	t.maybeStopGlobalLocked(now)
}

// SwitchProject ensures the next project is tracked. The previous one
// keeps running until its own idle timeout; multiple projects track
// concurrently.
func (t *Tracker) SwitchProject(prevID, nextID string) {
	if nextID == "" || nextID == prevID {
		return
	}
	t.StartTracking(nextID)
}

// ProjectTimes returns the project's accounting including the in-flight
// slice.
func (t *Tracker) ProjectTimes(projectID string) ProjectTimes {
	t.mu.Lock()
	now := t.now()
	var inflight int64
	if e := t.entries[projectID]; e != nil && !e.idle {
		inflight = now.Sub(e.startedAt).Milliseconds()
	}
	t.mu.Unlock()

	var res ProjectTimes
	if t.store != nil {
		if p, ok := t.store.FindByID(projectID); ok {
			res.TotalMs = p.TimeTracking.TotalMs
			if p.TimeTracking.LastActiveDate == project.DateKey(now) {
				res.TodayMs = p.TimeTracking.TodayMs
			}
		}
	}
	res.TodayMs += inflight
	res.TotalMs += inflight
	return res
}

// GlobalTimes returns the cross-project accounting. Today uses the live
// counter plus the persisted today bucket; week and month aggregate the
// global session ring, so they are bounded by its capacity.
func (t *Tracker) GlobalTimes() GlobalTimes {
	t.mu.Lock()
	now := t.now()
	var inflight int64
	if !t.globalStart.IsZero() {
		inflight = now.Sub(t.globalStart).Milliseconds()
	}
	t.mu.Unlock()

	var res GlobalTimes
	if t.store != nil {
		rec := t.store.GlobalTime()
		if rec.LastActiveDate == project.DateKey(now) {
			res.TodayMs = rec.TodayMs
		}
		week := startOfWeek(now)
		month := startOfMonth(now)
		for _, s := range rec.Sessions {
			if !s.StartedAt.Before(week) {
				res.WeekMs += s.DurationMs
			}
			if !s.StartedAt.Before(month) {
				res.MonthMs += s.DurationMs
			}
		}
	}
	res.TodayMs += inflight
	res.WeekMs += inflight
	res.MonthMs += inflight
	return res
}

// State reports whether a project is tracked and whether it is idle.
func (t *Tracker) State(projectID string) (tracked, idle bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[projectID]
	if e == nil {
		return false, false
	}
	return true, e.idle
}

// GlobalRunning reports whether the global counter is live. It runs
// exactly while at least one project is active and not idle.
func (t *Tracker) GlobalRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.globalStart.IsZero()
}

// Shutdown persists every in-flight slice and stops all timers.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for id, e := range t.entries {
		if e.idleTimer != nil {
			e.idleTimer.Stop()
		}
		if !e.idle {
			t.persistProjectSliceLocked(e, now)
		}
		delete(t.entries, id)
	}
	if !t.globalStart.IsZero() {
		t.persistGlobalSliceLocked(now)
		t.globalStart = time.Time{}
	}
}

// startLocked creates or resumes the entry and re-arms its idle timer.
// Caller holds mu.
func (t *Tracker) startLocked(projectID string, now time.Time) *entry {
	e := t.entries[projectID]
	switch {
	case e == nil:
		e = &entry{projectID: projectID, startedAt: now}
		t.entries[projectID] = e
		t.log.Info("tracking started", "project", projectID)
	case e.idle:
		e.idle = false
		e.startedAt = now
		t.log.Info("tracking resumed", "project", projectID)
	}

	t.armIdleLocked(e)
	if t.globalStart.IsZero() {
		t.globalStart = now
	}
	return e
}

func (t *Tracker) armIdleLocked(e *entry) {
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	e.gen++
	gen := e.gen
	id := e.projectID
	e.idleTimer = time.AfterFunc(t.cfg.IdleTimeout, func() { t.idleFired(id, gen) })
}

// idleFired pauses the project unless activity re-armed the timer first.
func (t *Tracker) idleFired(projectID string, gen int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[projectID]
	if e == nil || gen != e.gen || e.idle {
		return
	}

	now := t.now()
	t.persistProjectSliceLocked(e, now)
	e.idle = true
	t.log.Info("project idle", "project", projectID)

	t.maybeStopGlobalLocked(now)
}

// maybeStopGlobalLocked closes the global slice once no project is active
// and not idle. Caller holds mu.
func (t *Tracker) maybeStopGlobalLocked(now time.Time) {
	if t.globalStart.IsZero() {
		return
	}
	for _, e := range t.entries {
		if !e.idle {
			return
		}
	}
	t.persistGlobalSliceLocked(now)
	t.globalStart = time.Time{}
}

// persistProjectSliceLocked writes the in-flight slice through the store.
// Slices under the minimum are discarded. Caller holds mu.
func (t *Tracker) persistProjectSliceLocked(e *entry, endedAt time.Time) {
	ms := endedAt.Sub(e.startedAt).Milliseconds()
	if ms < t.cfg.MinSlice.Milliseconds() || t.store == nil {
		return
	}

	slice := project.TimeSlice{
		ID:         uuid.New().String(),
		StartedAt:  e.startedAt,
		EndedAt:    endedAt,
		DurationMs: ms,
	}
	day := project.DateKey(endedAt)
	err := t.store.Update(e.projectID, func(p *project.Project) {
		applySlice(&p.TimeTracking, slice, day)
	})
	if err != nil {
		t.log.Error("persist project time failed", "project", e.projectID, "error", err)
	}
}

func (t *Tracker) persistGlobalSliceLocked(endedAt time.Time) {
	ms := endedAt.Sub(t.globalStart).Milliseconds()
	if ms < t.cfg.MinSlice.Milliseconds() || t.store == nil {
		return
	}

	slice := project.TimeSlice{
		ID:         uuid.New().String(),
		StartedAt:  t.globalStart,
		EndedAt:    endedAt,
		DurationMs: ms,
	}
	day := project.DateKey(endedAt)
	err := t.store.UpdateGlobalTime(func(r *project.TimeRecord) {
		applySlice(r, slice, day)
	})
	if err != nil {
		t.log.Error("persist global time failed", "error", err)
	}
}

// applySlice folds a slice into a record, rolling the today bucket over
// on the first write of a new day.
func applySlice(rec *project.TimeRecord, s project.TimeSlice, day string) {
	if rec.LastActiveDate != day {
		rec.TodayMs = 0
		rec.LastActiveDate = day
	}
	rec.TotalMs += s.DurationMs
	rec.TodayMs += s.DurationMs
	rec.AddSlice(s)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// startOfWeek returns Monday 00:00 of t's week.
func startOfWeek(t time.Time) time.Time {
	d := startOfDay(t)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}
