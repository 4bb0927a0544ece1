package project

import "time"

// maxTimeSlices bounds the per-record session ring.
const maxTimeSlices = 100

// TimeSlice is one persisted span of tracked work.
type TimeSlice struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt"`
	DurationMs int64     `json:"durationMs"`
}

// TimeRecord accumulates tracked time for a project, or globally. The global
// record is not the sum of project records: it counts wall-clock while any
// project was active.
type TimeRecord struct {
	TotalMs        int64       `json:"totalMs"`
	TodayMs        int64       `json:"todayMs"`
	LastActiveDate string      `json:"lastActiveDate"`
	Sessions       []TimeSlice `json:"sessions"`
}

// AddSlice appends a slice, keeping only the most recent maxTimeSlices.
func (r *TimeRecord) AddSlice(s TimeSlice) {
	r.Sessions = append(r.Sessions, s)
	if len(r.Sessions) > maxTimeSlices {
		r.Sessions = r.Sessions[len(r.Sessions)-maxTimeSlices:]
	}
}

// Project is the persisted metadata for one user project.
type Project struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Name string `json:"name"`

	// Optional per-project command overrides.
	FivemCommand  string `json:"fivemCommand,omitempty"`
	WebAppCommand string `json:"webAppCommand,omitempty"`

	TimeTracking TimeRecord `json:"timeTracking"`
}

// Clone returns a deep copy safe to hand out of the store.
func (p *Project) Clone() *Project {
	cp := *p
	cp.TimeTracking.Sessions = append([]TimeSlice(nil), p.TimeTracking.Sessions...)
	return &cp
}

// Store is the persistence collaborator for project metadata and time
// records. Implementations must serialize updates.
type Store interface {
	List() []*Project
	FindByID(id string) (*Project, bool)
	FindByPath(path string) (*Project, bool)
	Update(id string, fn func(*Project)) error

	GlobalTime() TimeRecord
	UpdateGlobalTime(fn func(*TimeRecord)) error
}

// DateKey formats a time as the store's day bucket key.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}
