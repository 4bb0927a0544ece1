package session

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"deckhand/internal/term"
)

const (
	defaultReadBufSize = 32 * 1024
	killDrainWindow    = 5 * time.Second
)

// Tap observes session I/O and lifecycle without owning the stream.
// Callbacks run on the session's read or write path and must not block.
type Tap struct {
	Title  func(s *Session, title string)
	Output func(s *Session, chunk []byte)
	Enter  func(s *Session, prompt string)
	Input  func(s *Session)
	Exit   func(s *Session, exitCode int)
}

// CreateOptions describe the child process backing a new session.
type CreateOptions struct {
	Kind          Kind
	Project       *ProjectRef
	DisplayName   string
	Command       string
	Args          []string
	Dir           string
	Env           []string
	Cols          uint16
	Rows          uint16
	PendingPrompt string
}

// Registry owns every session and the indices used to look them up.
// Sessions leave the registry when their child exits.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	byProject map[string]map[string]*Session
	byKind    map[Kind]map[string]*Session

	tapMu sync.RWMutex
	taps  map[string]*Tap

	log         *slog.Logger
	maxSessions int
	drain       time.Duration
}

// NewRegistry creates a registry enforcing the given live-session limit.
// A limit of zero means unlimited.
func NewRegistry(maxSessions int, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		byProject:   make(map[string]map[string]*Session),
		byKind:      make(map[Kind]map[string]*Session),
		taps:        make(map[string]*Tap),
		log:         log.With("component", "registry"),
		maxSessions: maxSessions,
		drain:       killDrainWindow,
	}
}

func singleInstance(kind Kind) bool {
	return kind == KindFivem || kind == KindWebApp
}

// Create spawns a new session. For fivem and webapp kinds at most one
// session per project runs at a time; creating a duplicate returns the
// existing session with created=false.
func (r *Registry) Create(opts CreateOptions) (s *Session, created bool, err error) {
	// Validate working directory.
	if opts.Dir != "" {
		info, err := os.Stat(opts.Dir)
		if err != nil {
			return nil, false, fmt.Errorf("working directory does not exist: %s", opts.Dir)
		}
		if !info.IsDir() {
			return nil, false, fmt.Errorf("path is not a directory: %s", opts.Dir)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if singleInstance(opts.Kind) && opts.Project != nil {
		if existing := r.findAliveLocked(opts.Project.ID, opts.Kind); existing != nil {
			return existing, false, nil
		}
	}

	// Check max sessions.
	if r.maxSessions > 0 {
		activeCount := 0
		for _, s := range r.sessions {
			if s.Alive() {
				activeCount++
			}
		}
		if activeCount >= r.maxSessions {
			return nil, false, fmt.Errorf("maximum session limit reached (%d)", r.maxSessions)
		}
	}

	p, err := term.Start(term.Options{
		Command: opts.Command,
		Args:    opts.Args,
		Dir:     opts.Dir,
		Env:     opts.Env,
		Cols:    opts.Cols,
		Rows:    opts.Rows,
	})
	if err != nil {
		return nil, false, err
	}

	id := uuid.New().String()
	name := opts.DisplayName
	if name == "" {
		name = defaultDisplayName(opts)
	}
	s = newSession(id, opts.Kind, opts.Project, name, p, opts.PendingPrompt)

	r.sessions[id] = s
	if opts.Project != nil {
		if r.byProject[opts.Project.ID] == nil {
			r.byProject[opts.Project.ID] = make(map[string]*Session)
		}
		r.byProject[opts.Project.ID][id] = s
	}
	if r.byKind[opts.Kind] == nil {
		r.byKind[opts.Kind] = make(map[string]*Session)
	}
	r.byKind[opts.Kind][id] = s

	go r.readLoop(s)

	r.log.Info("session created", "id", id, "kind", opts.Kind, "command", opts.Command)
	return s, true, nil
}

func defaultDisplayName(opts CreateOptions) string {
	if opts.Project != nil && opts.Project.Name != "" {
		return opts.Project.Name
	}
	return string(opts.Kind)
}

// findAliveLocked returns a live session for the project and kind, if any.
// Caller holds r.mu.
func (r *Registry) findAliveLocked(projectID string, kind Kind) *Session {
	for _, s := range r.byProject[projectID] {
		if s.Kind == kind && s.Alive() {
			return s
		}
	}
	return nil
}

// readLoop drains the PTY, feeding the screen, the title scanner, the
// ring buffer, subscribers, and taps. It runs until the child exits.
func (r *Registry) readLoop(s *Session) {
	buf := make([]byte, defaultReadBufSize)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			titles := s.feedOutput(chunk)
			s.ring.Write(chunk)
			s.fanOut(chunk)

			for _, t := range r.snapshotTaps() {
				if t.Output != nil {
					t.Output(s, chunk)
				}
				if t.Title != nil {
					for _, title := range titles {
						t.Title(s, title)
					}
				}
			}
		}
		if err != nil {
			break
		}
	}

	<-s.pty.Done()
	code := s.pty.ExitCode()
	s.markExited(code)
	s.pty.Close()
	s.closeSubscribers()

	r.log.Info("session exited", "id", s.ID, "kind", s.Kind, "exitCode", code)

	for _, t := range r.snapshotTaps() {
		if t.Exit != nil {
			t.Exit(s, code)
		}
	}

	r.remove(s)
}

// remove drops a session from all indices.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, s.ID)
	if s.Project != nil {
		if m := r.byProject[s.Project.ID]; m != nil {
			delete(m, s.ID)
			if len(m) == 0 {
				delete(r.byProject, s.Project.ID)
			}
		}
	}
	if m := r.byKind[s.Kind]; m != nil {
		delete(m, s.ID)
		if len(m) == 0 {
			delete(r.byKind, s.Kind)
		}
	}
}

// Get returns a session by ID.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return s, nil
}

// List returns all sessions ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// ListByProject returns the sessions attached to a project.
func (r *Registry) ListByProject(projectID string) []*Session {
	r.mu.RLock()
	result := make([]*Session, 0, len(r.byProject[projectID]))
	for _, s := range r.byProject[projectID] {
		result = append(result, s)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// ListByKind returns the sessions of one kind.
func (r *Registry) ListByKind(kind Kind) []*Session {
	r.mu.RLock()
	result := make([]*Session, 0, len(r.byKind[kind]))
	for _, s := range r.byKind[kind] {
		result = append(result, s)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Stats counts live sessions and how many of them are working.
func (r *Registry) Stats() (total, working int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		if !s.Alive() {
			continue
		}
		total++
		if st, _ := s.Status(); st == StatusWorking {
			working++
		}
	}
	return total, working
}

// Write sends input to a session's PTY.
func (r *Registry) Write(id string, data []byte) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}

	taps := r.snapshotTaps()
	err = s.write(data, func(prompt string) {
		for _, t := range taps {
			if t.Enter != nil {
				t.Enter(s, prompt)
			}
		}
	})
	if err != nil {
		return err
	}

	for _, t := range taps {
		if t.Input != nil {
			t.Input(s)
		}
	}
	return nil
}

// Paste injects pasted input into a session's PTY. A payload identical to
// the previous paste arriving within the debounce window is dropped.
func (r *Registry) Paste(id string, data []byte) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}

	delivered, err := s.paste(data)
	if err != nil || !delivered {
		return err
	}

	for _, t := range r.snapshotTaps() {
		if t.Input != nil {
			t.Input(s)
		}
	}
	return nil
}

// Resize forwards a terminal resize to a session's PTY.
func (r *Registry) Resize(id string, cols, rows int) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Resize(cols, rows)
}

// Close terminates a session's child process. Exit cleanup runs on the
// session's read loop once the child is gone.
func (r *Registry) Close(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	if !s.Alive() {
		return nil // Already terminated.
	}

	go s.pty.Kill(r.drain)
	return nil
}

// Subscribe creates a channel that receives output chunks for a session.
// Returns the subscription ID, the channel, and the buffered history.
func (r *Registry) Subscribe(id string) (string, <-chan Chunk, []Chunk, error) {
	s, err := r.Get(id)
	if err != nil {
		return "", nil, nil, err
	}

	subID := uuid.New().String()
	ch := make(chan Chunk, subscriberBufCap)

	// Get buffered history before subscribing to avoid a gap.
	history := s.ring.ReadAll()

	if !s.addSubscriber(subID, ch) {
		// Session tore down between Get and add; hand back a closed
		// channel so the consumer sees a normal end of stream.
		close(ch)
	}

	return subID, ch, history, nil
}

// Unsubscribe removes a subscriber from a session.
func (r *Registry) Unsubscribe(sessionID, subID string) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()

	if !ok {
		return
	}
	s.removeSubscriber(subID)
}

// AddTap registers lifecycle and I/O callbacks, returning a token for
// RemoveTap.
func (r *Registry) AddTap(t *Tap) string {
	token := uuid.New().String()

	r.tapMu.Lock()
	r.taps[token] = t
	r.tapMu.Unlock()

	return token
}

// RemoveTap unregisters a tap. Unknown tokens are ignored.
func (r *Registry) RemoveTap(token string) {
	r.tapMu.Lock()
	delete(r.taps, token)
	r.tapMu.Unlock()
}

func (r *Registry) snapshotTaps() []*Tap {
	r.tapMu.RLock()
	defer r.tapMu.RUnlock()

	taps := make([]*Tap, 0, len(r.taps))
	for _, t := range r.taps {
		taps = append(taps, t)
	}
	return taps
}

// Shutdown terminates every live session and waits for the children to go.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Alive() {
			live = append(live, s)
		}
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range live {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.pty.Kill(r.drain)
		}(s)
	}
	wg.Wait()
}
