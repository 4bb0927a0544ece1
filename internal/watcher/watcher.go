package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"deckhand/internal/protocol"
)

const (
	debounceInterval = 500 * time.Millisecond
	maxTreeDepth     = 3
)

// excludedDirs are directories excluded from file counting and tree generation.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// UpdateFunc is called when a project's file activity changes. changedFiles
// accumulates over the lifetime of the watch.
type UpdateFunc func(projectID string, fileCount, changedFiles int)

// ProjectFiles is one project's file activity snapshot.
type ProjectFiles struct {
	FileCount    int `json:"fileCount"`
	ChangedFiles int `json:"changedFiles"`
}

// Watcher monitors project working trees while they have live sessions and
// reports debounced change batches.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*projectWatcher
	callback UpdateFunc
	log      *slog.Logger
}

type projectWatcher struct {
	projectID string
	dir       string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu        sync.Mutex
	pending   map[string]struct{}
	timer     *time.Timer
	fileCount int
	changed   int
}

// New creates a watcher. callback may be nil.
func New(callback UpdateFunc, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		watchers: make(map[string]*projectWatcher),
		callback: callback,
		log:      log.With("component", "watcher"),
	}
}

// Watch starts watching a project's tree. Watching an already-watched
// project is a no-op.
func (w *Watcher) Watch(projectID, dir string) error {
	w.mu.Lock()
	if _, exists := w.watchers[projectID]; exists {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	pw := &projectWatcher{
		projectID: projectID,
		dir:       dir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		pending:   make(map[string]struct{}),
	}

	if err := addDirsRecursive(fsW, dir); err != nil {
		fsW.Close()
		return err
	}

	w.mu.Lock()
	w.watchers[projectID] = pw
	w.mu.Unlock()

	go w.watchLoop(pw)

	// Initial count, off the caller's path.
	go func() {
		count := CountFiles(dir)
		pw.mu.Lock()
		pw.fileCount = count
		pw.mu.Unlock()
		if w.callback != nil {
			w.callback(projectID, count, 0)
		}
	}()

	return nil
}

// Unwatch stops watching a project's tree.
func (w *Watcher) Unwatch(projectID string) {
	w.mu.Lock()
	pw, ok := w.watchers[projectID]
	if ok {
		delete(w.watchers, projectID)
	}
	w.mu.Unlock()

	if !ok {
		return
	}
	close(pw.cancel)
	pw.fsWatcher.Close()
	pw.mu.Lock()
	if pw.timer != nil {
		pw.timer.Stop()
	}
	pw.mu.Unlock()
}

// Counts snapshots every watched project's file activity.
func (w *Watcher) Counts() map[string]ProjectFiles {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make(map[string]ProjectFiles, len(w.watchers))
	for id, pw := range w.watchers {
		pw.mu.Lock()
		out[id] = ProjectFiles{FileCount: pw.fileCount, ChangedFiles: pw.changed}
		pw.mu.Unlock()
	}
	return out
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(pw *projectWatcher) {
	for {
		select {
		case <-pw.cancel:
			return

		case event, ok := <-pw.fsWatcher.Events:
			if !ok {
				return
			}

			// If a new directory is created, watch it too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					base := filepath.Base(event.Name)
					if !excludedDirs[base] && !isHidden(base) {
						pw.fsWatcher.Add(event.Name)
					}
				}
			}

			pw.mu.Lock()
			pw.pending[event.Name] = struct{}{}
			if pw.timer != nil {
				pw.timer.Stop()
			}
			pw.timer = time.AfterFunc(debounceInterval, func() {
				w.flush(pw)
			})
			pw.mu.Unlock()

		case err, ok := <-pw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "project", pw.projectID, "error", err)
		}
	}
}

// flush closes a debounce window: it folds the batch into the changed-file
// counter, recounts the tree, and reports.
func (w *Watcher) flush(pw *projectWatcher) {
	pw.mu.Lock()
	batch := len(pw.pending)
	pw.pending = make(map[string]struct{})
	pw.mu.Unlock()

	if batch == 0 {
		return
	}

	count := CountFiles(pw.dir)

	pw.mu.Lock()
	pw.changed += batch
	pw.fileCount = count
	changed := pw.changed
	pw.mu.Unlock()

	if w.callback != nil {
		w.callback(pw.projectID, count, changed)
	}
}

// CountFiles counts all non-excluded files in a directory.
func CountFiles(dir string) int {
	count := 0
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths.
		}

		name := d.Name()

		if d.IsDir() {
			if excludedDirs[name] {
				return filepath.SkipDir
			}
			// Skip hidden dirs except .claude.
			if isHidden(name) && name != ".claude" && path != dir {
				return filepath.SkipDir
			}
			return nil
		}

		// Skip hidden files (except inside .claude).
		rel, _ := filepath.Rel(dir, path)
		if isHidden(name) && !strings.HasPrefix(rel, ".claude") {
			return nil
		}

		count++
		return nil
	})
	return count
}

// BuildFileTree generates a FileNode tree for a directory up to maxDepth levels.
func BuildFileTree(dir string, maxDepth int) []protocol.FileNode {
	return buildTreeRecursive(dir, dir, 0, maxDepth)
}

func buildTreeRecursive(rootDir, currentDir string, depth, maxDepth int) []protocol.FileNode {
	if depth >= maxDepth {
		return nil
	}

	entries, err := os.ReadDir(currentDir)
	if err != nil {
		return nil
	}

	// Separate dirs and files, then sort: dirs first, files second.
	var dirs, files []os.DirEntry
	for _, entry := range entries {
		name := entry.Name()
		if excludedDirs[name] {
			continue
		}
		if isHidden(name) && name != ".claude" {
			continue
		}
		if entry.IsDir() {
			dirs = append(dirs, entry)
		} else {
			files = append(files, entry)
		}
	}

	nodes := make([]protocol.FileNode, 0, len(dirs)+len(files))

	for _, d := range dirs {
		fullPath := filepath.Join(currentDir, d.Name())
		relPath, _ := filepath.Rel(rootDir, fullPath)
		node := protocol.FileNode{
			Name:     d.Name(),
			Path:     relPath,
			IsDir:    true,
			Children: buildTreeRecursive(rootDir, fullPath, depth+1, maxDepth),
		}
		nodes = append(nodes, node)
	}

	for _, f := range files {
		fullPath := filepath.Join(currentDir, f.Name())
		relPath, _ := filepath.Rel(rootDir, fullPath)
		var size int64
		if info, err := f.Info(); err == nil {
			size = info.Size()
		}
		nodes = append(nodes, protocol.FileNode{
			Name:  f.Name(),
			Path:  relPath,
			IsDir: false,
			Size:  size,
		})
	}

	return nodes
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if excludedDirs[name] && path != dir {
			return filepath.SkipDir
		}
		if isHidden(name) && name != ".claude" && path != dir {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
