package suppress

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/acartine/beadboard/internal/debug"
)

// jsonlName is the store's append log inside each repository's .beads dir.
// When another process rewrites it (a sync, an import, a git pull), any
// suppressed read for that repository is stale beyond repair and must be
// dropped rather than served.
const jsonlName = "issues.jsonl"

// Watcher invalidates suppressed reads when a repository's JSONL changes.
type Watcher struct {
	fsw      *fsnotify.Watcher
	onChange func(repo string)

	mu    sync.Mutex
	repos map[string]string // watched .beads dir -> repository path
}

// NewWatcher starts a watcher that calls onChange with the repository path
// whenever its issues.jsonl is written, created, or renamed.
func NewWatcher(onChange func(repo string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		fsw:      fsw,
		onChange: onChange,
		repos:    make(map[string]string),
	}
	go w.run()
	return w, nil
}

// WatchRepo registers a repository. Idempotent; watching the same repo twice
// is a no-op. Missing .beads directories are reported as errors so callers
// can decide whether that repository is watchable at all.
func (w *Watcher) WatchRepo(repo string) error {
	dir := filepath.Join(repo, ".beads")

	w.mu.Lock()
	if _, ok := w.repos[dir]; ok {
		w.mu.Unlock()
		return nil
	}
	w.repos[dir] = repo
	w.mu.Unlock()

	if err := w.fsw.Add(dir); err != nil {
		w.mu.Lock()
		delete(w.repos, dir)
		w.mu.Unlock()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	return nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != jsonlName {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			repo, ok := w.repos[filepath.Dir(ev.Name)]
			w.mu.Unlock()
			if ok {
				debug.Logf("suppress: %s changed, invalidating reads for %s\n", jsonlName, repo)
				w.onChange(repo)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			debug.Logf("suppress: watcher error: %v\n", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
