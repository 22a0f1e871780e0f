package manifest

import (
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/cuemby/flowsync/pkg/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce coalesces the burst of events a single save produces
const DefaultDebounce = 500 * time.Millisecond

// Watcher calls OnChange after declaration files change. Files are watched
// through their directories so that editors replacing a file on save are
// still noticed.
type Watcher struct {
	debounce time.Duration
	onChange func()
	logger   zerolog.Logger

	dirs  map[string]bool // directories whose YAML files all count
	files map[string]bool // individual files

	mu      sync.Mutex
	fs      *fsnotify.Watcher
	stopCh  chan struct{}
	timer   *time.Timer
	running bool
}

// NewWatcher creates a watcher over the same paths Load accepts
func NewWatcher(paths []string, debounce time.Duration, onChange func()) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{
		debounce: debounce,
		onChange: onChange,
		logger:   log.WithComponent("manifest-watcher"),
		dirs:     map[string]bool{},
		files:    map[string]bool{},
	}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		if isDir(abs) {
			w.dirs[abs] = true
		} else {
			w.files[abs] = true
		}
	}
	return w, nil
}

// Start begins watching
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	for _, dir := range w.watchDirs() {
		if err := fs.Add(dir); err != nil {
			fs.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	w.fs = fs
	w.stopCh = make(chan struct{})
	w.running = true
	go w.processEvents(fs.Events, fs.Errors, w.stopCh)

	w.logger.Info().Strs("dirs", w.watchDirs()).Msg("Watching manifests")
	return nil
}

// Stop ends watching. Pending debounced callbacks are dropped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	close(w.stopCh)
	if w.timer != nil {
		w.timer.Stop()
	}
	w.fs.Close()
}

func (w *Watcher) watchDirs() []string {
	set := map[string]bool{}
	for d := range w.dirs {
		set[d] = true
	}
	for f := range w.files {
		set[filepath.Dir(f)] = true
	}
	dirs := make([]string, 0, len(set))
	for d := range set {
		dirs = append(dirs, d)
	}
	slices.Sort(dirs)
	return dirs
}

func (w *Watcher) processEvents(events <-chan fsnotify.Event, errs <-chan error, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if w.relevant(event) {
				w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Manifest changed")
				w.trigger()
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("File watcher error")
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	name, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	if w.files[name] {
		return true
	}
	return w.dirs[filepath.Dir(name)] && slices.Contains(Extensions, filepath.Ext(name))
}

// trigger restarts the debounce timer
func (w *Watcher) trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		running := w.running
		w.mu.Unlock()
		if running && w.onChange != nil {
			w.onChange()
		}
	})
}
