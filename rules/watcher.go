package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is the quiet period after the last event for a file before
// it is processed.
const DefaultDebounce = 200 * time.Millisecond

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Debounce collapses bursts of events for one file. Zero uses DefaultDebounce.
	Debounce time.Duration

	// IgnorePatterns are filepath.Match globs tested against the base name,
	// each directory name and the "/"-separated path relative to the root.
	IgnorePatterns []string
}

// WatchHandler receives rule file changes. doc is nil for ChangeDeleted.
type WatchHandler func(ruleID string, kind ChangeKind, doc *RuleDocument)

type pendingEvent struct {
	timer *time.Timer
	seq   uint64
}

// Watcher observes the root of a LocalSource and reports added, modified and
// deleted rule files after a per-file debounce.
//
// Start and Stop are idempotent and may be repeated. Once Stop returns no
// handler is running or will run for events seen before it.
type Watcher struct {
	source *LocalSource
	cfg    WatcherConfig
	logger zerolog.Logger

	lifeMu sync.Mutex // serializes Start and Stop

	mu       sync.Mutex
	running  bool
	gen      uint64
	seq      uint64
	fsw      *fsnotify.Watcher
	done     chan struct{}
	loopDone chan struct{}
	pending  map[string]*pendingEvent
	known    map[string]struct{}
	inflight sync.WaitGroup

	handlersMu  sync.RWMutex
	handlers    map[uint64]WatchHandler
	nextHandler uint64
}

// NewWatcher creates a stopped watcher over the root of source.
func NewWatcher(source *LocalSource, cfg WatcherConfig, logger zerolog.Logger) (*Watcher, error) {
	if source == nil {
		return nil, configErr("watcher requires a local source")
	}
	if cfg.Debounce < 0 {
		return nil, configErr("debounce must not be negative, got %s", cfg.Debounce)
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = DefaultDebounce
	}
	for _, p := range cfg.IgnorePatterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, configErr("invalid ignore pattern %q: %v", p, err)
		}
	}

	return &Watcher{
		source:   source,
		cfg:      cfg,
		logger:   logger.With().Str("component", "watcher").Logger(),
		pending:  make(map[string]*pendingEvent),
		known:    make(map[string]struct{}),
		handlers: make(map[uint64]WatchHandler),
	}, nil
}

// OnChange registers fn and returns a handle for RemoveOnChange.
func (w *Watcher) OnChange(fn WatchHandler) uint64 {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	w.nextHandler++
	w.handlers[w.nextHandler] = fn
	return w.nextHandler
}

// RemoveOnChange unregisters a handler. It reports whether it was registered.
func (w *Watcher) RemoveOnChange(handle uint64) bool {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	if _, ok := w.handlers[handle]; !ok {
		return false
	}
	delete(w.handlers, handle)
	return true
}

// Running reports whether the watcher is active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Start begins watching. Calling Start on a running watcher is a no-op.
func (w *Watcher) Start() error {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()

	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	root := w.source.Root()
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return sourceErr(ErrSourceNotFound, "watch", "", fmt.Errorf("rules directory %s is not accessible", root))
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	known := make(map[string]struct{})
	if err := w.addRecursive(fsw, root, func(path string) {
		if id, ok := w.source.RuleID(path); ok {
			known[id] = struct{}{}
		}
	}); err != nil {
		fsw.Close()
		return err
	}

	w.mu.Lock()
	w.gen++
	w.running = true
	w.fsw = fsw
	w.known = known
	w.done = make(chan struct{})
	w.loopDone = make(chan struct{})
	gen, done, loopDone := w.gen, w.done, w.loopDone
	w.mu.Unlock()

	go w.loop(fsw, gen, done, loopDone)

	w.logger.Info().
		Str("root", root).
		Int("rules", len(known)).
		Dur("debounce", w.cfg.Debounce).
		Msg("hot reload started")
	return nil
}

// Stop stops watching and discards pending debounced events. Calling Stop on
// a stopped watcher is a no-op.
func (w *Watcher) Stop() error {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()

	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.gen++
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	fsw, done, loopDone := w.fsw, w.done, w.loopDone
	w.fsw = nil
	w.mu.Unlock()

	close(done)
	err := fsw.Close()
	<-loopDone
	w.inflight.Wait()

	w.logger.Info().Msg("hot reload stopped")
	return err
}

func (w *Watcher) loop(fsw *fsnotify.Watcher, gen uint64, done, loopDone chan struct{}) {
	defer close(loopDone)
	for {
		select {
		case <-done:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(fsw, gen, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, gen uint64, event fsnotify.Event) {
	if w.ignored(event.Name) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// Files may land in a new directory before it is watched.
			err := w.addRecursive(fsw, event.Name, func(path string) {
				w.schedule(gen, path)
			})
			if err != nil {
				w.logger.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
			}
			return
		}
	}

	if !isRuleFile(event.Name) {
		if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			w.dropDirectory(fsw, gen, event.Name)
		}
		return
	}
	w.schedule(gen, event.Name)
}

// dropDirectory schedules a delete for every known rule under dir once dir
// has been removed or moved out of the root. The watches of dir and its
// subdirectories are released.
func (w *Watcher) dropDirectory(fsw *fsnotify.Watcher, gen uint64, dir string) {
	if _, err := os.Lstat(dir); !errors.Is(err, fs.ErrNotExist) {
		return
	}
	rel, err := filepath.Rel(w.source.Root(), dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	prefix := filepath.ToSlash(rel) + "/"

	w.mu.Lock()
	var paths []string
	for id := range w.known {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		if path, ok := w.source.PathFor(id); ok {
			paths = append(paths, path)
		}
	}
	w.mu.Unlock()

	for _, watched := range fsw.WatchList() {
		if watched == dir || strings.HasPrefix(watched, dir+string(filepath.Separator)) {
			_ = fsw.Remove(watched)
		}
	}
	for _, path := range paths {
		w.schedule(gen, path)
	}
}

// schedule (re)arms the debounce timer for path.
func (w *Watcher) schedule(gen uint64, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running || w.gen != gen {
		return
	}

	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
	}
	w.seq++
	seq := w.seq
	w.pending[path] = &pendingEvent{
		seq:   seq,
		timer: time.AfterFunc(w.cfg.Debounce, func() { w.fire(gen, seq, path) }),
	}
}

func (w *Watcher) fire(gen, seq uint64, path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if !w.running || w.gen != gen || !ok || p.seq != seq {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.inflight.Add(1)
	w.mu.Unlock()

	defer w.inflight.Done()
	w.process(path)
}

// process turns the current state of path into a change notification.
func (w *Watcher) process(path string) {
	id, ok := w.source.RuleID(path)
	if !ok {
		return
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		w.mu.Lock()
		delete(w.known, id)
		w.mu.Unlock()
		w.emit(id, ChangeDeleted, nil)
		return
	}

	doc, err := w.source.ReadDocument(path)
	if err != nil {
		w.logger.Warn().Err(err).Str("rule_id", id).Msg("ignoring unreadable rule file")
		return
	}

	w.mu.Lock()
	_, existed := w.known[id]
	w.known[id] = struct{}{}
	w.mu.Unlock()

	kind := ChangeAdded
	if existed {
		kind = ChangeModified
	}
	w.emit(id, kind, &doc)
}

func (w *Watcher) emit(id string, kind ChangeKind, doc *RuleDocument) {
	w.handlersMu.RLock()
	handles := make([]uint64, 0, len(w.handlers))
	for h := range w.handlers {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	fns := make([]WatchHandler, len(handles))
	for i, h := range handles {
		fns[i] = w.handlers[h]
	}
	w.handlersMu.RUnlock()

	w.logger.Debug().Str("rule_id", id).Str("kind", string(kind)).Msg("rule file changed")
	for _, fn := range fns {
		w.invoke(fn, id, kind, doc)
	}
}

func (w *Watcher) invoke(fn WatchHandler, id string, kind ChangeKind, doc *RuleDocument) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Interface("panic", r).
				Str("rule_id", id).
				Str("kind", string(kind)).
				Msg("hot reload handler panicked")
		}
	}()
	fn(id, kind, doc)
}

// addRecursive watches dir and its subdirectories, calling onFile for each
// rule file found.
func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, dir string, onFile func(path string)) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if w.ignored(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := fsw.Add(path); err != nil {
				return fmt.Errorf("failed to watch directory %s: %w", path, err)
			}
			return nil
		}
		if isRuleFile(path) {
			onFile(path)
		}
		return nil
	})
}

// ignored reports whether path matches an ignore pattern.
func (w *Watcher) ignored(path string) bool {
	if len(w.cfg.IgnorePatterns) == 0 {
		return false
	}
	rel, err := filepath.Rel(w.source.Root(), path)
	if err != nil || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)

	candidates := append([]string{rel}, strings.Split(rel, "/")...)
	for _, pattern := range w.cfg.IgnorePatterns {
		for _, c := range candidates {
			if matched, _ := filepath.Match(pattern, c); matched {
				return true
			}
		}
	}
	return false
}
