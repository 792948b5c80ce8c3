package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/sjawhar/callsense/internal/segment"
)

const DefaultSettle = 250 * time.Millisecond

// Handler is invoked once per distinct segment file.
type Handler func(segment.AudioSegment)

type Options struct {
	// Settle is how long a new file must go without writes before it is
	// reported. Zero reports on the first event.
	Settle time.Duration
	// PollInterval switches the watcher to periodic directory scans when > 0.
	PollInterval time.Duration
	// ScanExisting reports files already present when Run starts.
	ScanExisting bool
}

// Watcher reports new segment files under a directory tree. Every path is
// reported at most once for the lifetime of the watcher.
type Watcher struct {
	root    string
	handler Handler
	opts    Options

	mu      sync.Mutex
	seen    map[string]struct{}
	settles map[string]*time.Timer
	stopped bool
}

func New(root string, handler Handler, opts Options) *Watcher {
	if opts.Settle < 0 {
		opts.Settle = 0
	}
	return &Watcher{
		root:    root,
		handler: handler,
		opts:    opts,
		seen:    make(map[string]struct{}),
		settles: make(map[string]*time.Timer),
	}
}

// Run observes the directory until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return fmt.Errorf("create segment dir: %w", err)
	}
	defer w.stop()

	if w.opts.ScanExisting {
		w.scan()
	} else {
		w.markExisting()
	}

	if w.opts.PollInterval > 0 {
		return w.poll(ctx)
	}
	return w.notify(ctx)
}

// Seen reports how many distinct paths have been observed.
func (w *Watcher) Seen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

func (w *Watcher) notify(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.root); err != nil {
		return err
	}
	log.Info().Str("dir", w.root).Msg("watch: observing segment directory")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("dir", w.root).Msg("watch: watcher error")
		}
	}
}

func (w *Watcher) handleEvent(fw *fsnotify.Watcher, ev fsnotify.Event) {
	if w.hidden(ev.Name) {
		return
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if ev.Has(fsnotify.Create) {
			if err := w.addTree(fw, ev.Name); err != nil {
				log.Warn().Err(err).Str("dir", ev.Name).Msg("watch: add subdirectory")
			}
			// Files may have landed before the watch was registered.
			w.walk(ev.Name, w.observe)
		}
		return
	}
	w.observe(ev.Name)
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("watch: walk")
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.hidden(path) {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) poll(ctx context.Context) error {
	log.Info().Str("dir", w.root).Dur("interval", w.opts.PollInterval).Msg("watch: polling segment directory")
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.scan()
		}
	}
}

func (w *Watcher) scan() {
	w.walk(w.root, w.observe)
}

func (w *Watcher) markExisting() {
	w.walk(w.root, func(path string) {
		w.mu.Lock()
		w.seen[path] = struct{}{}
		w.mu.Unlock()
	})
}

func (w *Watcher) walk(dir string, fn func(string)) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("watch: walk")
			return nil
		}
		if path != w.root && w.hidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			fn(path)
		}
		return nil
	})
}

// observe registers a file event. The first event for a path marks it seen
// and arms the settle timer; later events only push the timer back.
func (w *Watcher) observe(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if _, ok := w.seen[path]; ok {
		if t, pending := w.settles[path]; pending {
			t.Reset(w.opts.Settle)
		}
		return
	}
	w.seen[path] = struct{}{}

	seg, err := segment.Parse(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("watch: skipping file")
		return
	}

	if w.opts.Settle == 0 {
		go w.handler(seg)
		return
	}
	w.settles[path] = time.AfterFunc(w.opts.Settle, func() { w.fire(seg) })
}

func (w *Watcher) fire(seg segment.AudioSegment) {
	w.mu.Lock()
	if _, pending := w.settles[seg.Path]; !pending || w.stopped {
		w.mu.Unlock()
		return
	}
	delete(w.settles, seg.Path)
	w.mu.Unlock()

	w.handler(seg)
}

func (w *Watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	for path, t := range w.settles {
		t.Stop()
		delete(w.settles, path)
	}
}

func (w *Watcher) hidden(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
