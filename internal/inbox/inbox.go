// Package inbox watches a drop folder for narration clips
package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Handler is called once per settled clip, one at a time
type Handler func(ctx context.Context, path string) error

// Config configures a Watcher
type Config struct {
	Dir        string
	Debounce   time.Duration // quiet time after the last write before a clip is handed off
	Extensions []string      // lower-case, with dot; defaults to .wav and .mp3
	QueueSize  int
}

// Watcher hands new or rewritten clips in a directory to a Handler
type Watcher struct {
	cfg     Config
	handler Handler
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	queue   chan string
	done    chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher on cfg.Dir
func NewWatcher(cfg Config, handler Handler, logger zerolog.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("inbox directory not set")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".wav", ".mp3"}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create inbox: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(cfg.Dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", cfg.Dir, err)
	}

	return &Watcher{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With().Str("component", "inbox").Str("dir", cfg.Dir).Logger(),
		watcher: fw,
		pending: make(map[string]*time.Timer),
		queue:   make(chan string, cfg.QueueSize),
		done:    make(chan struct{}),
	}, nil
}

// Run processes events until ctx is done or Close is called
func (w *Watcher) Run(ctx context.Context) error {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.dispatchLoop(ctx)
	}()

	w.logger.Info().Msg("Watching for narration clips")
	defer w.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			w.Close()
			return ctx.Err()
		case <-w.done:
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.touch(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) accepts(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range w.cfg.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// touch (re)arms the debounce timer for path
func (w *Watcher) touch(path string) {
	if !w.accepts(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Reset(w.cfg.Debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.cfg.Debounce, func() { w.settle(path) })
}

func (w *Watcher) settle(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	select {
	case w.queue <- path:
		w.logger.Debug().Str("path", path).Msg("Clip queued")
	default:
		w.logger.Warn().Str("path", path).Msg("Inbox queue full, dropping clip")
	}
}

func (w *Watcher) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case path := <-w.queue:
			if err := w.handler(ctx, path); err != nil {
				w.logger.Error().Err(err).Str("path", path).Msg("Clip handler failed")
			}
		}
	}
}

// Close stops watching. Pending debounce timers are discarded.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	close(w.done)
	return w.watcher.Close()
}
