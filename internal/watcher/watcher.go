// Package watcher tails the append-only log that the agent's notification
// hook writes when a session stops to wait for input.
package watcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cbos/internal/session"
	"cbos/internal/stream"

	"github.com/fsnotify/fsnotify"
)

const (
	debounceInterval = 100 * time.Millisecond
	waitingEvent     = "waiting_for_input"
)

// Handler is called with the resolved slug and the text the agent printed
// before it stopped.
type Handler func(slug, lastContext string)

// Resolver maps the id reported by the hook to a session slug.
type Resolver interface {
	FindByResumeToken(token string) (string, bool)
	Get(slug string) (session.Session, error)
}

// Record is one line of the waiting log.
type Record struct {
	Event   string `json:"event"`
	Session struct {
		ID             string `json:"id"`
		TranscriptPath string `json:"transcriptPath"`
	} `json:"session"`
	Context struct {
		PrecedingText string `json:"precedingText"`
	} `json:"context"`
}

// Watcher follows one log file. Only lines appended after Start are read.
type Watcher struct {
	path     string
	resolver Resolver
	handler  Handler
	logger   *slog.Logger

	mu     sync.Mutex
	offset int64
	lines  stream.LineBuffer
	timer  *time.Timer

	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}
}

// New creates a watcher for path. Start begins tailing.
func New(path string, resolver Resolver, handler Handler, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		resolver: resolver,
		handler:  handler,
		logger:   logger.With(slog.String("log", path)),
		cancel:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start watches the log's directory, creating it if needed, and skips
// whatever the log already holds.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(dir); err != nil {
		fsW.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	if info, err := os.Stat(w.path); err == nil {
		w.offset = info.Size()
	}
	w.fsWatcher = fsW

	go w.watchLoop()
	w.logger.Info("waiting log watcher started", slog.Int64("offset", w.offset))
	return nil
}

// Shutdown stops watching. It is safe to call more than once.
func (w *Watcher) Shutdown() {
	select {
	case <-w.cancel:
		return
	default:
		close(w.cancel)
	}
	if w.fsWatcher == nil {
		return
	}
	w.fsWatcher.Close()
	<-w.done

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) watchLoop() {
	defer close(w.done)

	for {
		select {
		case <-w.cancel:
			return

		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				w.reset()
				continue
			}
			if ev.Has(fsnotify.Create) {
				w.reset()
			}
			w.schedule()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", slog.Any("error", err))
		}
	}
}

// schedule coalesces bursts of writes into one read.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceInterval, w.drain)
}

func (w *Watcher) reset() {
	w.mu.Lock()
	w.offset = 0
	w.lines = stream.LineBuffer{}
	w.mu.Unlock()
}

// drain reads everything appended since the last read.
func (w *Watcher) drain() {
	lines, err := w.readNew()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("reading waiting log", slog.Any("error", err))
		}
		return
	}
	for _, line := range lines {
		w.handleLine(line)
	}
}

func (w *Watcher) readNew() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(w.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < w.offset {
		w.logger.Debug("waiting log truncated", slog.Int64("size", info.Size()))
		w.offset = 0
		w.lines = stream.LineBuffer{}
	}
	if _, err := f.Seek(w.offset, io.SeekStart); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	w.offset += int64(len(data))
	return w.lines.Feed(data), nil
}

func (w *Watcher) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	var rec Record
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		w.logger.Debug("skipping malformed waiting record", slog.Any("error", err))
		return
	}
	if rec.Event != waitingEvent || rec.Session.ID == "" {
		return
	}

	slug, ok := w.Resolve(rec.Session.ID)
	if !ok {
		w.logger.Debug("waiting record for unknown session", slog.String("id", rec.Session.ID))
		return
	}
	if w.handler != nil {
		w.handler(slug, strings.TrimSpace(rec.Context.PrecedingText))
	}
}

// Resolve maps id to a slug: first as a resume token, then as a slug.
func (w *Watcher) Resolve(id string) (string, bool) {
	if slug, ok := w.resolver.FindByResumeToken(id); ok {
		return slug, true
	}
	if _, err := w.resolver.Get(id); err == nil {
		return id, true
	}
	return "", false
}
