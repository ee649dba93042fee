// Package watch provides file system watching with debouncing for the
// kernel store. The status follow view uses it to refresh when another
// process commits a write.
package watch

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/aio/internal/log"
)

// Watcher monitors the store database file and signals after writes settle.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dir       string
	dbBase    string
	walBase   string
	debounce  time.Duration
	onChange  chan struct{}
	done      chan struct{}
}

// Config holds watcher configuration options.
type Config struct {
	DBPath      string
	DebounceDur time.Duration
}

// DefaultConfig returns sensible defaults for the watcher.
func DefaultConfig(dbPath string) Config {
	return Config{
		DBPath:      dbPath,
		DebounceDur: 500 * time.Millisecond,
	}
}

// New creates a watcher for the store at cfg.DBPath.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	base := filepath.Base(cfg.DBPath)
	return &Watcher{
		fsWatcher: fsw,
		dir:       filepath.Dir(cfg.DBPath),
		dbBase:    base,
		walBase:   base + "-wal",
		debounce:  cfg.DebounceDur,
		onChange:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching and returns the channel that signals settled writes.
func (w *Watcher) Start() (<-chan struct{}, error) {
	// Commits may touch only the -wal sibling, so watch the directory.
	if err := w.fsWatcher.Add(w.dir); err != nil {
		return nil, fmt.Errorf("watching directory %s: %w", w.dir, err)
	}

	go w.run()

	return w.onChange, nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

// run debounces store events: the first relevant event arms the timer,
// later ones within the window re-arm it, and one signal goes out when
// it fires.
func (w *Watcher) run() {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.matches(event) {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			select {
			case w.onChange <- struct{}{}:
			default:
				// A pending signal already covers this change.
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatWatch, "Watch error, continuing", "dir", w.dir, "error", err)

		case <-w.done:
			return
		}
	}
}

// matches reports whether the event touches the store db or its wal file.
func (w *Watcher) matches(event fsnotify.Event) bool {
	// Writes and creates only; the wal file may be created fresh.
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}

	base := filepath.Base(event.Name)
	return base == w.dbBase || base == w.walBase
}
