package lsp

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates document sync state when files change on disk
// outside the agent's own tools (editors, generators, git operations).
type Watcher struct {
	fs *fsnotify.Watcher
	m  *Manager
}

func NewWatcher(m *Manager) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{fs: fs, m: m}
	go w.run()
	return w, nil
}

// Add starts watching the directory containing path. fsnotify watches
// directories; duplicate adds are harmless.
func (w *Watcher) Add(dir string) error {
	return w.fs.Add(dir)
}

func (w *Watcher) Close() error { return w.fs.Close() }

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.m.NotifyFileChanged(ev.Name)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Debug("lsp watcher error", "error", err)
		}
	}
}
