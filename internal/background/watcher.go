// ABOUTME: Transcript watcher triggering immediate reconciles when a transcript file is written
// ABOUTME: Watches the directories of active agents' transcripts with fsnotify

package background

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// TranscriptWatcher reconciles an agent shortly after its transcript changes.
// Writes are coalesced over the debounce window.
type TranscriptWatcher struct {
	deps       Deps
	reconciler *Reconciler
	refresh    time.Duration
	debounce   time.Duration
	logger     *slog.Logger

	// path -> agent id, dir -> watched
	paths map[string]int64
	dirs  map[string]bool
}

// NewTranscriptWatcher creates a watcher. The set of watched transcripts
// is re-read from the store every refresh interval.
func NewTranscriptWatcher(deps Deps, reconciler *Reconciler, refresh, debounce time.Duration) *TranscriptWatcher {
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &TranscriptWatcher{
		deps:       deps,
		reconciler: reconciler,
		refresh:    refresh,
		debounce:   debounce,
		logger:     deps.logger("transcript_watcher"),
		paths:      make(map[string]int64),
		dirs:       make(map[string]bool),
	}
}

func (w *TranscriptWatcher) Name() string { return "transcript_watcher" }

// Run watches until ctx is cancelled.
func (w *TranscriptWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	w.sync(ctx, fw)

	refresh := time.NewTicker(w.refresh)
	defer refresh.Stop()
	flush := time.NewTicker(w.debounce)
	defer flush.Stop()

	pending := make(map[int64]bool)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if id, ok := w.paths[filepath.Clean(ev.Name)]; ok {
				pending[id] = true
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Debug("file watcher error", "error", err)

		case <-refresh.C:
			w.sync(ctx, fw)

		case <-flush.C:
			for id := range pending {
				ran, err := w.reconciler.ReconcileAgent(ctx, id)
				if err != nil {
					w.logger.Error("reconciling changed transcript failed", "agent_id", id, "error", err)
				}
				// a contended agent is picked up by the next write or the periodic pass
				if err == nil && !ran {
					w.logger.Debug("transcript reconcile contended", "agent_id", id)
				}
				delete(pending, id)
			}
		}
	}
}

// sync points the watcher at the transcript directories of active agents.
func (w *TranscriptWatcher) sync(ctx context.Context, fw *fsnotify.Watcher) {
	agents, err := w.deps.Store.ListActiveAgents(ctx)
	if err != nil {
		w.logger.Warn("listing agents for transcript watch failed", "error", err)
		return
	}

	paths := make(map[string]int64)
	dirs := make(map[string]bool)
	for _, a := range agents {
		if a.TranscriptPath == "" {
			continue
		}
		p := filepath.Clean(a.TranscriptPath)
		paths[p] = a.ID
		dirs[filepath.Dir(p)] = true
	}

	for dir := range dirs {
		if w.dirs[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			w.logger.Debug("watching transcript directory failed", "dir", dir, "error", err)
			delete(dirs, dir)
			continue
		}
		w.logger.Debug("watching transcript directory", "dir", dir)
	}
	for dir := range w.dirs {
		if !dirs[dir] {
			_ = fw.Remove(dir)
		}
	}

	w.paths = paths
	w.dirs = dirs
}

var _ Runner = (*TranscriptWatcher)(nil)
