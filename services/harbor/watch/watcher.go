// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/events"
)

// Watcher watches a workspace and keeps its graph snapshots current.
//
// # Description
//
// Raw fsnotify events flow through three stages: processEvents converts and
// filters them, debounceLoop batches them until the stream pauses, and
// rebuildLoop runs at most one incremental rebuild per MinRebuildInterval
// over everything batched since the last pass. Build lifecycle events are
// published to the bus when one is attached.
//
// # Thread Safety
//
// Safe for concurrent use. Callbacks run on the debounce goroutine and
// should return quickly; the rebuild itself runs elsewhere.
type Watcher struct {
	root      string
	rebuilder Rebuilder
	bus       *events.Bus
	config    Config
	logger    *slog.Logger

	watcher *fsnotify.Watcher
	limiter *rate.Limiter

	changes chan Change
	kick    chan struct{}
	done    chan struct{}

	cancel   context.CancelFunc
	stopOnce sync.Once

	mu        sync.RWMutex
	watching  bool
	stopped   bool
	pending   []Change
	callbacks []func([]Change)
}

// New creates a Watcher over a workspace root.
//
// # Inputs
//
//   - root: Directory to watch. Must exist.
//   - rebuilder: Incremental rebuild entry point. Required.
//   - bus: Event bus for build lifecycle events. May be nil.
//   - config: Watcher configuration. Use DefaultConfig() for defaults.
//   - logger: Structured logger. If nil, slog.Default() is used.
//
// # Outputs
//
//   - *Watcher: Ready watcher (call Start to begin watching).
//   - error: Validation or fsnotify setup error.
func New(root string, rebuilder Rebuilder, bus *events.Bus, config Config, logger *slog.Logger) (*Watcher, error) {
	if rebuilder == nil {
		return nil, fmt.Errorf("watch: nil rebuilder")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRoot, err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrBadRoot, root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		root:      abs,
		rebuilder: rebuilder,
		bus:       bus,
		config:    config,
		logger:    logger.With(slog.String("component", "watch")),
		watcher:   fsw,
		limiter:   rate.NewLimiter(rate.Every(config.MinRebuildInterval), 1),
		changes:   make(chan Change, config.BufferSize),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching for file changes.
//
// # Description
//
// Recursively registers the root and its subdirectories, then spawns the
// event, debounce, and rebuild goroutines. All three exit when Stop is
// called or the context is canceled. Calling Start on a watcher that is
// already running returns nil.
//
// # Inputs
//
//   - ctx: Context bounding the watch session.
//
// # Outputs
//
//   - error: ErrStopped after Stop, or a registration error.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrStopped
	}
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.addRecursive(w.root); err != nil {
		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
		return fmt.Errorf("register watch root: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go w.processEvents(runCtx)
	go w.debounceLoop(runCtx)
	go w.rebuildLoop(runCtx)

	w.logger.Info("watching workspace",
		slog.String("root", w.root),
		slog.Duration("debounce", w.config.DebounceWindow),
		slog.Duration("min_rebuild_interval", w.config.MinRebuildInterval))
	return nil
}

// Stop stops the watcher. Idempotent; the watcher cannot be restarted.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if w.cancel != nil {
			w.cancel()
		}
		w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.stopped = true
		w.mu.Unlock()

		w.logger.Info("watcher stopped", slog.String("root", w.root))
	})
}

// IsWatching returns true if the watcher is currently active.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

// RegisterCallback registers a function invoked with every coalesced
// change batch.
//
// # Description
//
// Callbacks see batches before the rebuild runs and regardless of whether
// the rate limiter delays it. They run sequentially on the debounce
// goroutine.
func (w *Watcher) RegisterCallback(fn func([]Change)) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// addRecursive adds a directory and all subdirectories to the watch list.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Ignore errors, continue walking
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.shouldIgnore(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// shouldIgnore checks if a path matches any ignore pattern.
//
// Hidden and underscore-prefixed entries are always ignored: build
// discovery never descends into them, so changes there cannot alter the
// graph. This also keeps a data directory inside the workspace from
// feeding its own writes back into the rebuild loop.
func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)

	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_") {
		return true
	}

	for _, pattern := range w.config.IgnorePatterns {
		if base == pattern {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
		// Directory patterns apply to everything beneath them.
		if strings.Contains(path, string(filepath.Separator)+pattern+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// processEvents converts fsnotify events to Changes and feeds the
// debouncer.
func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.shouldIgnore(event.Name) {
				continue
			}

			change := Change{
				Path: event.Name,
				Op:   convertOp(event.Op),
				Time: time.Now(),
			}

			select {
			case w.changes <- change:
			default:
				// Buffer full; the manifest diff will still catch the
				// change on the next pass.
				recordDropped(ctx)
				w.logger.Debug("change buffer full, dropping event",
					slog.String("path", event.Name))
			}

			// New directories need their own watches before events
			// inside them can be seen.
			if event.Has(fsnotify.Create) && isDir(event.Name) {
				if err := w.addRecursive(event.Name); err != nil {
					w.logger.Warn("failed to watch new directory",
						slog.String("path", event.Name),
						slog.String("error", err.Error()))
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

// debounceLoop batches changes until the stream pauses, then flushes the
// deduplicated batch to callbacks and the rebuild loop.
func (w *Watcher) debounceLoop(ctx context.Context) {
	var batch []Change
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) > 0 {
			deduped := dedupe(batch)
			batch = batch[:0]
			if len(deduped) > 0 {
				recordChanges(ctx, len(deduped))
				w.notify(deduped)

				w.mu.Lock()
				w.pending = append(w.pending, deduped...)
				w.mu.Unlock()

				select {
				case w.kick <- struct{}{}:
				default:
				}
			}
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case change := <-w.changes:
			batch = append(batch, change)
			if timer == nil {
				timer = time.NewTimer(w.config.DebounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(w.config.DebounceWindow)
			}
		case <-timerC:
			flush()
		}
	}
}

// rebuildLoop runs incremental rebuilds for flushed batches, at most one
// per MinRebuildInterval.
func (w *Watcher) rebuildLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-w.kick:
		}

		if err := w.limiter.Wait(ctx); err != nil {
			return
		}

		batch := w.takePending()
		if len(batch) == 0 {
			continue
		}
		w.rebuild(ctx, batch)
	}
}

func (w *Watcher) takePending() []Change {
	w.mu.Lock()
	defer w.mu.Unlock()
	batch := w.pending
	w.pending = nil
	return batch
}

// rebuild runs one incremental pass and publishes its lifecycle.
func (w *Watcher) rebuild(ctx context.Context, batch []Change) {
	ctx, span := startRebuildSpan(ctx, len(batch))
	defer span.End()

	w.publish(events.TypeBuildStarted, events.BuildStartedData{
		Root:        w.root,
		Incremental: true,
	})

	start := time.Now()
	res, err := w.rebuilder.Rebuild(ctx)
	took := time.Since(start)

	if err != nil {
		w.logger.Warn("incremental rebuild failed",
			slog.Int("changes", len(batch)),
			slog.String("error", err.Error()))
		w.publish(events.TypeBuildFinished, events.BuildFinishedData{
			Incremental:   true,
			DurationMilli: took.Milliseconds(),
			Err:           err.Error(),
		})
		recordRebuild(ctx, "error", took)
		span.RecordError(err)
		return
	}

	w.logger.Info("incremental rebuild complete",
		slog.String("snapshot", res.Snapshot.ID),
		slog.Int("changes", len(batch)),
		slog.Int("analyzed", res.FilesAnalyzed),
		slog.Duration("took", took))
	w.publish(events.TypeBuildFinished, events.BuildFinishedData{
		SnapshotID:    res.Snapshot.ID,
		Nodes:         res.Snapshot.NodeCount,
		Edges:         res.Snapshot.EdgeCount,
		Orphans:       res.Snapshot.OrphanCount,
		Incremental:   res.Snapshot.Incremental,
		DurationMilli: took.Milliseconds(),
	})
	recordRebuild(ctx, "ok", took)
	setRebuildSpanResult(span, res.Snapshot.ID, res.Snapshot.Incremental)
}

// notify invokes registered callbacks with a batch.
func (w *Watcher) notify(batch []Change) {
	w.mu.RLock()
	cbs := make([]func([]Change), len(w.callbacks))
	copy(cbs, w.callbacks)
	w.mu.RUnlock()

	for _, cb := range cbs {
		cb(batch)
	}
}

// publish sends an event to the bus when one is attached.
func (w *Watcher) publish(t events.Type, data any) {
	if w.bus == nil {
		return
	}
	_ = w.bus.Publish(events.New(t, data))
}

// dedupe removes duplicate changes for the same file, keeping the most
// recent change per path in first-seen order.
func dedupe(changes []Change) []Change {
	seen := make(map[string]int)
	result := make([]Change, 0, len(changes))

	for _, change := range changes {
		if idx, ok := seen[change.Path]; ok {
			result[idx] = change
		} else {
			seen[change.Path] = len(result)
			result = append(result, change)
		}
	}
	return result
}

// convertOp converts fsnotify.Op to Op.
func convertOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate
	case op.Has(fsnotify.Write):
		return OpWrite
	case op.Has(fsnotify.Remove):
		return OpRemove
	case op.Has(fsnotify.Rename):
		return OpRename
	default:
		return OpWrite
	}
}

// isDir reports whether path names a directory.
func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
