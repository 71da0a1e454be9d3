package watch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"scriptrun/internal/engine"
	"scriptrun/pkg/graph"
)

// Options configures Run.
type Options struct {
	// Debounce is passed through to each per-package Watcher.
	Debounce time.Duration
	// ClearScreen is passed through to each per-package Watcher.
	ClearScreen bool
	Stdout      io.Writer
	Stderr      io.Writer
	// NewExecutor builds a fresh engine.Executor for each cycle. A fresh
	// executor means each cycle starts with an empty memoization cache and
	// no leftover service handles from the previous run.
	NewExecutor func() *engine.Executor
}

// Run repeatedly analyzes entry and executes the resulting graph, rebuilding
// the watch set from scratch before each cycle: the set of manifests
// consulted and "files" globs declared, grouped by package directory, per
// the currently analyzed graph rather than a fixed pattern list. A
// filesystem change aborts the in-flight cycle (tearing down any started
// services) and starts analysis over. Run blocks until ctx is cancelled.
func Run(ctx context.Context, entry graph.Reference, opts Options) error {
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		root, diags, src := graph.Analyze(entry)
		if hasErrors(diags) {
			printDiagnostics(stderr, diags, entry, src)
			if err := waitForAnyChange(ctx, entry.PackageDir, opts, stdout, stderr); err != nil {
				return err
			}
			continue
		}
		if len(diags) > 0 {
			printDiagnostics(stderr, diags, entry, src)
		}

		ws := graph.CollectWatchSet(root)
		changed := make(chan struct{}, 1)
		watchCtx, stopWatch := context.WithCancel(ctx)
		watchers, err := startWatchers(watchCtx, ws, opts, stdout, stderr, changed)
		if err != nil {
			stopWatch()
			return fmt.Errorf("watch: %w", err)
		}

		cycleCtx, cancel := context.WithCancel(ctx)
		runDone := make(chan error, 1)
		exec := opts.NewExecutor()
		go func() { runDone <- exec.ExecuteTopLevel(cycleCtx, root) }()

		select {
		case <-ctx.Done():
			cancel()
			<-runDone
			stopWatch()
			stopWatchers(watchers)
			return ctx.Err()

		case <-changed:
			cancel()
			<-runDone
			stopWatch()
			stopWatchers(watchers)
			continue

		case err := <-runDone:
			cancel()
			if err != nil {
				fmt.Fprintf(stderr, "watch: run failed: %v\n", err)
			}
			select {
			case <-ctx.Done():
			case <-changed:
			}
			stopWatch()
			stopWatchers(watchers)
		}
	}
}

func hasErrors(diags []graph.Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == graph.SeverityError {
			return true
		}
	}
	return false
}

func printDiagnostics(w io.Writer, diags []graph.Diagnostic, entry graph.Reference, src graph.MapSource) {
	graph.Print(w, diags, src, entry.PackageDir)
}

// startWatchers creates one Watcher per package directory referenced in ws,
// each scoped to that package's own "files" globs (plus its manifest) and
// negated patterns. All of them report into the shared changed channel and
// run until ctx is cancelled.
func startWatchers(ctx context.Context, ws graph.WatchSet, opts Options, stdout, stderr io.Writer, changed chan<- struct{}) ([]*Watcher, error) {
	dirs := map[string]bool{}
	for _, m := range ws.Manifests {
		dirs[filepath.Dir(m)] = true
	}
	for dir := range ws.FileGlobs {
		dirs[dir] = true
	}

	onChange := func(_ context.Context, _ []string) error {
		select {
		case changed <- struct{}{}:
		default:
		}
		return nil
	}

	var watchers []*Watcher
	for dir := range dirs {
		patterns := append([]string{"package.json"}, ws.FileGlobs[dir]...)
		w, err := New(Config{
			BaseDir:     dir,
			Patterns:    patterns,
			Ignore:      ws.NegatedGlobs[dir],
			Debounce:    opts.Debounce,
			ClearScreen: opts.ClearScreen,
			Stdout:      stdout,
			Stderr:      stderr,
			OnChange:    onChange,
		})
		if err != nil {
			stopWatchers(watchers)
			return nil, err
		}
		watchers = append(watchers, w)
		go func(w *Watcher) {
			_ = w.Run(ctx)
		}(w)
	}
	return watchers, nil
}

func stopWatchers(watchers []*Watcher) {
	for _, w := range watchers {
		_ = w.Close()
	}
}

// waitForAnyChange watches pkgDir broadly (no pattern restriction) until a
// change occurs or ctx is cancelled. Used when analysis itself failed, so no
// validated watch set is available yet.
func waitForAnyChange(ctx context.Context, pkgDir string, opts Options, stdout, stderr io.Writer) error {
	changed := make(chan struct{}, 1)
	w, err := New(Config{
		BaseDir:  pkgDir,
		Debounce: opts.Debounce,
		Stdout:   stdout,
		Stderr:   stderr,
		OnChange: func(_ context.Context, _ []string) error {
			select {
			case changed <- struct{}{}:
			default:
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer w.Close()

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = w.Run(watchCtx) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
		return nil
	}
}
