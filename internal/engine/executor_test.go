package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"scriptrun/internal/cache"
	"scriptrun/internal/workerpool"
	"scriptrun/pkg/graph"
)

func newTestExecutor(mode FailureMode) *Executor {
	return New(workerpool.New(2), cache.None{}, mode, "test", nil)
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}

func TestExecuteOneShotRunsCommand(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := &graph.ScriptConfig{
		Kind:    graph.KindOneShot,
		Ref:     graph.Reference{PackageDir: dir, Name: "build"},
		Command: "touch out.txt",
		Output:  []string{"out.txt"},
	}

	e := newTestExecutor(FailureContinue)
	res, err := e.execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Fingerprint.Serialized == "" {
		t.Fatalf("expected a non-empty fingerprint")
	}
	if _, err := os.Stat(filepath.Join(dir, "out.txt")); err != nil {
		t.Fatalf("expected out.txt to be created: %v", err)
	}
}

func TestExecuteOneShotMemoizedPerExecutor(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := &graph.ScriptConfig{
		Kind:    graph.KindOneShot,
		Ref:     graph.Reference{PackageDir: dir, Name: "build"},
		Command: "echo x >> count.txt",
	}

	e := newTestExecutor(FailureContinue)
	if _, err := e.execute(context.Background(), cfg); err != nil {
		t.Fatalf("execute #1: %v", err)
	}
	if _, err := e.execute(context.Background(), cfg); err != nil {
		t.Fatalf("execute #2: %v", err)
	}

	if got := countLines(t, filepath.Join(dir, "count.txt")); got != 1 {
		t.Fatalf("count.txt has %d lines, want 1 (same executor must run once)", got)
	}
}

func TestExecuteOneShotSkipsWhenStateIsFresh(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := &graph.ScriptConfig{
		Kind:    graph.KindOneShot,
		Ref:     graph.Reference{PackageDir: dir, Name: "build"},
		Command: "echo x >> count.txt",
		Output:  []string{"count.txt"},
	}

	e1 := newTestExecutor(FailureContinue)
	if _, err := e1.execute(context.Background(), cfg); err != nil {
		t.Fatalf("execute #1: %v", err)
	}

	// A fresh Executor (as a new analyze/execute cycle would create) with
	// the identical cfg and unchanged inputs must find the persisted state
	// still matches and skip rerunning the command.
	e2 := newTestExecutor(FailureContinue)
	if _, err := e2.execute(context.Background(), cfg); err != nil {
		t.Fatalf("execute #2: %v", err)
	}

	if got := countLines(t, filepath.Join(dir, "count.txt")); got != 1 {
		t.Fatalf("count.txt has %d lines, want 1 (fresh run must be skipped)", got)
	}
}

func TestExecuteOneShotFailurePropagatesError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := &graph.ScriptConfig{
		Kind:    graph.KindOneShot,
		Ref:     graph.Reference{PackageDir: dir, Name: "build"},
		Command: "exit 7",
	}

	e := newTestExecutor(FailureContinue)
	_, err := e.execute(context.Background(), cfg)
	if err == nil {
		t.Fatalf("expected an error from a non-zero exit")
	}
}

func TestExecuteNoCommandAggregatesDependencies(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	child := &graph.ScriptConfig{
		Kind:    graph.KindOneShot,
		Ref:     graph.Reference{PackageDir: dir, Name: "compile"},
		Command: "true",
	}
	parent := &graph.ScriptConfig{
		Kind:         graph.KindNoCommand,
		Ref:          graph.Reference{PackageDir: dir, Name: "all"},
		Dependencies: []graph.DependencyEdge{{Child: child}},
	}

	e := newTestExecutor(FailureContinue)
	res, err := e.execute(context.Background(), parent)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Fingerprint.Serialized == "" {
		t.Fatalf("expected a fingerprint covering the dependency")
	}
}

func TestExecuteDependencyFailureFailsParent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	child := &graph.ScriptConfig{
		Kind:    graph.KindOneShot,
		Ref:     graph.Reference{PackageDir: dir, Name: "compile"},
		Command: "exit 1",
	}
	parent := &graph.ScriptConfig{
		Kind:         graph.KindOneShot,
		Ref:          graph.Reference{PackageDir: dir, Name: "build"},
		Command:      "touch out.txt",
		Dependencies: []graph.DependencyEdge{{Child: child}},
	}

	e := newTestExecutor(FailureContinue)
	_, err := e.execute(context.Background(), parent)
	if err == nil {
		t.Fatalf("expected the parent to fail when its dependency fails")
	}
	if _, statErr := os.Stat(filepath.Join(dir, "out.txt")); statErr == nil {
		t.Fatalf("parent command must not run once a dependency has failed")
	}
}

func TestFailureNoNewStopsNewOneShotsButNotInFlight(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	slow := &graph.ScriptConfig{
		Kind:    graph.KindOneShot,
		Ref:     graph.Reference{PackageDir: dir, Name: "slow"},
		Command: "sleep 1 && touch slow.txt",
	}
	failing := &graph.ScriptConfig{
		Kind:    graph.KindOneShot,
		Ref:     graph.Reference{PackageDir: dir, Name: "failing"},
		Command: "exit 1",
	}

	e := newTestExecutor(FailureNoNew)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		e.execute(ctx, slow)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	if _, err := e.execute(ctx, failing); err == nil {
		t.Fatalf("expected the failing script to report an error")
	}

	late := &graph.ScriptConfig{
		Kind:    graph.KindOneShot,
		Ref:     graph.Reference{PackageDir: dir, Name: "late"},
		Command: "touch late.txt",
	}
	if _, err := e.execute(ctx, late); err == nil {
		t.Fatalf("expected a new script to be refused once a failure has been recorded")
	}

	<-done
	if _, err := os.Stat(filepath.Join(dir, "slow.txt")); err != nil {
		t.Fatalf("expected the in-flight script to have run to completion: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "late.txt")); err == nil {
		t.Fatalf("the new script must not have run")
	}
}

func TestExecuteTopLevelOneShotReturnsImmediately(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := &graph.ScriptConfig{
		Kind:    graph.KindOneShot,
		Ref:     graph.Reference{PackageDir: dir, Name: "build"},
		Command: "touch out.txt",
	}

	e := newTestExecutor(FailureContinue)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.ExecuteTopLevel(ctx, cfg) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ExecuteTopLevel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("ExecuteTopLevel must return without waiting on ctx for a one-shot root")
	}
}

func TestExecuteTopLevelServiceHoldsUntilContextDone(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := &graph.ScriptConfig{
		Kind:    graph.KindService,
		Ref:     graph.Reference{PackageDir: dir, Name: "server"},
		Command: "sleep 30",
	}

	e := newTestExecutor(FailureContinue)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.ExecuteTopLevel(ctx, cfg) }()

	select {
	case <-done:
		cancel()
		t.Fatalf("ExecuteTopLevel must not return before ctx is done")
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ExecuteTopLevel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("ExecuteTopLevel never returned after ctx was canceled")
	}
}
