package engine

import (
	"context"
	"testing"
	"time"

	"scriptrun/internal/cache"
	"scriptrun/internal/workerpool"
	"scriptrun/pkg/graph"
)

func TestServiceAcquireStartsOnFirstConsumer(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := &graph.ScriptConfig{
		Kind:    graph.KindService,
		Ref:     graph.Reference{PackageDir: dir, Name: "server"},
		Command: "sleep 30",
	}

	e := New(workerpool.New(2), cache.None{}, FailureContinue, "test", nil)
	svc := e.getOrCreateService(cfg)

	if _, _, err := svc.ensureFingerprinted(context.Background()); err != nil {
		t.Fatalf("ensureFingerprinted: %v", err)
	}
	if got := svc.State(); got != ServiceAwaitingFirstConsumer {
		t.Fatalf("state = %s, want awaiting-first-consumer", got)
	}

	if err := svc.Acquire(context.Background(), "consumer-a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := svc.State(); got != ServiceStarted {
		t.Fatalf("state = %s, want started", got)
	}
}

func TestServiceSecondConsumerDoesNotRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := &graph.ScriptConfig{
		Kind:    graph.KindService,
		Ref:     graph.Reference{PackageDir: dir, Name: "server"},
		Command: "sleep 30",
	}

	e := New(workerpool.New(2), cache.None{}, FailureContinue, "test", nil)
	svc := e.getOrCreateService(cfg)
	svc.ensureFingerprinted(context.Background())

	if err := svc.Acquire(context.Background(), "a"); err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	proc1 := svc.process

	if err := svc.Acquire(context.Background(), "b"); err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	if svc.process != proc1 {
		t.Fatalf("second Acquire must not start a new process")
	}
	if len(svc.consumers) != 2 {
		t.Fatalf("consumers = %d, want 2", len(svc.consumers))
	}
}

func TestServiceReleaseStopsOnlyAfterLastConsumer(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := &graph.ScriptConfig{
		Kind:    graph.KindService,
		Ref:     graph.Reference{PackageDir: dir, Name: "server"},
		Command: "sleep 30",
	}

	e := New(workerpool.New(2), cache.None{}, FailureContinue, "test", nil)
	svc := e.getOrCreateService(cfg)
	svc.ensureFingerprinted(context.Background())

	svc.Acquire(context.Background(), "a")
	svc.Acquire(context.Background(), "b")

	svc.Release(context.Background(), "a")
	if got := svc.State(); got != ServiceStarted {
		t.Fatalf("state = %s, want started while a consumer remains", got)
	}

	svc.Release(context.Background(), "b")

	select {
	case <-svc.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("service never stopped after the last consumer released")
	}
	if got := svc.State(); got != ServiceStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
}

func TestServiceSpontaneousExitTransitionsToFailed(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := &graph.ScriptConfig{
		Kind:    graph.KindService,
		Ref:     graph.Reference{PackageDir: dir, Name: "server"},
		Command: "exit 1",
	}

	e := New(workerpool.New(2), cache.None{}, FailureContinue, "test", nil)
	svc := e.getOrCreateService(cfg)
	svc.ensureFingerprinted(context.Background())

	if err := svc.Acquire(context.Background(), "a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	select {
	case <-svc.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("service never reached a terminal state after spontaneous exit")
	}
	if got := svc.State(); got != ServiceFailed {
		t.Fatalf("state = %s, want failed", got)
	}
}

func TestServiceUpstreamDependencyIsAcquiredBeforeStart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	upstreamCfg := &graph.ScriptConfig{
		Kind:    graph.KindService,
		Ref:     graph.Reference{PackageDir: dir, Name: "db"},
		Command: "sleep 30",
	}
	cfg := &graph.ScriptConfig{
		Kind:         graph.KindService,
		Ref:          graph.Reference{PackageDir: dir, Name: "server"},
		Command:      "sleep 30",
		Dependencies: []graph.DependencyEdge{{Child: upstreamCfg}},
	}

	e := New(workerpool.New(2), cache.None{}, FailureContinue, "test", nil)
	svc := e.getOrCreateService(cfg)

	if _, services, err := svc.ensureFingerprinted(context.Background()); err != nil {
		t.Fatalf("ensureFingerprinted: %v", err)
	} else if len(services) != 2 {
		t.Fatalf("expected the service plus its upstream dependency, got %d", len(services))
	}

	if err := svc.Acquire(context.Background(), "a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	upstream := e.getOrCreateService(upstreamCfg)
	if got := upstream.State(); got != ServiceStarted {
		t.Fatalf("upstream state = %s, want started once the dependent has started", got)
	}
}

func TestTerminateForPropagatedFailureOnlyActsWhenStarted(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := &graph.ScriptConfig{
		Kind:    graph.KindService,
		Ref:     graph.Reference{PackageDir: dir, Name: "server"},
		Command: "sleep 30",
	}

	e := New(workerpool.New(2), cache.None{}, FailureContinue, "test", nil)
	svc := e.getOrCreateService(cfg)

	// Before the service has ever started, this must be a no-op rather
	// than a panic or a transition from an unexpected state.
	svc.terminateForPropagatedFailure(context.Background())
	if got := svc.State(); got != ServiceInitial {
		t.Fatalf("state = %s, want initial (no-op before start)", got)
	}

	svc.ensureFingerprinted(context.Background())
	svc.Acquire(context.Background(), "a")

	svc.terminateForPropagatedFailure(context.Background())

	select {
	case <-svc.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("service never reached a terminal state after propagated failure")
	}
}

func TestServiceReleasesUpstreamOnceItStops(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	upstreamCfg := &graph.ScriptConfig{
		Kind:    graph.KindService,
		Ref:     graph.Reference{PackageDir: dir, Name: "db"},
		Command: "sleep 30",
	}
	cfg := &graph.ScriptConfig{
		Kind:         graph.KindService,
		Ref:          graph.Reference{PackageDir: dir, Name: "server"},
		Command:      "sleep 30",
		Dependencies: []graph.DependencyEdge{{Child: upstreamCfg}},
	}

	e := New(workerpool.New(2), cache.None{}, FailureContinue, "test", nil)
	svc := e.getOrCreateService(cfg)
	svc.ensureFingerprinted(context.Background())

	if err := svc.Acquire(context.Background(), "a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	upstream := e.getOrCreateService(upstreamCfg)
	if got := upstream.State(); got != ServiceStarted {
		t.Fatalf("upstream state = %s, want started", got)
	}

	svc.Release(context.Background(), "a")

	select {
	case <-svc.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("dependent service never stopped after its last consumer released")
	}

	// The dependent was upstream's only consumer handle, so upstream must
	// have been released and stopped too — not left running forever.
	select {
	case <-upstream.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("upstream was never released once the dependent service stopped")
	}
	if got := upstream.State(); got != ServiceStopped {
		t.Fatalf("upstream state = %s, want stopped", got)
	}
}

func TestServiceUpstreamFailurePropagatesDuringNormalOperation(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	upstreamCfg := &graph.ScriptConfig{
		Kind:    graph.KindService,
		Ref:     graph.Reference{PackageDir: dir, Name: "db"},
		Command: "exit 1",
	}
	cfg := &graph.ScriptConfig{
		Kind:         graph.KindService,
		Ref:          graph.Reference{PackageDir: dir, Name: "server"},
		Command:      "sleep 30",
		Dependencies: []graph.DependencyEdge{{Child: upstreamCfg}},
	}

	// FailureContinue: propagation here must come from watchUpstreamFailures
	// noticing the upstream's own spontaneous exit, not from
	// Executor.killInFlight, which FailureContinue never invokes.
	e := New(workerpool.New(2), cache.None{}, FailureContinue, "test", nil)
	svc := e.getOrCreateService(cfg)
	svc.ensureFingerprinted(context.Background())

	if err := svc.Acquire(context.Background(), "a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	select {
	case <-svc.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("dependent service was never torn down after its upstream failed on its own")
	}
	if got := svc.State(); got != ServiceFailed {
		t.Fatalf("state = %s, want failed once the upstream dependency crashed", got)
	}
}
