// Package engine is the single per-invocation coordinator: it dispatches
// each script to one of three execution variants (no-command, one-shot,
// service), enforces the failure-mode policy, and owns the shared
// worker-slot pool and cache handle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"scriptrun/internal/cache"
	"scriptrun/internal/future"
	"scriptrun/internal/supervisor"
	"scriptrun/internal/workerpool"
	"scriptrun/pkg/fingerprint"
	"scriptrun/pkg/graph"
)

// ExecResult is one script's execution outcome: its fingerprint (valid
// whenever Err is nil) and the set of services a downstream consumer must
// itself hold a consumer handle on.
type ExecResult struct {
	Fingerprint fingerprint.Fingerprint
	Services    []*ServiceExecution
	Err         error
}

// Executor is the per-invocation coordinator described in the package doc.
// It must not be reused across invocations; create a fresh one per
// analyze/execute cycle (the watcher does exactly this).
type Executor struct {
	pool                *workerpool.Pool
	cache               cache.Cache
	mode                FailureMode
	interpreterVersion  string
	log                 *log.Logger

	mu          sync.Mutex
	memo        map[string]*future.Future[ExecResult]
	services    map[string]*ServiceExecution
	failed      bool
	stoppingNew bool
	runningProc map[*supervisor.Process]struct{}
}

// New creates an Executor. pool and cch are shared collaborators owned by
// the caller (typically the CLI entry point); mode selects the
// failure-mode policy.
func New(pool *workerpool.Pool, cch cache.Cache, mode FailureMode, interpreterVersion string, logger *log.Logger) *Executor {
	if cch == nil {
		cch = cache.None{}
	}
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.With("invocation", uuid.NewString())
	return &Executor{
		pool:               pool,
		cache:              cch,
		mode:               mode,
		interpreterVersion: interpreterVersion,
		log:                logger,
		memo:               make(map[string]*future.Future[ExecResult]),
		services:           make(map[string]*ServiceExecution),
		runningProc:        make(map[*supervisor.Process]struct{}),
	}
}

// execute runs cfg's execution variant, memoized per ScriptReference: a
// given script is executed at most once per Executor.
func (e *Executor) execute(ctx context.Context, cfg *graph.ScriptConfig) (ExecResult, error) {
	key := cfg.Ref.String()

	e.mu.Lock()
	fut, exists := e.memo[key]
	if !exists {
		fut = future.New[ExecResult]()
		e.memo[key] = fut
	}
	e.mu.Unlock()

	if !exists {
		go func() {
			fut.Resolve(e.dispatch(ctx, cfg))
		}()
	}

	res := fut.Wait()
	return res, res.Err
}

func (e *Executor) dispatch(ctx context.Context, cfg *graph.ScriptConfig) ExecResult {
	switch cfg.Kind {
	case graph.KindNoCommand:
		return e.runNoCommand(ctx, cfg)
	case graph.KindOneShot:
		return e.runOneShot(ctx, cfg)
	case graph.KindService:
		return e.runService(ctx, cfg)
	default:
		return ExecResult{Err: fmt.Errorf("script %s: unknown kind", cfg.Ref.Name)}
	}
}

// resolveDeps executes every dependency of cfg, in a randomized order to
// surface undeclared ordering assumptions in user graphs, and returns their
// fingerprints keyed by reference string plus the deduplicated union of
// services they require.
func (e *Executor) resolveDeps(ctx context.Context, cfg *graph.ScriptConfig) (map[string]fingerprint.Fingerprint, []*ServiceExecution, error) {
	edges := append([]graph.DependencyEdge(nil), cfg.Dependencies...)
	rand.Shuffle(len(edges), func(i, j int) { edges[i], edges[j] = edges[j], edges[i] })

	type depResult struct {
		ref string
		res ExecResult
		err error
	}
	results := make([]depResult, len(edges))

	var wg sync.WaitGroup
	for i, edge := range edges {
		wg.Add(1)
		go func(i int, edge graph.DependencyEdge) {
			defer wg.Done()
			res, err := e.execute(ctx, edge.Child)
			results[i] = depResult{ref: edge.Child.Ref.String(), res: res, err: err}
		}(i, edge)
	}
	wg.Wait()

	fps := make(map[string]fingerprint.Fingerprint, len(edges))
	seen := make(map[string]bool)
	var services []*ServiceExecution
	var firstErr error

	for _, r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("dependency %s failed: %w", r.ref, r.err)
			}
			continue
		}
		fps[r.ref] = r.res.Fingerprint
		for _, svc := range r.res.Services {
			key := svc.cfg.Ref.String()
			if !seen[key] {
				seen[key] = true
				services = append(services, svc)
			}
		}
	}

	return fps, services, firstErr
}

func (e *Executor) runNoCommand(ctx context.Context, cfg *graph.ScriptConfig) ExecResult {
	depFPs, services, err := e.resolveDeps(ctx, cfg)
	if err != nil {
		return ExecResult{Services: services, Err: err}
	}

	fp, err := fingerprint.Compute(cfg, cfg.Ref.PackageDir, e.interpreterVersion, depFPs)
	if err != nil {
		return ExecResult{Err: err}
	}

	e.log.Debug("no-command", "script", cfg.Ref.Name)
	return ExecResult{Fingerprint: fp, Services: services}
}

func (e *Executor) runService(ctx context.Context, cfg *graph.ScriptConfig) ExecResult {
	svc := e.getOrCreateService(cfg)
	fp, services, err := svc.ensureFingerprinted(ctx)
	return ExecResult{Fingerprint: fp, Services: services, Err: err}
}

func (e *Executor) getOrCreateService(cfg *graph.ScriptConfig) *ServiceExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := cfg.Ref.String()
	if svc, ok := e.services[key]; ok {
		return svc
	}
	svc := newServiceExecution(cfg, e)
	e.services[key] = svc
	return svc
}

var errSkippedStoppingNew = errors.New("skipped: executor is not starting new scripts")

func (e *Executor) runOneShot(ctx context.Context, cfg *graph.ScriptConfig) ExecResult {
	if e.isStoppingNew() {
		return ExecResult{Err: errSkippedStoppingNew}
	}

	depFPs, services, err := e.resolveDeps(ctx, cfg)
	if err != nil {
		return ExecResult{Services: services, Err: err}
	}

	consumerID := cfg.Ref.String()
	acquired := make([]*ServiceExecution, 0, len(services))
	for _, svc := range services {
		if err := svc.Acquire(ctx, consumerID); err != nil {
			for _, a := range acquired {
				a.Release(ctx, consumerID)
			}
			return ExecResult{Err: fmt.Errorf("acquiring service %s: %w", svc.cfg.Ref.Name, err)}
		}
		acquired = append(acquired, svc)
	}
	defer func() {
		for _, svc := range acquired {
			svc.Release(ctx, consumerID)
		}
	}()

	fp, err := fingerprint.Compute(cfg, cfg.Ref.PackageDir, e.interpreterVersion, depFPs)
	if err != nil {
		return ExecResult{Err: err}
	}

	pkgDir := cfg.Ref.PackageDir

	if lastFP, lastCount, ok := loadState(cfg.Ref); ok && lastFP == fp.Serialized && outputsPresent(pkgDir, cfg.Output) {
		e.log.Info("Already fresh", "script", cfg.Ref.Name)
		_ = lastCount
		return ExecResult{Fingerprint: fp, Services: services}
	}

	if fp.Cacheable {
		if hit, _ := e.cache.Has(fp.Serialized); hit {
			if ok, _ := e.cache.Get(fp.Serialized, pkgDir); ok {
				_ = saveState(cfg.Ref, fp.Serialized, fp.FileCount)
				e.log.Info("cached", "script", cfg.Ref.Name)
				return ExecResult{Fingerprint: fp, Services: services}
			}
		}
	}

	if shouldClean(cfg, pkgDir) {
		removeOutputs(pkgDir, cfg.Output)
	}

	if e.isStoppingNew() {
		return ExecResult{Err: errSkippedStoppingNew}
	}

	if err := e.pool.Acquire(ctx); err != nil {
		return ExecResult{Err: fmt.Errorf("acquiring worker slot: %w", err)}
	}
	defer e.pool.Release()

	proc := supervisor.Start(ctx, supervisor.Spec{
		Command: cfg.Command,
		Dir:     pkgDir,
		Env:     e.buildEnv(pkgDir),
		Stdout:  e.stdoutSink(cfg.Ref),
		Stderr:  e.stderrSink(cfg.Ref),
	})
	e.trackProcess(proc)
	defer e.untrackProcess(proc)

	<-proc.Done()
	result := proc.Result()

	if !result.Success() {
		e.notifyFailure()
		return ExecResult{Err: executionError(cfg.Ref.Name, result)}
	}

	if fp.Cacheable {
		_ = e.cache.Put(fp.Serialized, pkgDir, cfg.Output)
	}
	_ = saveState(cfg.Ref, fp.Serialized, fp.FileCount)

	return ExecResult{Fingerprint: fp, Services: services}
}

func shouldClean(cfg *graph.ScriptConfig, pkgDir string) bool {
	switch cfg.Clean {
	case graph.CleanTrue:
		return true
	case graph.CleanIfFileDeleted:
		_, lastCount, ok := loadState(cfg.Ref)
		if !ok {
			return false
		}
		current, err := fingerprint.Compute(cfg, pkgDir, "", nil)
		if err != nil {
			return false
		}
		return current.FileCount < lastCount
	default:
		return false
	}
}

func executionError(name string, r supervisor.Result) error {
	switch r.Kind {
	case supervisor.ResultExitNonZero:
		return fmt.Errorf("script %s: exited with status %d", name, r.Status)
	case supervisor.ResultSignal:
		return fmt.Errorf("script %s: killed by signal %s", name, r.Signal)
	case supervisor.ResultSpawnError:
		return fmt.Errorf("script %s: failed to spawn: %s", name, r.Message)
	case supervisor.ResultTerminated:
		return fmt.Errorf("script %s: terminated", name)
	default:
		return fmt.Errorf("script %s: unknown failure", name)
	}
}

func (e *Executor) isStoppingNew() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stoppingNew
}

// notifyFailure records the first failure of this invocation and applies
// the failure-mode policy. Safe to call more than once; only the first
// call has any effect.
func (e *Executor) notifyFailure() {
	e.mu.Lock()
	if e.failed {
		e.mu.Unlock()
		return
	}
	e.failed = true
	mode := e.mode
	e.mu.Unlock()

	if mode == FailureContinue {
		return
	}

	e.mu.Lock()
	e.stoppingNew = true
	e.mu.Unlock()

	if mode == FailureKill {
		e.killInFlight()
	}
}

// Abort implements the external abort path: it always applies kill
// semantics regardless of the configured failure mode.
func (e *Executor) Abort(ctx context.Context) {
	e.mu.Lock()
	e.failed = true
	e.stoppingNew = true
	e.mu.Unlock()
	e.killInFlight()
}

func (e *Executor) killInFlight() {
	e.mu.Lock()
	procs := make([]*supervisor.Process, 0, len(e.runningProc))
	for p := range e.runningProc {
		procs = append(procs, p)
	}
	services := make([]*ServiceExecution, 0, len(e.services))
	for _, s := range e.services {
		services = append(services, s)
	}
	e.mu.Unlock()

	ctx := context.Background()
	for _, p := range procs {
		_ = p.Terminate(ctx)
	}
	for _, s := range services {
		if st := s.State(); st == ServiceStarting || st == ServiceStarted {
			s.terminateForPropagatedFailure(ctx)
		}
	}
}

func (e *Executor) trackProcess(p *supervisor.Process) {
	e.mu.Lock()
	e.runningProc[p] = struct{}{}
	e.mu.Unlock()
}

func (e *Executor) untrackProcess(p *supervisor.Process) {
	e.mu.Lock()
	delete(e.runningProc, p)
	e.mu.Unlock()
}

func (e *Executor) buildEnv(pkgDir string) []string {
	return supervisor.BuildEnv(pkgDir, envLines())
}

func envLines() []string {
	return osEnviron()
}

// stdoutSink and stderrSink return writers that forward a script's output
// to the tool's own stdout/stderr; per §5's ordering guarantee, each
// script's own chunks stay in the order it produced them since a single
// *os.File write is never split across goroutines for one process.
func (e *Executor) stdoutSink(ref graph.Reference) io.Writer {
	return newStdoutWriter(ref)
}

func (e *Executor) stderrSink(ref graph.Reference) io.Writer {
	return newStderrWriter(ref)
}

// ExecuteTopLevel executes root and, when root is not itself a one-shot
// command (i.e. it is a service or a no-command script that merely passes
// services through), holds an entrypoint consumer handle on every service
// the root exposes until ctx is done, per the top-level service rule in the
// watcher/executor contract.
func (e *Executor) ExecuteTopLevel(ctx context.Context, root *graph.ScriptConfig) error {
	res, err := e.execute(ctx, root)
	if err != nil {
		return err
	}

	if root.Kind == graph.KindOneShot {
		return nil
	}

	for _, svc := range res.Services {
		if err := svc.Acquire(ctx, entrypointConsumer); err != nil {
			e.log.Error("entrypoint service failed to start", "service", svc.cfg.Ref.Name, "err", err)
		}
	}

	<-ctx.Done()

	for _, svc := range res.Services {
		svc.Release(ctx, entrypointConsumer)
	}
	return nil
}
