package engine

import (
	"context"
	"fmt"
	"sync"

	"scriptrun/internal/future"
	"scriptrun/internal/supervisor"
	"scriptrun/pkg/fingerprint"
	"scriptrun/pkg/graph"
)

// ServiceState is a ServiceExecution's place in the lifecycle table: it is
// modeled as an explicit tagged variant, not ad hoc booleans, so every
// ingress method is a single exhaustive switch over the current state and
// an unreached case is a programmer error, not a recoverable condition.
type ServiceState int

const (
	ServiceInitial ServiceState = iota
	ServiceFingerprinting
	ServiceAwaitingFirstConsumer
	ServiceStarting
	ServiceStarted
	ServiceStopping
	ServiceStopped
	ServiceFailing
	ServiceFailed
)

func (s ServiceState) String() string {
	switch s {
	case ServiceInitial:
		return "initial"
	case ServiceFingerprinting:
		return "fingerprinting"
	case ServiceAwaitingFirstConsumer:
		return "awaiting-first-consumer"
	case ServiceStarting:
		return "starting"
	case ServiceStarted:
		return "started"
	case ServiceStopping:
		return "stopping"
	case ServiceStopped:
		return "stopped"
	case ServiceFailing:
		return "failing"
	case ServiceFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// entrypointConsumer is the synthetic consumer id ExecuteTopLevel holds on
// a top-level service until abort.
const entrypointConsumer = "\x00entrypoint"

// ServiceExecution is the per-script state machine for a KindService
// ScriptConfig. It is started lazily on first consumer Acquire and stopped
// once the last consumer Releases (or on abort/propagated upstream
// failure).
type ServiceExecution struct {
	cfg      *graph.ScriptConfig
	executor *Executor

	mu        sync.Mutex
	state     ServiceState
	consumers map[string]bool

	fingerprint      fingerprint.Fingerprint
	upstreamServices []*ServiceExecution

	process *supervisor.Process
	done    *future.Future[struct{}]
	started *future.Future[struct{}]
}

func newServiceExecution(cfg *graph.ScriptConfig, e *Executor) *ServiceExecution {
	return &ServiceExecution{
		cfg:       cfg,
		executor:  e,
		state:     ServiceInitial,
		consumers: make(map[string]bool),
		done:      future.New[struct{}](),
		started:   future.New[struct{}](),
	}
}

// ensureFingerprinted drives initial -> fingerprinting -> awaiting-first-
// consumer exactly once, resolving dependencies and computing the
// service's fingerprint along the way. Only the first caller does the work;
// a later caller blocks until the service has reached started and then
// returns the fingerprint the first caller computed.
func (s *ServiceExecution) ensureFingerprinted(ctx context.Context) (fingerprint.Fingerprint, []*ServiceExecution, error) {
	s.mu.Lock()
	switch s.state {
	case ServiceInitial:
		s.state = ServiceFingerprinting
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		s.started.Wait() // fingerprint is settled by the time started resolves
		return s.fingerprintSnapshot()
	}

	depFPs := make(map[string]fingerprint.Fingerprint)
	var upstream []*ServiceExecution
	seen := make(map[string]bool)

	for _, edge := range s.cfg.Dependencies {
		res, err := s.executor.execute(ctx, edge.Child)
		if err != nil {
			s.mu.Lock()
			s.state = ServiceFailed
			s.mu.Unlock()
			s.done.Resolve(struct{}{})
			return fingerprint.Fingerprint{}, nil, fmt.Errorf("dependency %s failed: %w", edge.Child.Ref.String(), err)
		}
		depFPs[edge.Child.Ref.String()] = res.Fingerprint
		for _, svc := range res.Services {
			key := svc.cfg.Ref.String()
			if !seen[key] {
				seen[key] = true
				upstream = append(upstream, svc)
			}
		}
	}

	fp, err := fingerprint.Compute(s.cfg, s.cfg.Ref.PackageDir, s.executor.interpreterVersion, depFPs)
	if err != nil {
		s.mu.Lock()
		s.state = ServiceFailed
		s.mu.Unlock()
		s.done.Resolve(struct{}{})
		return fingerprint.Fingerprint{}, nil, err
	}

	s.mu.Lock()
	s.fingerprint = fp
	s.upstreamServices = upstream
	s.state = ServiceAwaitingFirstConsumer
	s.mu.Unlock()

	return fp, append([]*ServiceExecution{s}, upstream...), nil
}

func (s *ServiceExecution) fingerprintSnapshot() (fingerprint.Fingerprint, []*ServiceExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint, append([]*ServiceExecution{s}, s.upstreamServices...), nil
}

// Acquire registers consumer as requiring this service to be running,
// starting it on the first acquisition, and blocks until the service has
// reached started (or failed).
func (s *ServiceExecution) Acquire(ctx context.Context, consumer string) error {
	s.mu.Lock()
	switch s.state {
	case ServiceAwaitingFirstConsumer:
		s.consumers[consumer] = true
		s.state = ServiceStarting
		s.mu.Unlock()
		return s.start(ctx)
	case ServiceStarting, ServiceStarted:
		s.consumers[consumer] = true
		s.mu.Unlock()
		s.started.Wait()
		return nil
	case ServiceFailed, ServiceFailing:
		s.mu.Unlock()
		return fmt.Errorf("service %s: upstream failed before it could start", s.cfg.Ref.Name)
	default:
		s.mu.Unlock()
		panic(fmt.Sprintf("service %s: Acquire called in state %s", s.cfg.Ref.Name, s.state))
	}
}

// start acquires every upstream service this one depends on (the matching
// Release happens in awaitExit, once this service's own process has
// actually stopped, so an upstream consumer handle is held for exactly the
// lifetime of this service, not indefinitely), spawns the command, and
// arms a watcher on each upstream so this service is torn down if one of
// them later fails on its own, not only on executor-wide abort.
func (s *ServiceExecution) start(ctx context.Context) error {
	consumer := s.cfg.Ref.String()
	acquired := make([]*ServiceExecution, 0, len(s.upstreamServices))
	for _, up := range s.upstreamServices {
		if err := up.Acquire(ctx, consumer); err != nil {
			for _, a := range acquired {
				a.Release(context.Background(), consumer)
			}
			s.mu.Lock()
			s.state = ServiceFailed
			s.mu.Unlock()
			s.done.Resolve(struct{}{})
			return err
		}
		acquired = append(acquired, up)
	}

	env := s.executor.buildEnv(s.cfg.Ref.PackageDir)
	proc := supervisor.Start(ctx, supervisor.Spec{
		Command: s.cfg.Command,
		Dir:     s.cfg.Ref.PackageDir,
		Env:     env,
		Stdout:  s.executor.stdoutSink(s.cfg.Ref),
		Stderr:  s.executor.stderrSink(s.cfg.Ref),
	})

	s.mu.Lock()
	s.process = proc
	s.state = ServiceStarted
	s.mu.Unlock()
	s.started.Resolve(struct{}{})

	s.watchUpstreamFailures()
	go s.awaitExit()
	return nil
}

// watchUpstreamFailures spawns one goroutine per upstream dependency that
// terminates this service once that upstream reaches ServiceFailed, so a
// service depending on another service is torn down as soon as its
// dependency crashes on its own, under any failure mode, not only when
// Executor.killInFlight walks every service on abort. Each watcher exits
// without acting once this service's own Done fires first, so an upstream
// stopped by this service's own (non-failure) shutdown never triggers a
// failure propagation against itself.
func (s *ServiceExecution) watchUpstreamFailures() {
	for _, up := range s.upstreamServices {
		up := up
		go func() {
			select {
			case <-up.Done():
				if up.State() == ServiceFailed {
					s.terminateForPropagatedFailure(context.Background())
				}
			case <-s.done.Done():
			}
		}()
	}
}

func (s *ServiceExecution) awaitExit() {
	<-s.process.Done()
	result := s.process.Result()
	_ = result

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case ServiceStopping:
		s.mu.Lock()
		s.state = ServiceStopped
		s.mu.Unlock()
	case ServiceStarted:
		s.mu.Lock()
		s.state = ServiceFailed
		s.mu.Unlock()
		s.executor.notifyFailure()
	case ServiceFailing:
		s.mu.Lock()
		s.state = ServiceFailed
		s.mu.Unlock()
		s.executor.notifyFailure()
	}

	s.done.Resolve(struct{}{})
	s.releaseUpstream()
}

// releaseUpstream releases this service's consumer handle on every
// upstream it acquired in start, pairing the acquire there now that this
// service has reached a terminal state. Uses a background context since
// this is unconditional cleanup, not bound to whatever ctx this service's
// own Acquire callers passed in.
func (s *ServiceExecution) releaseUpstream() {
	consumer := s.cfg.Ref.String()
	for _, up := range s.upstreamServices {
		up.Release(context.Background(), consumer)
	}
}

// Release removes consumer's handle, stopping the service once no consumer
// remains.
func (s *ServiceExecution) Release(ctx context.Context, consumer string) {
	s.mu.Lock()
	delete(s.consumers, consumer)
	empty := len(s.consumers) == 0
	state := s.state

	switch state {
	case ServiceStarted:
		if !empty {
			s.mu.Unlock()
			return
		}
		s.state = ServiceStopping
		proc := s.process
		s.mu.Unlock()
		if proc != nil {
			_ = proc.Terminate(ctx)
		}
	case ServiceStarting, ServiceStopping, ServiceStopped, ServiceFailing, ServiceFailed, ServiceAwaitingFirstConsumer:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
	}
}

// terminateForPropagatedFailure is invoked when an upstream service this
// one depends on has terminated, per the started -> failing -> failed
// transition on upstream failure.
func (s *ServiceExecution) terminateForPropagatedFailure(ctx context.Context) {
	s.mu.Lock()
	if s.state != ServiceStarted {
		s.mu.Unlock()
		return
	}
	s.state = ServiceFailing
	proc := s.process
	s.mu.Unlock()

	if proc != nil {
		_ = proc.Terminate(ctx)
	}
}

// Done returns a channel closed once the service has reached a terminal
// state (stopped or failed).
func (s *ServiceExecution) Done() <-chan struct{} {
	return s.done.Done()
}

func (s *ServiceExecution) State() ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
