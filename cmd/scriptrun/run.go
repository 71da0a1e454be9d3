package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"scriptrun/internal/cache"
	"scriptrun/internal/config"
	"scriptrun/internal/engine"
	"scriptrun/internal/workerpool"
	"scriptrun/pkg/graph"
)

var runFailureMode string

var runCmd = &cobra.Command{
	Use:   "run <script>",
	Short: "Analyze and run a script and its dependencies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(args[0])
	},
}

func init() {
	runCmd.Flags().StringVar(&runFailureMode, "on-failure", "continue", "one of: continue, no-new, kill")
}

func parseFailureMode(s string) (engine.FailureMode, error) {
	switch s {
	case "continue":
		return engine.FailureContinue, nil
	case "no-new":
		return engine.FailureNoNew, nil
	case "kill":
		return engine.FailureKill, nil
	default:
		return 0, fmt.Errorf("unknown --on-failure value %q", s)
	}
}

func newLogger() *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: false})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.InfoLevel)
	}
	return logger
}

func buildExecutor(cfg *config.Config, mode engine.FailureMode, logger *log.Logger) (*engine.Executor, error) {
	var cch cache.Cache
	if noCache || cfg.Cache == config.CacheModeNone {
		cch = cache.None{}
	} else {
		dir := cfg.CacheDir
		if dir == "" {
			dir = filepath.Join(currentDir(), ".scriptrun", "cache")
		}
		local, err := cache.NewLocal(dir)
		if err != nil {
			return nil, fmt.Errorf("initializing cache: %w", err)
		}
		cch = local
	}

	pool := workerpool.New(resolvedParallelism(*cfg))
	return engine.New(pool, cch, mode, interpreterVersion(), logger), nil
}

// interpreterVersion identifies the shell interpreter scripts are folded
// into the fingerprint under, so a shell upgrade invalidates stale caches.
func interpreterVersion() string {
	if v := os.Getenv("SCRIPTRUN_SHELL_VERSION"); v != "" {
		return v
	}
	return "default"
}

func runOnce(name string) error {
	cfg := config.Get()
	logger := newLogger()

	mode, err := parseFailureMode(runFailureMode)
	if err != nil {
		return err
	}

	entry := graph.Reference{PackageDir: currentDir(), Name: name}
	root, diags, src := graph.Analyze(entry)
	if hasAnyErrors(diags) {
		printDiagnostics(diags, entry, src)
		return fmt.Errorf("analysis failed")
	}
	if len(diags) > 0 {
		printDiagnostics(diags, entry, src)
	}

	exec, err := buildExecutor(cfg, mode, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return exec.ExecuteTopLevel(ctx, root)
}

func hasAnyErrors(diags []graph.Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == graph.SeverityError {
			return true
		}
	}
	return false
}

func printDiagnostics(diags []graph.Diagnostic, entry graph.Reference, src graph.MapSource) {
	graph.Print(os.Stderr, diags, src, entry.PackageDir)
}
