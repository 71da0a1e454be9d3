package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"scriptrun/internal/config"
	"scriptrun/internal/engine"
	"scriptrun/internal/watch"
	"scriptrun/pkg/graph"
)

var watchFailureMode string

var watchCmd = &cobra.Command{
	Use:   "watch <script>",
	Short: "Re-run a script and its dependencies whenever their watched files change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchLoop(args[0])
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchFailureMode, "on-failure", "continue", "one of: continue, no-new, kill")
}

func watchLoop(name string) error {
	cfg := config.Get()
	logger := newLogger()

	mode, err := parseFailureMode(watchFailureMode)
	if err != nil {
		return err
	}

	entry := graph.Reference{PackageDir: currentDir(), Name: name}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return watch.Run(ctx, entry, watch.Options{
		ClearScreen: true,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		NewExecutor: func() *engine.Executor {
			exec, buildErr := buildExecutor(cfg, mode, logger)
			if buildErr != nil {
				fatalf("building executor: %v", buildErr)
			}
			return exec
		},
	})
}
