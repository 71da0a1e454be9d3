// Package main contains the scriptrun CLI.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"scriptrun/internal/config"
)

// Version is set via -ldflags at build time.
var Version = "dev"

var (
	verbose     bool
	parallelism int
	noCache     bool

	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	subtitleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	errorStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#EF4444"))
)

var rootCmd = &cobra.Command{
	Use:   "scriptrun",
	Short: "An incremental script runner",
	Long: titleStyle.Render("scriptrun") + subtitleStyle.Render(" - an incremental script runner") + `

scriptrun runs the scripts declared under the "scriptrun" stanza of a
package's manifest, tracking their declared dependencies and inputs so
unchanged work is skipped or restored from cache, and supervising
long-running services for the lifetime of whatever depends on them.

` + subtitleStyle.Render("Examples:") + `
  scriptrun run build        Run "build" and everything it depends on
  scriptrun watch test       Re-run "test" whenever its watched files change
  scriptrun validate build   Check the manifest graph without running anything`,
}

// Execute runs the CLI. It is the sole entry point called from main.
func Execute() {
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(Version),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().IntVarP(&parallelism, "parallelism", "p", 0, "maximum concurrent scripts (default: number of CPUs)")
	rootCmd.PersistentFlags().BoolVar(&noCache, "no-cache", false, "disable the local output cache for this invocation")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(validateCmd)
}

// resolvedParallelism returns the effective worker-slot count: the
// --parallelism flag, falling back to the config file, falling back to
// runtime.NumCPU (handled by workerpool.New when given 0).
func resolvedParallelism(cfg config.Config) int {
	if parallelism > 0 {
		return parallelism
	}
	if cfg.Parallelism > 0 {
		return cfg.Parallelism
	}
	return 0
}

func fatalf(format string, args ...any) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("error:")+" "+fmt.Sprintf(format, args...))
	os.Exit(1)
}

// currentDir resolves the package directory scripts run against: the
// current working directory, matching scriptrun's convention of operating
// on the package the CLI was invoked from.
func currentDir() string {
	wd, err := os.Getwd()
	if err != nil {
		fatalf("determine working directory: %v", err)
	}
	return wd
}
