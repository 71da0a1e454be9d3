package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"scriptrun/pkg/graph"
)

var validateCmd = &cobra.Command{
	Use:   "validate <script>",
	Short: "Analyze a script's dependency graph and report diagnostics without running anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entry := graph.Reference{PackageDir: currentDir(), Name: args[0]}
		_, diags, src := graph.Analyze(entry)

		if len(diags) == 0 {
			fmt.Println("no problems found")
			return nil
		}

		printDiagnostics(diags, entry, src)
		if hasAnyErrors(diags) {
			os.Exit(1)
		}
		return nil
	},
}
