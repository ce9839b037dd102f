// Package main is the medulla CLI: a local cognitive agent runtime with a
// conversational request path, governed tool execution, and autonomous
// background loops.
//
// Start the runtime:
//
//	medulla serve --config medulla.yaml
//
// Talk to a running instance:
//
//	medulla chat
//
// Review the captain's log:
//
//	medulla journal list --status awaiting_approval
//	medulla journal approve CL-2026-08-25-001
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/medulla-ai/medulla/internal/config"
	"github.com/medulla-ai/medulla/internal/governance"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor applies the doctor exit-code contract everywhere:
// configuration and governance problems exit 2, everything else 1.
func exitCodeFor(err error) int {
	var verrs governance.ValidationErrors
	if errors.Is(err, config.ErrInvalid) || errors.As(err, &verrs) {
		return exitConfig
	}
	return 1
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "medulla",
		Short: "Medulla - local cognitive agent runtime",
		Long: `Medulla runs a local-first agent: an orchestrated request path over
local chat-completions backends, governed tool execution, and a brainstem of
background loops that consolidate memory, watch quality, and tune thresholds.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildSessionsCmd(),
		buildJournalCmd(),
		buildReportCmd(),
		buildDoctorCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}
