// Package analyze provides the single-file analysis subcommand.
package analyze

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/keytempo/keytempo-go/internal/analysis"
	"github.com/keytempo/keytempo-go/internal/conf"
)

// Command creates the analyze subcommand.
func Command(settings *conf.Settings) *cobra.Command {
	var (
		timeout    time.Duration
		jsonOut    bool
		noCache    bool
		noWorkers  bool
		noProgress bool
	)

	cmd := &cobra.Command{
		Use:   "analyze [input.wav]",
		Short: "Detect the musical key and tempo of an audio file",
		Long:  `Analyze a WAV file and report its musical key, key signature, tempo in BPM and the confidence of each detection.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := analysis.FileOptions{
				Timeout:        timeout,
				JSON:           jsonOut,
				DisableCache:   noCache,
				DisableWorkers: noWorkers,
				Out:            cmd.OutOrStdout(),
			}
			if !noProgress && !jsonOut {
				opts.Progress = os.Stderr
			}
			return analysis.AnalyzeFile(cmd.Context(), settings, args[0], opts)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-run timeout (0 uses the configured default)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit the result as JSON")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Skip the result cache")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "Run detection inline instead of on worker pools")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Suppress progress output")

	return cmd
}
