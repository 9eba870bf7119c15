// Package cmd assembles the CLI command tree.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/keytempo/keytempo-go/cmd/analyze"
	"github.com/keytempo/keytempo-go/internal/conf"
	"github.com/keytempo/keytempo-go/internal/logging"
)

// RootCommand creates and returns the root command.
func RootCommand(settings *conf.Settings) *cobra.Command {
	var (
		configPath string
		logFile    string
		debug      bool
		closeLog   func() error
	)

	rootCmd := &cobra.Command{
		Use:          "keytempo",
		Short:        "Musical key and tempo analyzer",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write rotated JSON logs to this file instead of stderr")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if debug {
			level = slog.LevelDebug
		}
		if logFile != "" {
			var err error
			closeLog, err = logging.InitFile(logFile, level, logging.FileLoggerOptions{})
			if err != nil {
				return err
			}
		} else {
			logging.Init(cmd.ErrOrStderr(), level)
		}

		loaded, err := conf.Load(configPath)
		if err != nil {
			return err
		}
		*settings = *loaded
		return nil
	}

	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			_ = closeLog()
		}
	}

	rootCmd.AddCommand(analyze.Command(settings))

	return rootCmd
}
