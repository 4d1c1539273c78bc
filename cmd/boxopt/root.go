package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/boxopt/internal/config"
	"github.com/copyleftdev/boxopt/internal/logging"
)

type rootOptions struct {
	logLevel  string
	logFormat string
	logger    *logging.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "boxopt",
		Short: "Bound-constrained minimization with L-BFGS-B",
		Long: `boxopt minimizes smooth objectives subject to per-coordinate bounds
using the limited-memory BFGS-B method. Objectives come from a built-in
catalog of benchmark functions.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var format logging.Format
			switch opts.logFormat {
			case "text", "console":
				format = logging.FormatText
			case "json":
				format = logging.FormatJSON
			default:
				return fmt.Errorf("unknown log format %q", opts.logFormat)
			}
			opts.logger = logging.New(logging.ParseLevel(opts.logLevel), cmd.ErrOrStderr()).WithFormat(format)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", config.GetEnv("LOG_LEVEL", "warn"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", config.GetEnv("LOG_FORMAT", "text"), "Log format (text, json)")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newParamsCmd())
	cmd.AddCommand(newObjectivesCmd())
	return cmd
}
