package commands

import (
	"github.com/spf13/cobra"
)

var flagConfigPath string

var rootCmd = &cobra.Command{
	Use:   "opencane",
	Short: "OpenCane runtime: the backend server for a fleet of assistive smart canes",
	Long: `opencane runs the device-facing control plane described in the
project's runtime specification: session management, the ingest and vision
pipelines, the audio pipeline, the digital task executor, the safety gate,
and the control HTTP surface, all wired from a single YAML config file.

Examples:
  opencane run --config /etc/opencane/opencane.yaml
  opencane config validate --config ./opencane.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "./opencane.yaml", "path to opencane.yaml")
}

// configError marks a failure to load or validate config (exit code 1).
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// startupError marks a failure to bring up a required dependency under
// strict_startup (exit code 2).
type startupError struct{ err error }

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

// ExitCode maps a returned error to the process exit code: 0 is handled by
// main before ExitCode is ever consulted (nil error), 1 is a config
// problem, 2 is a strict-startup dependency failure, and anything else is
// a generic runtime error.
func ExitCode(err error) int {
	switch err.(type) {
	case *configError:
		return 1
	case *startupError:
		return 2
	default:
		return 1
	}
}
