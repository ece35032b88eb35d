// Package cli implements the loadgen command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/loadgen/internal/config"
	"github.com/wesleyorama2/loadgen/internal/load"
	"github.com/wesleyorama2/loadgen/internal/metrics"
)

var version = "0.1.0"

// Exit codes. ExitUsage also covers any error not listed here, such as an
// invalid --log-level.
const (
	ExitOK                = 0
	ExitUsage             = 1
	ExitConfig            = 2
	ExitTargetUnreachable = 3
	ExitAggregationFault  = 4
	ExitOutput            = 5
)

// errOutput marks a failure to write the report to stdout or --out.
var errOutput = errors.New("write report")

// NewRootCmd builds the command tree writing to the given streams.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:     "loadgen",
		Short:   "A constant-VU HTTP load generator",
		Version: version,
		Long: `loadgen runs a fixed number of virtual users against a single HTTP
endpoint for a fixed duration and reports throughput, latency percentiles,
status codes and error kinds.

  loadgen run --config test.yaml
  loadgen run --url https://api.example.com/health --vus 50 --duration 1m`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			// If no subcommand is provided, print help
			_ = cmd.Help()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(newRunCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the command line with os.Args and returns the process exit code.
func Execute() int {
	return execute(os.Args[1:], os.Stdout, os.Stderr)
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd(stdout, stderr)
	// A nil slice makes cobra fall back to os.Args.
	root.SetArgs(append([]string{}, args...))

	err := root.Execute()
	if err != nil && !errors.Is(err, load.ErrTargetUnreachable) {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return ExitCode(err)
}

// ExitCode maps an error returned by a command to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var cfgErr *config.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		return ExitConfig
	case errors.Is(err, metrics.ErrAggregationFault):
		return ExitAggregationFault
	case errors.Is(err, errOutput):
		return ExitOutput
	case errors.Is(err, load.ErrTargetUnreachable):
		return ExitTargetUnreachable
	default:
		return ExitUsage
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "loadgen %s\n", version)
		},
	}
}
