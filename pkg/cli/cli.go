// Package cli is the cukerun command tree. A test binary builds its support
// code library in a RegisterFunc and hands it to Main.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/cukerun/pkg/config"
	"github.com/ormasoftchile/cukerun/pkg/protocol"
	"github.com/ormasoftchile/cukerun/pkg/runtime"
	"github.com/ormasoftchile/cukerun/pkg/support"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

// Exit codes.
const (
	ExitSuccess     = 0
	ExitTestsFailed = 1
	ExitFatal       = 2
)

// RegisterFunc defines the step definitions, hooks and parameter types of
// a test binary.
type RegisterFunc func(b *support.Builder) error

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ErrTestsFailed is returned by the run command when the run completed but
// did not succeed.
var ErrTestsFailed = errors.New("tests failed")

// ServeFunc drives a prepared runtime to the end of the run.
type ServeFunc func(ctx context.Context, rt *runtime.Runtime) (bool, error)

// App holds what the commands need beyond their flags.
type App struct {
	Register RegisterFunc
	// Serve defaults to starting the configured runner process.
	Serve ServeFunc
}

// NewRootCommand builds the command tree for register.
func NewRootCommand(register RegisterFunc) *cobra.Command {
	return (&App{Register: register}).Command()
}

// Command builds the command tree.
func (a *App) Command() *cobra.Command {
	root := &cobra.Command{
		Use:           "cukerun",
		Short:         "Cucumber runtime orchestrator",
		Long:          "cukerun executes support code on behalf of an external pickle runner and reports the results.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(a.runCommand())
	root.AddCommand(schemaCommand())
	root.AddCommand(versionCommand())
	return root
}

// Main runs the command line and exits the process.
func Main(register RegisterFunc) {
	os.Exit(Execute(NewRootCommand(register), os.Args[1:]))
}

// Execute runs root with args and maps the outcome to an exit code.
func Execute(root *cobra.Command, args []string) int {
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return ExitSuccess
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		if exit.Code != ExitTestsFailed {
			fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
		}
		return exit.Code
	}
	fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
	return ExitFatal
}

func schemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "schema [config|start|command]",
		Short:     "Print a JSON Schema",
		Long:      "Print the JSON Schema of cukerun.yaml (config) or of the pickle runner protocol messages (start, command).",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"config", "start", "command"},
		RunE: func(cmd *cobra.Command, args []string) error {
			which := "config"
			if len(args) == 1 {
				which = args[0]
			}
			var gen func() ([]byte, error)
			switch which {
			case "config":
				gen = config.GenerateJSONSchema
			case "start", "protocol":
				gen = protocol.GenerateStartJSONSchema
			case "command":
				gen = protocol.GenerateCommandJSONSchema
			default:
				return fmt.Errorf("unknown schema %q, expected config, start or command", which)
			}
			data, err := gen()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cukerun %s (commit %s)\n", version, commit)
		},
	}
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
