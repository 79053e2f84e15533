package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/specialistvlad/cohortflow/internal/app"
	"github.com/specialistvlad/cohortflow/internal/pipeline"
)

// Exit codes beyond the usual 0/1/2.
const (
	// ExitCompletedWithFailures means the run finished but some cohorts failed.
	ExitCompletedWithFailures = 3
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// ExitFor maps a run's terminal state to the process outcome. A completed
// run is not an error.
func ExitFor(m *pipeline.Manifest) error {
	switch m.State {
	case pipeline.Completed:
		return nil
	case pipeline.CompletedWithFailures:
		return &ExitError{
			Code:    ExitCompletedWithFailures,
			Message: fmt.Sprintf("run %s completed with failed cohorts: %s", m.RunID, strings.Join(m.FailedCohorts, ", ")),
		}
	default:
		msg := fmt.Sprintf("run %s failed", m.RunID)
		if m.Failure != nil {
			msg += ": " + m.Failure.Message
		}
		return &ExitError{Code: 1, Message: msg}
	}
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("cohortflow", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
cohortflow - runs a three-stage genomic cohort pipeline on a local host or a Slurm cluster.

Usage:
  cohortflow [options] -run RUN_ID [CONFIG_PATH]

Arguments:
  CONFIG_PATH
    Path to a single .hcl file or a directory containing .hcl files.

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "", "Path to the pipeline configuration file or directory.")
	cFlag := flagSet.String("c", "", "Path to the pipeline configuration file or directory (shorthand).")
	runFlag := flagSet.String("run", "", "Identifier of the sequencing run to process.")
	workDirFlag := flagSet.String("workdir", "work", "Directory holding one workspace per run.")
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	workersFlag := flagSet.Int("callback-workers", 4, "Number of goroutines delivering asynchronous job callbacks.")
	cancelFlag := flagSet.Duration("cancel-timeout", 30*time.Second, "How long to wait for a backend to acknowledge a cancellation.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	path := ""
	if *configFlag != "" {
		path = *configFlag
	} else if *cFlag != "" {
		path = *cFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	slog.Debug("Config path determined.", "path", path)

	if path == "" {
		slog.Debug("No config path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		ConfigPath:      path,
		RunID:           *runFlag,
		WorkDir:         *workDirFlag,
		HealthcheckPort: *healthPortFlag,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		CallbackWorkers: *workersFlag,
		CancelTimeout:   *cancelFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}
