// Package logging configures the process-wide go-logging backend(s) used
// by every other package's per-package logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/term"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/compilecoord/compilecoord/internal/cli"
)

// Re-exports of the underlying library's levels, so callers never need to
// import gopkg.in/op/go-logging.v1 directly just to name a level.
const (
	CRITICAL = logging.CRITICAL
	ERROR    = logging.ERROR
	WARNING  = logging.WARNING
	NOTICE   = logging.NOTICE
	INFO     = logging.INFO
	DEBUG    = logging.DEBUG
)

// StdErrIsATerminal is true if the process' stderr is an interactive TTY.
var StdErrIsATerminal = term.IsTerminal(int(os.Stderr.Fd()))

// Log is the logger cmd/compilecoord uses for its own top-level
// messages, the same way the teacher's please.go logs through
// cli/logging.Log rather than getting its own per-package logger.
var Log = logging.MustGetLogger("compilecoord")

var fileBackend logging.Backend
var fileLevel = toLevel(cli.WarningVerbosity)
var stderrLevel = toLevel(cli.WarningVerbosity)

// toLevel converts a cli.Verbosity to the go-logging level of the same
// name (cli's enum starts one below go-logging's, at MinVerbosity).
func toLevel(v cli.Verbosity) logging.Level { return logging.Level(v - 1) }

// InitLogging sets the stderr backend's level, coloured when attached to a
// terminal.
func InitLogging(verbosity cli.Verbosity) {
	stderrLevel = toLevel(verbosity)
	setBackend()
}

// InitFileLogging additionally mirrors full output into logFile at level,
// independent of the stderr verbosity already set by InitLogging.
func InitFileLogging(logFile string, level cli.Verbosity) error {
	if err := os.MkdirAll(filepath.Dir(logFile), 0775); err != nil {
		return fmt.Errorf("creating log file directory: %w", err)
	}
	file, err := os.Create(logFile)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	fileLevel = toLevel(level)
	fileBackend = logging.NewBackendFormatter(logging.NewLogBackend(file, "", 0), formatter(false))
	setBackend()
	return nil
}

func formatter(coloured bool) logging.Formatter {
	format := "%{time:15:04:05.000} %{level:7s} %{module}: %{message}"
	if coloured {
		format = "%{color}" + format + "%{color:reset}"
	}
	return logging.MustStringFormatter(format)
}

func setBackend() {
	stderr := logging.NewBackendFormatter(logging.NewLogBackend(os.Stderr, "", 0), formatter(StdErrIsATerminal))
	stderrLeveled := logging.AddModuleLevel(stderr)
	stderrLeveled.SetLevel(stderrLevel, "")
	if fileBackend == nil {
		logging.SetBackend(stderrLeveled)
		return
	}
	fileLeveled := logging.AddModuleLevel(fileBackend)
	fileLeveled.SetLevel(fileLevel, "")
	logging.SetBackend(stderrLeveled, fileLeveled)
}
