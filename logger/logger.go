// Package logger holds the process-wide structured logger.
package logger

import (
	"io"
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/pkg/errors"
)

// Logger wraps a logr.Logger with the three levels the tools report at.
type Logger struct {
	logr.Logger
	active bool
	closer io.Closer
}

// WalkLogger is the logger used by every package. It discards output until
// InitializeLogger is called.
var WalkLogger = Logger{Logger: logr.Discard()}

// InitializeLogger enables logging to logfilename (appending) or, when the
// name is empty, to stderr. Verbosity above 0 enables V(n) debug lines.
func InitializeLogger(active bool, logfilename string, verbosity int) error {
	if WalkLogger.closer != nil {
		WalkLogger.closer.Close()
	}
	if !active {
		WalkLogger = Logger{Logger: logr.Discard()}
		return nil
	}

	var w io.Writer = os.Stderr
	var closer io.Closer
	if logfilename != "" {
		file, err := os.OpenFile(logfilename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			return errors.Wrapf(err, "opening log file %s", logfilename)
		}
		w, closer = file, file
	}

	stdr.SetVerbosity(verbosity)
	WalkLogger = Logger{
		Logger: stdr.New(log.New(w, "imgwalk|", log.Ldate|log.Ltime)),
		active: true,
		closer: closer,
	}
	return nil
}

// New returns a logger writing to w, for tests and embedding.
func New(w io.Writer, verbosity int) Logger {
	stdr.SetVerbosity(verbosity)
	return Logger{Logger: stdr.New(log.New(w, "imgwalk|", 0)), active: true}
}

// Active reports whether output is being written anywhere.
func (l Logger) Active() bool {
	return l.active
}

// Info logs a routine event.
func (l Logger) Info(msg string, kv ...any) {
	l.Logger.Info(msg, kv...)
}

// Warning logs a recoverable condition that changed what the caller gets back.
func (l Logger) Warning(msg string, kv ...any) {
	l.Logger.Info(msg, append([]any{"severity", "warning"}, kv...)...)
}

// Error logs a failure.
func (l Logger) Error(err error, msg string, kv ...any) {
	l.Logger.Error(err, msg, kv...)
}

// Debug logs at verbosity 1.
func (l Logger) Debug(msg string, kv ...any) {
	l.Logger.V(1).Info(msg, kv...)
}
