// Package telemetry wires a structured logger, built on logiface and its
// stumpy backend, for every subsystem that wants one. There is no
// package-level logger: New constructs one instance, to be threaded
// explicitly into the pieces that need it (through AllocFailureLogger, the
// reactor pool and each loadgen worker). The stats monitor and the
// replication checker take no logger; cmd/ldclt logs their events itself.
package telemetry

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete event type every component logs through.
type Logger = logiface.Logger[*stumpy.Event]

// Config controls where and how the logger writes. A zero Config writes
// line-delimited JSON to os.Stderr with the default field names.
type Config struct {
	// Writer receives one line per log event. Defaults to os.Stderr.
	Writer io.Writer

	// Quiet disables informational logging entirely (only warnings and
	// above are emitted), for -q/-v-style verbosity control.
	Quiet bool
}

// New builds a Logger per cfg.
func New(cfg Config) *Logger {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}

	opts := []logiface.Option[*stumpy.Event]{
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
	}
	if cfg.Quiet {
		opts = append(opts, logiface.WithLevel[*stumpy.Event](logiface.LevelWarning))
	}

	return stumpy.L.New(opts...)
}

// AllocFailureLogger adapts a Logger to reactor.AllocFailureLogger,
// without giving the reactor package a dependency on logiface.
type AllocFailureLogger struct {
	Logger *Logger
}

// LogAllocFailure implements reactor.AllocFailureLogger.
func (a AllocFailureLogger) LogAllocFailure(op string) {
	a.Logger.Warning().Str("op", op).Log("job allocation failed, falling back to a fresh allocation")
}
