// Package logger defines the logging interface consumed by the
// synchronization core, together with a zerolog-backed default
// implementation. Alternative backends only need to satisfy Logger;
// a log/slog adapter lives in the slog subpackage.
package logger

import (
	"io"

	"github.com/rs/zerolog"
)

// Logger accepts a message and alternating key/value pairs.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

// New returns a Logger writing structured records to w.
func New(w io.Writer) Logger {
	l := zerolog.New(w).With().Timestamp().Logger()
	return &zerologLogger{logger: l}
}

// FromZerolog wraps an existing zerolog.Logger.
func FromZerolog(l zerolog.Logger) Logger {
	return &zerologLogger{logger: l}
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

type zerologLogger struct {
	logger zerolog.Logger
}

func (z *zerologLogger) Error(msg string, args ...any) { z.emit(z.logger.Error(), msg, args) }

func (z *zerologLogger) Warn(msg string, args ...any) { z.emit(z.logger.Warn(), msg, args) }

func (z *zerologLogger) Info(msg string, args ...any) { z.emit(z.logger.Info(), msg, args) }

func (z *zerologLogger) Debug(msg string, args ...any) { z.emit(z.logger.Debug(), msg, args) }

func (z *zerologLogger) emit(e *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, args[i+1])
	}
	e.Msg(msg)
}
