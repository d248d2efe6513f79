// Package slog adapts a log/slog handler to the logger.Logger
// interface, for applications that already route their logs through
// the standard library.
package slog

import (
	"log/slog"

	"github.com/taskdeck/taskdeck.go/pkg/logger"
)

// Adapter forwards Logger calls to a slog.Logger. Key/value pairs are
// passed through unchanged; slog applies its own malformed-pair
// handling.
type Adapter struct {
	l *slog.Logger
}

var _ logger.Logger = (*Adapter)(nil)

// New wraps a slog handler.
func New(h slog.Handler) *Adapter {
	return &Adapter{l: slog.New(h)}
}

// FromLogger wraps an existing slog.Logger.
func FromLogger(l *slog.Logger) *Adapter {
	return &Adapter{l: l}
}

func (a *Adapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }

func (a *Adapter) Warn(msg string, args ...any) { a.l.Warn(msg, args...) }

func (a *Adapter) Info(msg string, args ...any) { a.l.Info(msg, args...) }

func (a *Adapter) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
