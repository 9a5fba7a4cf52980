// Package fibralog is the logging facade spec §6 names as an external
// collaborator: log(level, message), best-effort and non-blocking, never
// taking any lock the core holds. Shaped after
// joeycumines-go-utilpkg/eventloop/logging.go's Logger interface
// (Log(entry), IsEnabled(level)) -- an event-reactor calling its own
// small logging interface rather than a concrete backend -- but backed
// by github.com/rs/zerolog, a real structured logger already present in
// the retrieved pack, instead of that file's hand-rolled JSON/pretty
// renderer.
package fibralog

import (
	"os"

	"github.com/rs/zerolog"
)

// Level mirrors spec §6's log(level, message); it is intentionally a
// small enum rather than zerolog.Level so the core never imports
// zerolog's own types directly.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Sink is the interface the core calls -- spec §6's log(level, message).
// fibra never calls zerolog (or any other backend) directly; it only
// ever calls a Sink, the same indirection eventloop's Logger interface
// gives its own callers.
type Sink interface {
	Log(level Level, msg string)
}

// noopSink discards everything. Used when no Sink is configured, so the
// core never has a nil-pointer special case on its hot path.
type noopSink struct{}

func (noopSink) Log(Level, string) {}

// Noop is the default Sink: silent, allocation-free, safe for concurrent
// use by construction.
var Noop Sink = noopSink{}

// ZerologSink adapts zerolog.Logger to Sink. Log never blocks the caller
// on anything the core itself holds a lock on -- zerolog's own Writer
// does its own buffering/locking, outside fibra's control, matching spec
// §6's "never takes any lock the core holds" requirement from the core's
// side.
type ZerologSink struct {
	logger zerolog.Logger
}

// NewZerologSink builds a ZerologSink writing structured JSON to w
// (os.Stderr if w is nil), the default production shape for a service
// built on this runtime.
func NewZerologSink(w *os.File) *ZerologSink {
	if w == nil {
		w = os.Stderr
	}
	return &ZerologSink{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// NewConsoleZerologSink builds a ZerologSink using zerolog's human
// readable console writer, for interactive use (e.g. cmd/fibrademo).
func NewConsoleZerologSink(w *os.File) *ZerologSink {
	if w == nil {
		w = os.Stdout
	}
	return &ZerologSink{logger: zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()}
}

func (s *ZerologSink) Log(level Level, msg string) {
	s.logger.WithLevel(level.zerolog()).Msg(msg)
}
