// Package logger builds the process logger.
package logger

import (
	"io"
	"os"

	"github.com/phuslu/log"
)

// New returns a logger at level writing JSON lines, or human readable lines
// when format is "console". A nil w writes to stderr.
func New(level, format string, w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl := log.ParseLevel(level)
	if level == "" {
		lvl = log.InfoLevel
	}
	l := &log.Logger{
		Level:      lvl,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	}
	if format == "console" {
		l.Writer = &log.ConsoleWriter{Writer: w, QuoteString: true, EndWithMessage: true}
	} else {
		l.Writer = &log.IOWriter{Writer: w}
	}
	return l
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return &log.Logger{Level: log.PanicLevel, Writer: &log.IOWriter{Writer: io.Discard}}
}
