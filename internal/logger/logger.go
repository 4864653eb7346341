// Package logger wraps zerolog behind a small key-value API so call sites
// stay free of event-builder chains. Components take child loggers tagged
// with their name; the bench harness reconfigures the shared root once at
// startup.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the shared root logger. Library code derives from it via Component.
var Log = New(os.Stderr, "console")

type Logger struct {
	z zerolog.Logger
}

// New builds a logger writing to w. Format "json" emits raw zerolog lines;
// anything else goes through the human-readable console writer.
func New(w io.Writer, format string) *Logger {
	out := w
	if strings.ToLower(format) != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return &Logger{z: zerolog.New(out).With().Timestamp().Logger()}
}

// Setup replaces the shared root logger and sets the global level.
// Unrecognized levels fall back to info.
func Setup(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	Log = New(os.Stderr, format)
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{z: l.z.With().Str("component", name).Logger()}
}

// Info logs at Info level with variadic key-value pairs.
func (l *Logger) Info(msg string, args ...interface{}) {
	l.emit(l.z.Info(), msg, args)
}

// Debug logs at Debug level with variadic key-value pairs.
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.emit(l.z.Debug(), msg, args)
}

// Warn logs at Warn level with variadic key-value pairs.
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.emit(l.z.Warn(), msg, args)
}

// Error logs at Error level with variadic key-value pairs.
func (l *Logger) Error(msg string, args ...interface{}) {
	l.emit(l.z.Error(), msg, args)
}

func (l *Logger) emit(e *zerolog.Event, msg string, args []interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", args[i])
		}
		e.Interface(key, args[i+1])
	}
	e.Msg(msg)
}
