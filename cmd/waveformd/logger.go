package main

import (
	"io"
	"os"

	charmlog "github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/flexradio/waveform-sdk/internal/logging"
)

// charmLogger adapts github.com/charmbracelet/log to the internal/logging
// Logger interface so waveformd can give operators colorized console
// output while library code keeps logging against the plain interface.
type charmLogger struct {
	l *charmlog.Logger
}

// newCharmLogger builds a Logger that writes to stderr and, when logPath
// is non-empty, also through a size-rotated file via lumberjack.
func newCharmLogger(level logging.Level, logPath string) (logging.Logger, func() error) {
	var writer io.Writer = os.Stderr
	closer := func() error { return nil }

	if logPath != "" {
		rotating := &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		writer = rotating
		closer = rotating.Close
	}

	l := charmlog.NewWithOptions(writer, charmlog.Options{
		ReportTimestamp: true,
		Level:           toCharmLevel(level),
	})
	return &charmLogger{l: l}, closer
}

func toCharmLevel(level logging.Level) charmlog.Level {
	switch level {
	case logging.Debug:
		return charmlog.DebugLevel
	case logging.Warn:
		return charmlog.WarnLevel
	case logging.Error:
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

func toCharmArgs(fields []logging.Field) []any {
	args := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		args = append(args, f.Key, f.Value)
	}
	return args
}

func (c *charmLogger) Debug(msg string, fields ...logging.Field) { c.l.Debug(msg, toCharmArgs(fields)...) }
func (c *charmLogger) Info(msg string, fields ...logging.Field)  { c.l.Info(msg, toCharmArgs(fields)...) }
func (c *charmLogger) Warn(msg string, fields ...logging.Field)  { c.l.Warn(msg, toCharmArgs(fields)...) }
func (c *charmLogger) Error(msg string, fields ...logging.Field) { c.l.Error(msg, toCharmArgs(fields)...) }

func (c *charmLogger) With(fields ...logging.Field) logging.Logger {
	return &charmLogger{l: c.l.With(toCharmArgs(fields)...)}
}
