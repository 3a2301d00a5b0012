package observability

import (
	"io"

	"github.com/sirupsen/logrus"
)

type Logger interface {
	Info(args ...interface{})
	Error(args ...interface{})
	Debug(args ...interface{})
	Warn(args ...interface{})
	WithField(key string, value interface{}) Logger
	WithError(err error) Logger
}

type logrusLogger struct {
	logger *logrus.Logger
	entry  *logrus.Entry
}

func NewLogger() Logger {
	return NewLoggerWithOutput(nil, "info")
}

// NewLoggerWithOutput builds a JSON logger writing to w (stderr when nil) at
// the given level. Unknown levels fall back to info.
func NewLoggerWithOutput(w io.Writer, level string) Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if w != nil {
		log.SetOutput(w)
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return &logrusLogger{logger: log, entry: logrus.NewEntry(log)}
}

// NewNopLogger discards everything. Used by tests.
func NewNopLogger() Logger {
	return NewLoggerWithOutput(io.Discard, "panic")
}

func (l *logrusLogger) Info(args ...interface{}) {
	l.entry.Info(args...)
}

func (l *logrusLogger) Error(args ...interface{}) {
	l.entry.Error(args...)
}

func (l *logrusLogger) Debug(args ...interface{}) {
	l.entry.Debug(args...)
}

func (l *logrusLogger) Warn(args ...interface{}) {
	l.entry.Warn(args...)
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{logger: l.logger, entry: l.entry.WithField(key, value)}
}

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{logger: l.logger, entry: l.entry.WithError(err)}
}
