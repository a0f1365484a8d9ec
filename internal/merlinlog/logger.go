// Package merlinlog provides the structured logger used across the daemon.
package merlinlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging surface every component depends on. It is an
// interface so tests can substitute a recording logger without dragging
// logrus into assertions.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})

	// WithField returns a derived logger carrying a structured field,
	// e.g. the node name, so every line about a node is attributable to it.
	WithField(key string, value interface{}) Logger
}

// logrusLogger is the default Logger backed by logrus.
type logrusLogger struct {
	entry *logrus.Entry
}

// New builds the default logger. Debug-level logging is enabled when debug
// is true; otherwise the level is Info.
func New(debug bool) Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *logrusLogger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}
