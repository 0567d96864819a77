// Package logging provides the logger used by all Loom components,
// backed by logrus.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface components receive.
type Logger interface {
	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	WithField(key string, value interface{}) *logrus.Entry
	WithFields(fields logrus.Fields) *logrus.Entry
	WithError(err error) *logrus.Entry
}

type logger struct {
	*logrus.Logger
}

// New creates a logger writing to w at the given level.
func New(w io.Writer, level logrus.Level) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	l.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	return &logger{Logger: l}
}

// Noop returns a logger that discards everything. Used in tests.
func Noop() Logger {
	return New(io.Discard, logrus.ErrorLevel)
}

// ParseLevel maps a level name to a logrus level, defaulting to info.
func ParseLevel(name string) logrus.Level {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
