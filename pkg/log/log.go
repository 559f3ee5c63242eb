// Package log provides the structured logger used across wasmloom.
//
// Every package depends on the Logger interface rather than on logrus
// directly, so the same call sites can be pointed at the hclog adapter
// hashicorp/go-plugin requires for its subprocess logging (see
// internal/hostplugin) without a second logging convention creeping in.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the minimal structured-logging surface wasmloom depends on.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
}

// Fields is a set of structured key/value pairs attached to a log line.
type Fields map[string]interface{}

type logrusLogger struct {
	entry *logrus.Entry
}

// New returns a Logger backed by logrus, writing to w at the given level.
func New(w io.Writer, level logrus.Level) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return &logrusLogger{entry: logrus.NewEntry(l)}
}

// Default returns a Logger writing to stderr at info level, the level
// wasmloomd runs at unless overridden by configuration.
func Default() Logger {
	return New(os.Stderr, logrus.InfoLevel)
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}
