package quic

import (
	"github.com/sirupsen/logrus"
)

// Log levels, from least to most verbose. Numerically lower levels are
// always logged when a higher level is enabled.
const (
	LevelError = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

// Logger is the dispatcher's logging seam: Log(level, format, args...)
// at each interesting branch instead of building structured records.
// WithFields lets a logrus-backed implementation attach context (addr,
// dcid, scid) without changing that call shape.
type Logger interface {
	Log(level int, format string, args ...interface{})
	WithFields(fields map[string]interface{}) Logger
}

// noopLogger discards everything. It is the Server's default so that
// constructing one without SetLogger never panics on a nil interface.
type noopLogger struct{}

func (noopLogger) Log(int, string, ...interface{})          {}
func (n noopLogger) WithFields(map[string]interface{}) Logger { return n }

// logrusLogger adapts the Logger seam onto logrus, a structured,
// leveled logging library in place of a bare *log.Logger.
type logrusLogger struct {
	level  int
	entry  *logrus.Entry
	fields logrus.Fields
}

// NewLogger returns a Logger backed by logrus, logging only messages at
// or below level (LevelError..LevelTrace).
func NewLogger(level int) Logger {
	l := logrus.New()
	l.SetLevel(logrus.TraceLevel)
	return &logrusLogger{level: level, entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) WithFields(fields map[string]interface{}) Logger {
	merged := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &logrusLogger{level: l.level, entry: l.entry, fields: merged}
}

func (l *logrusLogger) Log(level int, format string, args ...interface{}) {
	if level > l.level {
		return
	}
	e := l.entry
	if len(l.fields) > 0 {
		e = e.WithFields(l.fields)
	}
	switch level {
	case LevelError:
		e.Errorf(format, args...)
	case LevelWarn:
		e.Warnf(format, args...)
	case LevelInfo:
		e.Infof(format, args...)
	case LevelDebug:
		e.Debugf(format, args...)
	default:
		e.Tracef(format, args...)
	}
}
