// Package logx provides structured logging for the fixgate daemon
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the logging level
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Logger provides structured JSON logging with key/value pairs
type Logger struct {
	level  LogLevel
	entry  *logrus.Entry
	output *logrus.Logger
}

// New creates a new structured logger writing to stdout
func New(levelStr string) *Logger {
	return NewWithOutput(levelStr, os.Stdout)
}

// NewWithOutput creates a logger writing to w
func NewWithOutput(levelStr string, w io.Writer) *Logger {
	level := parseLevel(levelStr)

	base := logrus.New()
	base.SetOutput(w)
	base.SetLevel(logrusLevel(level))
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "ts",
		},
	})

	return &Logger{
		level:  level,
		entry:  logrus.NewEntry(base),
		output: base,
	}
}

// Discard returns a logger that drops everything, for tests
func Discard() *Logger {
	return NewWithOutput("error", io.Discard)
}

// parseLevel converts string to LogLevel
func parseLevel(levelStr string) LogLevel {
	switch strings.ToLower(levelStr) {
	case "debug", "trace":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// levelString converts LogLevel to string
func levelString(level LogLevel) string {
	switch level {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

func logrusLevel(level LogLevel) logrus.Level {
	switch level {
	case DebugLevel:
		return logrus.DebugLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Level returns the configured level name
func (l *Logger) Level() string {
	return levelString(l.level)
}

// With returns a child logger that always carries the given fields
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{
		level:  l.level,
		entry:  l.entry.WithFields(fields(keysAndValues)),
		output: l.output,
	}
}

// fields parses key-value pairs. A trailing key without value is kept
// with a nil value so it is not silently lost.
func fields(keysAndValues []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprintf("%v", keysAndValues[i])
		if i+1 < len(keysAndValues) {
			value := keysAndValues[i+1]
			if err, ok := value.(error); ok {
				value = err.Error()
			}
			f[key] = value
		} else {
			f[key] = nil
		}
	}
	return f
}

func (l *Logger) log(level LogLevel, msg string, keysAndValues ...interface{}) {
	if level < l.level {
		return
	}
	entry := l.entry
	if len(keysAndValues) > 0 {
		entry = entry.WithFields(fields(keysAndValues))
	}
	entry.Log(logrusLevel(level), msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.log(DebugLevel, msg, keysAndValues...)
}

// Info logs an info message
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.log(InfoLevel, msg, keysAndValues...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.log(WarnLevel, msg, keysAndValues...)
}

// Error logs an error message
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.log(ErrorLevel, msg, keysAndValues...)
}
