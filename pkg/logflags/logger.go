package logflags

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger represents a generic interface for logging inside of
// the tracing engine.
type Logger interface {
	// WithField returns a new Logger enriched with the given field.
	WithField(key string, value interface{}) Logger
	// WithFields returns a new Logger enriched with the given fields.
	WithFields(fields Fields) Logger
	// WithError returns a new Logger enriched with the given error.
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

// LoggerFactory is used to create new Logger instances.
// SetLoggerFactory can be used to configure it.
//
// The given parameters fields and out can be both be nil.
type LoggerFactory func(level logrus.Level, fields Fields, out io.Writer) Logger

var loggerFactory LoggerFactory

// SetLoggerFactory will ensure that every Logger created by this package, will be now created
// by the given LoggerFactory. Default behavior will be a logrus based Logger instance using textFormatterInstance.
func SetLoggerFactory(lf LoggerFactory) {
	loggerFactory = lf
}

// Fields type wraps many fields for Logger
type Fields map[string]interface{}

type logrusLogger struct {
	*logrus.Entry
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{l.Entry.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{l.Entry.WithFields(logrus.Fields(fields))}
}

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{l.Entry.WithError(err)}
}

var textFormatterInstance = &logrus.TextFormatter{
	DisableTimestamp: false,
	FullTimestamp:    true,
	TimestampFormat:  "2006-01-02T15:04:05Z07:00",
}

// Sink receives one formatted line per log entry.
type Sink func(line string)

// sinkHook forwards entries to a Sink regardless of where the logger
// writes its own output.
type sinkHook struct {
	mu   sync.Mutex
	sink Sink
}

func (h *sinkHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *sinkHook) Fire(e *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sink == nil {
		return nil
	}
	line := e.Message
	if layer, ok := e.Data["layer"]; ok {
		line = fmt.Sprintf("%v: %s", layer, e.Message)
	}
	h.sink(line)
	return nil
}

// WithSink returns a logger that behaves like base but additionally
// delivers every entry, at any level, to sink. If base was disabled its
// output stays discarded.
func WithSink(base Logger, sink Sink) Logger {
	l, ok := base.(*logrusLogger)
	if !ok || sink == nil {
		return base
	}
	nl := logrus.New()
	nl.Formatter = l.Logger.Formatter
	nl.Out = l.Logger.Out
	if !l.Logger.IsLevelEnabled(logrus.DebugLevel) {
		nl.Out = io.Discard
	}
	nl.Level = logrus.DebugLevel
	nl.AddHook(&sinkHook{sink: sink})
	return &logrusLogger{nl.WithFields(l.Data)}
}
