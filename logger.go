package mqttclient

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// LogLevel is the minimum severity a Logger emits.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	// LogLevelNone disables all logging.
	LogLevelNone
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// LogFields carries structured key-value pairs for one log entry.
type LogFields map[string]any

// Logger is the logging interface used by the client. Implementations must
// be safe for concurrent use.
type Logger interface {
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Warn(msg string, fields LogFields)
	Error(msg string, fields LogFields)

	// WithFields returns a logger that adds fields to every entry.
	WithFields(fields LogFields) Logger

	Level() LogLevel
	SetLevel(level LogLevel)
}

// NoOpLogger discards everything. It is the default logger.
type NoOpLogger struct{}

// NewNoOpLogger returns a logger that discards everything.
func NewNoOpLogger() *NoOpLogger { return &NoOpLogger{} }

func (*NoOpLogger) Debug(string, LogFields)       {}
func (*NoOpLogger) Info(string, LogFields)        {}
func (*NoOpLogger) Warn(string, LogFields)        {}
func (*NoOpLogger) Error(string, LogFields)       {}
func (n *NoOpLogger) WithFields(LogFields) Logger { return n }
func (*NoOpLogger) Level() LogLevel               { return LogLevelNone }
func (*NoOpLogger) SetLevel(LogLevel)             {}

// SlogLogger writes through a *slog.Logger. Fields become slog attributes.
type SlogLogger struct {
	logger *slog.Logger
	level  *atomic.Int64
}

// NewSlogLogger wraps l. A nil l uses slog.Default.
func NewSlogLogger(l *slog.Logger, level LogLevel) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	lv := new(atomic.Int64)
	lv.Store(int64(level))
	return &SlogLogger{logger: l, level: lv}
}

func (s *SlogLogger) Debug(msg string, fields LogFields) {
	s.log(LogLevelDebug, slog.LevelDebug, msg, fields)
}

func (s *SlogLogger) Info(msg string, fields LogFields) {
	s.log(LogLevelInfo, slog.LevelInfo, msg, fields)
}

func (s *SlogLogger) Warn(msg string, fields LogFields) {
	s.log(LogLevelWarn, slog.LevelWarn, msg, fields)
}

func (s *SlogLogger) Error(msg string, fields LogFields) {
	s.log(LogLevelError, slog.LevelError, msg, fields)
}

// WithFields returns a logger sharing the level of s.
func (s *SlogLogger) WithFields(fields LogFields) Logger {
	return &SlogLogger{
		logger: s.logger.With(attrs(fields)...),
		level:  s.level,
	}
}

func (s *SlogLogger) Level() LogLevel {
	return LogLevel(s.level.Load())
}

func (s *SlogLogger) SetLevel(level LogLevel) {
	s.level.Store(int64(level))
}

func (s *SlogLogger) log(level LogLevel, sl slog.Level, msg string, fields LogFields) {
	if level < s.Level() {
		return
	}
	s.logger.Log(context.Background(), sl, msg, attrs(fields)...)
}

func attrs(fields LogFields) []any {
	if len(fields) == 0 {
		return nil
	}
	out := make([]any, 0, len(fields))
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		out = append(out, slog.Any(k, v))
	}
	return out
}

// Standard field names.
const (
	LogFieldClientID   = "client_id"
	LogFieldServer     = "server"
	LogFieldTopic      = "topic"
	LogFieldPacketID   = "packet_id"
	LogFieldPacketType = "packet_type"
	LogFieldQoS        = "qos"
	LogFieldReasonCode = "reason_code"
	LogFieldError      = "error"
	LogFieldDuration   = "duration"

	// LogFieldBug marks entries that report broken internal bookkeeping.
	LogFieldBug = "bug"
)
