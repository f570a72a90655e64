package log

import (
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	zap.ReplaceGlobals(logger)
}

func Debug(format string, args ...interface{}) {
	if enabled(DEBUG) {
		zap.S().Debugf(format, args...)
	}
}

func Info(format string, args ...interface{}) {
	if enabled(INFO) {
		zap.S().Infof(format, args...)
	}
}

func Warn(format string, args ...interface{}) {
	if enabled(WARNING) {
		zap.S().Warnf(format, args...)
	}
}

func Error(format string, args ...interface{}) {
	if enabled(ERROR) {
		zap.S().Errorf(format, args...)
	}
}

func Fatal(format string, args ...interface{}) {
	zap.S().Fatalf(format, args...)
}

func SetLevel(level Level) {
	atomic.StoreInt32(&logLevel, int32(level))
}

// ParseLevel maps a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "fatal":
		return FATAL
	case "error":
		return ERROR
	case "warning", "warn":
		return WARNING
	case "debug":
		return DEBUG
	default:
		return INFO
	}
}

func enabled(level Level) bool {
	return Level(atomic.LoadInt32(&logLevel)) <= level
}

type Level int

const (
	DEBUG Level = iota
	INFO
	WARNING
	ERROR
	FATAL
)

var logLevel int32 = int32(INFO)

// Logger carries structured context (replica, table path, ...) on top of
// the package level functions.
type Logger struct {
	s *zap.SugaredLogger
}

// With returns a Logger that attaches the given key/value pairs to every line.
func With(keysAndValues ...interface{}) *Logger {
	return &Logger{s: zap.S().With(keysAndValues...)}
}

func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{s: l.s.With(keysAndValues...)}
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if enabled(DEBUG) {
		l.s.Debugf(format, args...)
	}
}

func (l *Logger) Info(format string, args ...interface{}) {
	if enabled(INFO) {
		l.s.Infof(format, args...)
	}
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if enabled(WARNING) {
		l.s.Warnf(format, args...)
	}
}

func (l *Logger) Error(format string, args ...interface{}) {
	if enabled(ERROR) {
		l.s.Errorf(format, args...)
	}
}
