// Package logging provides the structured logging facade used across reactorstore.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Logger wraps a zerolog.Logger with the level-method shape the rest of
// the codebase calls.
type Logger struct {
	zl zerolog.Logger
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// NewLogger creates a new logger.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	zl := zerolog.New(output).Level(config.Level.zerolog()).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

func (l *Logger) event(lvl zerolog.Level, msg string, kv []any) {
	ev := l.zl.WithLevel(lvl)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, args ...any) { l.event(zerolog.DebugLevel, msg, args) }
func (l *Logger) Info(msg string, args ...any)  { l.event(zerolog.InfoLevel, msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { l.event(zerolog.WarnLevel, msg, args) }
func (l *Logger) Error(msg string, args ...any) { l.event(zerolog.ErrorLevel, msg, args) }

// Printf keeps compatibility with callers that only have a format string,
// such as external collaborators implementing the Logger interface.
func (l *Logger) Printf(format string, args ...any) {
	l.zl.Info().Msgf(format, args...)
}

// Global convenience functions.

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
