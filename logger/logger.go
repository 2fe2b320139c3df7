// Package logger provides a configurable leveled logging facility with component-scoped loggers
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// LogLevel represents the verbosity level of logging
type LogLevel int

// Available log levels
const (
	LevelNone  LogLevel = iota // No logging
	LevelError                 // Only errors
	LevelWarn                  // Warnings and errors
	LevelInfo                  // Informational messages, warnings, and errors
	LevelDebug                 // Debug messages, informational messages, warnings, and errors
)

// Default logger instance
var defaultLogger atomic.Pointer[Logger]

// Logger wraps the standard log package with levels and an optional component name.
// Component loggers created by the package-level Named resolve the default logger
// on every call, so later Configure and SetDefault calls apply to them too.
type Logger struct {
	mu        sync.RWMutex
	enabled   bool
	level     LogLevel
	logger    *log.Logger
	component string
	shared    *Logger
	// followsDefault marks loggers whose output is whatever the default is at log time
	followsDefault bool
}

// Config holds configuration for the logger
type Config struct {
	Enabled bool
	Level   LogLevel
	Output  io.Writer
}

func init() {
	defaultLogger.Store(&Logger{
		enabled: true,
		level:   LevelInfo,
		logger:  log.New(os.Stdout, "", log.LstdFlags),
	})
}

// New creates a standalone logger with the provided configuration
func New(config Config) *Logger {
	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	return &Logger{
		enabled: config.Enabled,
		level:   config.Level,
		logger:  log.New(output, "", log.LstdFlags),
	}
}

// Named returns a logger that tags every line with component and follows the default logger's settings.
func Named(component string) *Logger {
	return &Logger{component: component, followsDefault: true}
}

// Named returns a child of l tagged with component.
func (l *Logger) Named(component string) *Logger {
	if l.component != "" {
		component = l.component + "." + component
	}
	if l.followsDefault {
		return &Logger{component: component, followsDefault: true}
	}
	base := l
	if l.shared != nil {
		base = l.shared
	}
	return &Logger{component: component, shared: base}
}

// SetDefault sets the default logger instance
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}

// Default returns the current default logger
func Default() *Logger {
	return defaultLogger.Load()
}

// Configure configures the default logger
func Configure(config Config) {
	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	l := defaultLogger.Load()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.enabled = config.Enabled
	l.level = config.Level
	l.logger = log.New(output, "", log.LstdFlags)
}

// Debug logs a debug message if the logger is enabled and level is appropriate
func Debug(format string, v ...interface{}) { defaultLogger.Load().logf(LevelDebug, format, v...) }

// Info logs an info message if the logger is enabled and level is appropriate
func Info(format string, v ...interface{}) { defaultLogger.Load().logf(LevelInfo, format, v...) }

// Warn logs a warning message if the logger is enabled and level is appropriate
func Warn(format string, v ...interface{}) { defaultLogger.Load().logf(LevelWarn, format, v...) }

// Error logs an error message if the logger is enabled and level is appropriate
func Error(format string, v ...interface{}) { defaultLogger.Load().logf(LevelError, format, v...) }

// Fatal logs a fatal error message and exits
func Fatal(format string, v ...interface{}) { defaultLogger.Load().Fatal(format, v...) }

func (l *Logger) Debug(format string, v ...interface{}) { l.logf(LevelDebug, format, v...) }

func (l *Logger) Info(format string, v ...interface{}) { l.logf(LevelInfo, format, v...) }

func (l *Logger) Warn(format string, v ...interface{}) { l.logf(LevelWarn, format, v...) }

func (l *Logger) Error(format string, v ...interface{}) { l.logf(LevelError, format, v...) }

// Fatal logs a fatal error message and exits
func (l *Logger) Fatal(format string, v ...interface{}) {
	base := l.base()
	base.mu.RLock()
	enabled, out := base.enabled, base.logger
	base.mu.RUnlock()
	if enabled {
		out.Fatalf("[FATAL] "+l.tag()+format, v...)
	}
	// Even if logging is disabled, we still need to exit
	os.Exit(1)
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	base := l.base()
	base.mu.RLock()
	defer base.mu.RUnlock()
	return base.enabled && base.level >= level
}

func (l *Logger) base() *Logger {
	switch {
	case l.shared != nil:
		return l.shared
	case l.followsDefault:
		return defaultLogger.Load()
	default:
		return l
	}
}

func (l *Logger) tag() string {
	if l.component == "" {
		return ""
	}
	return "[" + l.component + "] "
}

func (l *Logger) logf(level LogLevel, format string, v ...interface{}) {
	base := l.base()
	base.mu.RLock()
	enabled, current, out := base.enabled, base.level, base.logger
	base.mu.RUnlock()
	if !enabled || current < level {
		return
	}
	out.Printf("["+level.String()+"] "+l.tag()+format, v...)
}

// String returns a string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LevelNone:
		return "NONE"
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return fmt.Sprintf("LogLevel(%d)", l)
	}
}

// LevelFromString converts a string to a LogLevel, case-insensitively
func LevelFromString(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "NONE":
		return LevelNone
	case "ERROR":
		return LevelError
	case "WARN", "WARNING":
		return LevelWarn
	case "INFO":
		return LevelInfo
	case "DEBUG":
		return LevelDebug
	default:
		return LevelInfo // Default to INFO if not recognized
	}
}
