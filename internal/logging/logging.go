// Package logging provides the process-wide structured logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// Config holds logging configuration
type Config struct {
	Level      string
	TimeFormat string
	Output     io.Writer
}

// DefaultConfig returns the logging defaults used by the server
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		TimeFormat: "15:04:05",
		Output:     os.Stderr,
	}
}

var (
	logger *log.Logger
	mu     sync.RWMutex
)

// Init installs the global logger. Later calls replace it.
func Init(cfg Config) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = "15:04:05"
	}

	l := log.NewWithOptions(cfg.Output, log.Options{
		ReportTimestamp: true,
		TimeFormat:      cfg.TimeFormat,
		ReportCaller:    true,
		CallerOffset:    2, // logMsg -> Info/Warn/... -> caller
	})
	l.SetLevel(ParseLevel(cfg.Level))

	mu.Lock()
	logger = l
	mu.Unlock()
}

// ParseLevel maps a level name to a charmbracelet level, defaulting to info
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func current() *log.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}
	Init(DefaultConfig())
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// hasFmtVerb reports whether msg looks like a printf format string
func hasFmtVerb(s string) bool {
	for i := 0; i < len(s)-1; i++ {
		if s[i] == '%' && s[i+1] != '%' && strings.ContainsRune("vsdtfgqxT", rune(s[i+1])) {
			return true
		}
	}
	return false
}

// logMsg accepts either printf args or structured key/value pairs
func logMsg(level log.Level, msg string, args ...interface{}) {
	l := current()

	var keyvals []interface{}
	if len(args) > 0 {
		if hasFmtVerb(msg) {
			msg = fmt.Sprintf(msg, args...)
		} else {
			keyvals = args
		}
	}

	switch level {
	case log.DebugLevel:
		l.Debug(msg, keyvals...)
	case log.InfoLevel:
		l.Info(msg, keyvals...)
	case log.WarnLevel:
		l.Warn(msg, keyvals...)
	case log.ErrorLevel:
		l.Error(msg, keyvals...)
	case log.FatalLevel:
		l.Fatal(msg, keyvals...)
	}
}

func Debug(msg string, args ...interface{}) { logMsg(log.DebugLevel, msg, args...) }
func Info(msg string, args ...interface{})  { logMsg(log.InfoLevel, msg, args...) }
func Warn(msg string, args ...interface{})  { logMsg(log.WarnLevel, msg, args...) }
func Error(msg string, args ...interface{}) { logMsg(log.ErrorLevel, msg, args...) }

// Fatal logs and exits the process
func Fatal(msg string, args ...interface{}) { logMsg(log.FatalLevel, msg, args...) }
