// Package logging provides structured JSON logging for the ChatVault backend.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel maps a string to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch LogLevel(s) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return LogLevel(s)
	}
	return LevelInfo
}

// Logger writes structured JSON log lines.
type Logger struct {
	mu        sync.Mutex
	out       io.Writer
	minLevel  LogLevel
	component string
}

var (
	global *Logger
	once   sync.Once
)

// Init initializes the global logger.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		global = &Logger{out: out, minLevel: minLevel}
	})
}

// Get returns the global logger instance.
func Get() *Logger {
	if global == nil {
		Init(os.Stdout, LevelInfo)
	}
	return global
}

// With returns a logger tagged with a component name. The child shares the
// parent's output and level.
func (l *Logger) With(component string) *Logger {
	return &Logger{out: l.out, minLevel: l.minLevel, component: component}
}

// LogEntry represents a structured log entry.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// write emits one log entry at the given level.
func (l *Logger) write(level LogLevel, message string, err error, fields map[string]interface{}) {
	if levelRank[level] < levelRank[l.minLevel] {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     string(level),
		Component: l.component,
		Message:   message,
		Fields:    fields,
	}
	if err != nil {
		entry.Error = err.Error()
	}

	data, jsonErr := json.Marshal(entry)
	if jsonErr != nil {
		log.Printf("failed to marshal log entry: %v", jsonErr)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, string(data))
}

// mergeFields collapses variadic field maps into one.
func mergeFields(fields ...map[string]interface{}) map[string]interface{} {
	switch len(fields) {
	case 0:
		return nil
	case 1:
		return fields[0]
	}
	merged := make(map[string]interface{})
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}
	return merged
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.write(LevelDebug, message, nil, mergeFields(fields...))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.write(LevelInfo, message, nil, mergeFields(fields...))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.write(LevelWarn, message, nil, mergeFields(fields...))
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, fields ...map[string]interface{}) {
	l.write(LevelError, message, err, mergeFields(fields...))
}

// Convenience functions using the global logger.

func Debug(message string, fields ...map[string]interface{}) { Get().Debug(message, fields...) }
func Info(message string, fields ...map[string]interface{})  { Get().Info(message, fields...) }
func Warn(message string, fields ...map[string]interface{})  { Get().Warn(message, fields...) }
func Error(message string, err error, fields ...map[string]interface{}) {
	Get().Error(message, err, fields...)
}
