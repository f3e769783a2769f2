// Package logging provides the formatted, optionally coloured logger shared by
// every mcp-toolbridge component.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ANSI colour codes used when colour output is enabled.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// Logger writes timestamped, levelled messages. JSON-RPC trace mode
// additionally dumps the envelopes exchanged with tool providers.
//
// All methods are safe to call on a nil *Logger.
type Logger struct {
	mu          sync.Mutex
	writer      io.Writer
	verbose     bool
	useColor    bool
	jsonRPCMode bool
}

// NewLogger creates a logger writing to stderr.
func NewLogger(verbose, useColor, jsonRPCMode bool) *Logger {
	return NewLoggerWithWriter(verbose, useColor, jsonRPCMode, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to w.
func NewLoggerWithWriter(verbose, useColor, jsonRPCMode bool, w io.Writer) *Logger {
	return &Logger{
		writer:      w,
		verbose:     verbose,
		useColor:    useColor,
		jsonRPCMode: jsonRPCMode,
	}
}

// Discard returns a logger that drops everything. Handy for tests.
func Discard() *Logger {
	return NewLoggerWithWriter(false, false, false, io.Discard)
}

// SetWriter replaces the output destination.
func (l *Logger) SetWriter(w io.Writer) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = w
}

// SetVerbose toggles verbose output.
func (l *Logger) SetVerbose(verbose bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = verbose
}

// Verbose reports whether verbose output is enabled.
func (l *Logger) Verbose() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verbose
}

func (l *Logger) write(color, level, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer == nil {
		return
	}

	timestamp := time.Now().Format("15:04:05.000")
	message := fmt.Sprintf(format, args...)

	if l.useColor {
		_, _ = fmt.Fprintf(l.writer, "%s[%s]%s %s%-5s%s %s\n", colorGray, timestamp, colorReset, color, level, colorReset, message)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "[%s] %-5s %s\n", timestamp, level, message)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(colorBlue, "INFO", format, args...)
}

// InfoVerbose logs an informational message only in verbose mode.
func (l *Logger) InfoVerbose(format string, args ...interface{}) {
	if !l.Verbose() {
		return
	}
	l.Info(format, args...)
}

// Success logs a successful outcome.
func (l *Logger) Success(format string, args ...interface{}) {
	l.write(colorGreen, "OK", format, args...)
}

// Warning logs a recoverable problem.
func (l *Logger) Warning(format string, args ...interface{}) {
	l.write(colorYellow, "WARN", format, args...)
}

// WarningVerbose logs a warning only in verbose mode.
func (l *Logger) WarningVerbose(format string, args ...interface{}) {
	if !l.Verbose() {
		return
	}
	l.Warning(format, args...)
}

// Error logs a failure.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(colorRed, "ERROR", format, args...)
}

// Debug logs diagnostic detail in verbose mode.
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.Verbose() {
		return
	}
	l.write(colorGray, "DEBUG", format, args...)
}

// Request traces an outgoing JSON-RPC request when trace mode is enabled.
func (l *Logger) Request(method string, payload interface{}) {
	if l == nil || !l.jsonRPCMode {
		return
	}
	l.write(colorCyan, "→", "%s\n%s", method, PrettyJSON(payload))
}

// Response traces an incoming JSON-RPC response when trace mode is enabled.
func (l *Logger) Response(method string, payload interface{}) {
	if l == nil || !l.jsonRPCMode {
		return
	}
	l.write(colorCyan, "←", "%s\n%s", method, PrettyJSON(payload))
}

// PrettyJSON renders v as indented JSON, falling back to %+v.
func PrettyJSON(v interface{}) string {
	if raw, ok := v.(json.RawMessage); ok {
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err == nil {
			v = decoded
		} else {
			return string(raw)
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}
