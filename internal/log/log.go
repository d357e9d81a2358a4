// Package log provides structured, category-based logging for stepchat.
// Logging stays disabled until Init is called (see --debug or STEPCHAT_DEBUG),
// so library consumers that never initialise it pay nothing.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/stepchat/internal/pubsub"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string to a Level. Unknown values map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Category groups related log messages.
type Category string

const (
	CatAgents    Category = "agents"    // Agent resolution and catalog loading
	CatMessages  Category = "messages"  // Message store, dedup, pending queue
	CatConn      Category = "conn"      // Connection state and transport lifecycle
	CatActivity  Category = "activity"  // Activity log buffering
	CatHandoff   Category = "handoff"   // Handoff detection, typing indicator, navigation
	CatTransport Category = "transport" // Transport boundary calls
	CatOrch      Category = "orch"      // Orchestrator event wiring
	CatConfig    Category = "config"    // Configuration loading
	CatCache     Category = "cache"     // cache operations
	CatWatcher   Category = "watcher"   // Config file watcher
	CatReplay    Category = "replay"    // Scenario replay
)

// Entry is one log record as delivered to subscribers.
type Entry struct {
	Time     time.Time
	Level    Level
	Category Category
	Message  string
	// Fields are the key/value pairs, already paired; a dangling key gets
	// the value "<missing>".
	Fields [][2]any
}

// String formats e as one line without the trailing newline:
// 2026-01-06T10:45:00 [ERROR] [handoff] message key=value key2=value2
func (e Entry) String() string {
	var b strings.Builder
	b.WriteString(e.Time.Format("2006-01-02T15:04:05"))
	fmt.Fprintf(&b, " [%s] [%s] %s", e.Level, e.Category, e.Message)
	for _, kv := range e.Fields {
		fmt.Fprintf(&b, " %v=%v", kv[0], kv[1])
	}
	return b.String()
}

// Logger writes entries to a sink and republishes them.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	writer   io.Writer
	minLevel Level
	broker   *pubsub.Broker[Entry]
}

var (
	defaultLogger *Logger
	initMu        sync.Mutex
)

// Init initializes the global logger writing to path.
// Returns a cleanup function to close the log file.
func Init(path string) (func(), error) {
	initMu.Lock()
	defer initMu.Unlock()

	if defaultLogger != nil {
		return nil, fmt.Errorf("logger already initialized")
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: path is user-controlled debug log path
	if err != nil {
		return nil, err
	}
	defaultLogger = newLogger(f)
	defaultLogger.file = f
	return reset, nil
}

// InitWriter initializes the global logger with an arbitrary writer,
// replacing any current one. Used by tests and by replay --verbose.
func InitWriter(w io.Writer) func() {
	initMu.Lock()
	defer initMu.Unlock()

	if defaultLogger != nil {
		defaultLogger.close()
	}
	defaultLogger = newLogger(w)
	return reset
}

// Initialized reports whether a logger is active.
func Initialized() bool {
	initMu.Lock()
	defer initMu.Unlock()
	return defaultLogger != nil
}

func newLogger(w io.Writer) *Logger {
	return &Logger{
		writer:   w,
		minLevel: LevelDebug,
		broker:   pubsub.NewBroker[Entry](),
	}
}

func reset() {
	initMu.Lock()
	defer initMu.Unlock()
	if defaultLogger != nil {
		defaultLogger.close()
	}
	defaultLogger = nil
}

func (l *Logger) close() {
	l.broker.Close()
	if l.file != nil {
		_ = l.file.Close()
	}
}

// SetMinLevel sets the minimum log level.
func SetMinLevel(level Level) {
	if l := current(); l != nil {
		l.mu.Lock()
		l.minLevel = level
		l.mu.Unlock()
	}
}

func current() *Logger {
	initMu.Lock()
	defer initMu.Unlock()
	return defaultLogger
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	log(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	log(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	log(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	log(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	log(LevelError, cat, msg, fields...)
}

func log(level Level, cat Category, msg string, fields ...any) {
	l := current()
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.minLevel {
		return
	}

	entry := Entry{Time: time.Now(), Level: level, Category: cat, Message: msg}
	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			entry.Fields = append(entry.Fields, [2]any{fields[i], fields[i+1]})
		} else {
			entry.Fields = append(entry.Fields, [2]any{fields[i], "<missing>"})
		}
	}

	if l.writer != nil {
		_, _ = io.WriteString(l.writer, entry.String()+"\n")
	}
	l.broker.Publish(pubsub.CreatedEvent, entry)
}

// LogEvent is a pubsub event carrying a log entry.
type LogEvent = pubsub.Event[Entry]

// Subscribe returns a channel of log entries, closed when ctx is cancelled
// or the logger is reset. Returns nil when logging has not been initialized.
func Subscribe(ctx context.Context) <-chan LogEvent {
	l := current()
	if l == nil {
		return nil
	}
	return l.broker.Subscribe(ctx)
}
