package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the lowercase name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel converts a level name into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// MarshalText encodes the level as its name (used in JSON output).
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Category groups log entries by subsystem.
type Category string

const (
	CatSystem    Category = "system"
	CatReader    Category = "reader"
	CatCard      Category = "card"
	CatOutput    Category = "output"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
	CatMQTT      Category = "mqtt"
)

// Entry is a single log record.
type Entry struct {
	Time     time.Time      `json:"time"`
	Level    Level          `json:"level"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

// Stats summarizes the buffered entries.
type Stats struct {
	Total      int              `json:"total"`
	Capacity   int              `json:"capacity"`
	ByLevel    map[string]int   `json:"byLevel"`
	ByCategory map[Category]int `json:"byCategory"`
}

// Logger keeps a bounded ring of entries and mirrors every accepted entry
// to a diagnostic writer. Identifiers never go through the logger, so the
// writer is stderr and stdout stays clean for consumers.
type Logger struct {
	mu       sync.Mutex
	entries  []Entry
	next     int
	full     bool
	minLevel Level
	out      io.Writer
	now      func() time.Time
}

// NewLogger creates a logger holding at most capacity entries.
func NewLogger(capacity int, minLevel Level, out io.Writer) *Logger {
	if capacity <= 0 {
		capacity = 1
	}
	return &Logger{
		entries:  make([]Entry, capacity),
		minLevel: minLevel,
		out:      out,
		now:      time.Now,
	}
}

var (
	defaultLogger = NewLogger(1000, LevelInfo, os.Stderr)
	defaultMu     sync.RWMutex
)

// Init replaces the package logger. Safe to call once at startup.
func Init(capacity int, minLevel Level) {
	SetDefault(NewLogger(capacity, minLevel, os.Stderr))
}

// SetDefault installs l as the package logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Get returns the package logger.
func Get() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetOutput changes the diagnostic writer. A nil writer disables mirroring.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.out = w
	l.mu.Unlock()
}

// SetLevel changes the minimum accepted level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// Log records an entry if its level passes the threshold.
func (l *Logger) Log(level Level, cat Category, msg string, data map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.minLevel {
		return
	}

	e := Entry{
		Time:     l.now(),
		Level:    level,
		Category: cat,
		Message:  msg,
		Data:     data,
	}
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}

	if l.out != nil {
		fmt.Fprintln(l.out, formatEntry(e))
	}
}

func formatEntry(e Entry) string {
	var b strings.Builder
	b.WriteString(e.Time.Format("2006/01/02 15:04:05"))
	b.WriteString(" [")
	b.WriteString(strings.ToUpper(e.Level.String()))
	b.WriteString("] [")
	b.WriteString(string(e.Category))
	b.WriteString("] ")
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}
	return b.String()
}

// ordered returns entries oldest first. Caller holds l.mu.
func (l *Logger) ordered() []Entry {
	if !l.full {
		out := make([]Entry, l.next)
		copy(out, l.entries[:l.next])
		return out
	}
	out := make([]Entry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

// GetEntries returns up to limit of the newest entries, newest first,
// optionally filtered by minimum level and category.
func (l *Logger) GetEntries(limit int, minLevel *Level, category *Category) []Entry {
	l.mu.Lock()
	all := l.ordered()
	l.mu.Unlock()

	result := []Entry{}
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		e := all[i]
		if minLevel != nil && e.Level < *minLevel {
			continue
		}
		if category != nil && e.Category != *category {
			continue
		}
		result = append(result, e)
	}
	return result
}

// Stats returns counts of the buffered entries.
func (l *Logger) Stats() Stats {
	l.mu.Lock()
	all := l.ordered()
	capacity := len(l.entries)
	l.mu.Unlock()

	s := Stats{
		Total:      len(all),
		Capacity:   capacity,
		ByLevel:    make(map[string]int),
		ByCategory: make(map[Category]int),
	}
	for _, e := range all {
		s.ByLevel[e.Level.String()]++
		s.ByCategory[e.Category]++
	}
	return s
}

// Clear drops all buffered entries.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]Entry, len(l.entries))
	l.next = 0
	l.full = false
}

// Debug logs at debug level on the package logger.
func Debug(cat Category, msg string, data map[string]any) {
	Get().Log(LevelDebug, cat, msg, data)
}

// Info logs at info level on the package logger.
func Info(cat Category, msg string, data map[string]any) {
	Get().Log(LevelInfo, cat, msg, data)
}

// Warn logs at warn level on the package logger.
func Warn(cat Category, msg string, data map[string]any) {
	Get().Log(LevelWarn, cat, msg, data)
}

// Error logs at error level on the package logger.
func Error(cat Category, msg string, data map[string]any) {
	Get().Log(LevelError, cat, msg, data)
}
