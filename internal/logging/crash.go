package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// MaxCrashLogs is the number of crash reports kept on disk.
	MaxCrashLogs = 20
	// CrashLogMaxAge is how long a crash report is kept.
	CrashLogMaxAge = 30 * 24 * time.Hour
	// crashTailEntries is how many recent log entries a report includes.
	crashTailEntries = 25

	crashPrefix     = "crash_"
	crashSuffix     = ".log"
	crashTimeLayout = "2006-01-02_15-04-05"
)

var (
	crashMu          sync.RWMutex
	crashDirOverride string
	crashContext     = map[string]string{}
)

// SetCrashLogDir overrides the platform crash log directory. An empty dir
// restores the default.
func SetCrashLogDir(dir string) {
	crashMu.Lock()
	crashDirOverride = dir
	crashMu.Unlock()
}

// SetCrashContext records a process fact (output mode, platform) that is
// written into every crash report and tagged on Sentry events. An empty
// value removes the key.
func SetCrashContext(key, value string) {
	crashMu.Lock()
	defer crashMu.Unlock()
	if value == "" {
		delete(crashContext, key)
		return
	}
	crashContext[key] = value
}

func crashContextSnapshot() map[string]string {
	crashMu.RLock()
	defer crashMu.RUnlock()
	out := make(map[string]string, len(crashContext))
	for k, v := range crashContext {
		out[k] = v
	}
	return out
}

// CrashLogDir returns the crash report directory for this platform.
func CrashLogDir() string {
	crashMu.RLock()
	override := crashDirOverride
	crashMu.RUnlock()
	if override != "" {
		return override
	}

	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", "NFC-Wedge")
	case "windows":
		if appData := os.Getenv("LOCALAPPDATA"); appData != "" {
			return filepath.Join(appData, "NFC-Wedge", "logs")
		}
		return filepath.Join(home, "NFC-Wedge", "logs")
	default:
		if state := os.Getenv("XDG_STATE_HOME"); state != "" {
			return filepath.Join(state, "nfc-wedge")
		}
		return filepath.Join(home, ".local", "state", "nfc-wedge")
	}
}

func isCrashLog(name string) bool {
	return strings.HasPrefix(name, crashPrefix) && strings.HasSuffix(name, crashSuffix)
}

// WriteCrashLog writes a crash report and prunes old ones. It returns the
// path of the new report.
func WriteCrashLog(panicValue any, stack []byte) (string, error) {
	dir := CrashLogDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create crash log directory: %w", err)
	}

	now := time.Now()
	path := filepath.Join(dir, crashPrefix+now.Format(crashTimeLayout)+crashSuffix)
	if err := os.WriteFile(path, []byte(formatCrashReport(now, panicValue, stack)), 0644); err != nil {
		return "", fmt.Errorf("failed to write crash log: %w", err)
	}

	cleanupOldCrashLogs(dir, now)
	return path, nil
}

func formatCrashReport(now time.Time, panicValue any, stack []byte) string {
	var b strings.Builder
	b.WriteString("NFC Wedge Crash Report\n======================\n")
	fmt.Fprintf(&b, "Time: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "Go Version: %s\n", runtime.Version())
	fmt.Fprintf(&b, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)

	if ctx := crashContextSnapshot(); len(ctx) > 0 {
		keys := make([]string, 0, len(ctx))
		for k := range ctx {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\nContext:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %s\n", k, ctx[k])
		}
	}

	fmt.Fprintf(&b, "\nPanic Value:\n%v\n\nStack Trace:\n%s\n", panicValue, stack)

	// Oldest first, the way they were printed
	recent := Get().GetEntries(crashTailEntries, nil, nil)
	if len(recent) > 0 {
		b.WriteString("\nRecent Log:\n")
		for i := len(recent) - 1; i >= 0; i-- {
			b.WriteString(formatEntry(recent[i]))
			b.WriteByte('\n')
		}
	}

	b.WriteString("\nBuild Info:\n")
	if info, ok := debug.ReadBuildInfo(); ok {
		b.WriteString(info.String())
	} else {
		b.WriteString("Build info not available\n")
	}
	return b.String()
}

// recoverPanic handles a recovered value: Sentry, log, crash file, stderr.
// It returns the crash file path, empty if it could not be written.
func recoverPanic(context string, r any) string {
	stack := debug.Stack()

	CapturePanic(r, stack, context)
	Error(CatSystem, fmt.Sprintf("PANIC in %s: %v", context, r), map[string]any{
		"panic": fmt.Sprintf("%v", r),
		"stack": string(stack),
	})

	crashFile, err := WriteCrashLog(r, stack)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
		crashFile = ""
	} else {
		fmt.Fprintf(os.Stderr, "Crash log written to: %s\n", crashFile)
	}
	fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", context, r, stack)
	return crashFile
}

// RecoverAndLog recovers a panic, reports it, and re-panics if rePanic is
// set. Use as: defer logging.RecoverAndLog("context", true)
func RecoverAndLog(context string, rePanic bool) {
	if r := recover(); r != nil {
		recoverPanic(context, r)
		if rePanic {
			panic(r)
		}
	}
}

// RecoverAndLogFunc is RecoverAndLog with a callback run after the report
// is written and before any re-panic.
func RecoverAndLogFunc(context string, rePanic bool, onPanic func(panicValue any, crashFile string)) {
	if r := recover(); r != nil {
		crashFile := recoverPanic(context, r)
		if onPanic != nil {
			onPanic(r, crashFile)
		}
		if rePanic {
			panic(r)
		}
	}
}

// CrashLogInfo describes a crash report on disk.
type CrashLogInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// GetCrashLogs lists up to limit crash reports, newest first.
func GetCrashLogs(limit int) ([]CrashLogInfo, error) {
	dir := CrashLogDir()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []CrashLogInfo{}, nil
	}
	if err != nil {
		return nil, err
	}

	names := crashLogNames(entries)
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	logs := []CrashLogInfo{}
	for _, name := range names {
		if len(logs) >= limit {
			break
		}
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		logs = append(logs, CrashLogInfo{
			Name:    name,
			Path:    filepath.Join(dir, name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return logs, nil
}

// ReadCrashLog returns one crash report. filename must be a bare name.
func ReadCrashLog(filename string) (string, error) {
	if filepath.Base(filename) != filename || !isCrashLog(filename) {
		return "", fmt.Errorf("invalid filename")
	}
	content, err := os.ReadFile(filepath.Join(CrashLogDir(), filename))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

func crashLogNames(entries []os.DirEntry) []string {
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isCrashLog(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names
}

// cleanupOldCrashLogs keeps the newest MaxCrashLogs reports and removes
// any older than CrashLogMaxAge.
func cleanupOldCrashLogs(dir string, now time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	// Timestamped names sort oldest first
	names := crashLogNames(entries)
	sort.Strings(names)

	for i, name := range names {
		path := filepath.Join(dir, name)
		tooMany := len(names)-i > MaxCrashLogs
		tooOld := false
		if info, err := os.Stat(path); err == nil {
			tooOld = now.Sub(info.ModTime()) > CrashLogMaxAge
		}
		if tooMany || tooOld {
			_ = os.Remove(path)
		}
	}
}
