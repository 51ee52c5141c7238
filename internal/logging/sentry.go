package logging

import (
	"fmt"
	"os"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

var sentryEnabled atomic.Bool

// uidPattern matches hex runs long enough to be a card UID (4, 7 or 10
// bytes, with or without separators).
var uidPattern = regexp.MustCompile(`\b(?:[0-9A-Fa-f]{2}[ :]?){3,9}[0-9A-Fa-f]{2}\b`)

// sentryWanted combines the NFC_WEDGE_SENTRY override ("1" or "0") with
// the user's crash reporting setting.
func sentryWanted(setting bool, lookup func(string) string) bool {
	switch lookup("NFC_WEDGE_SENTRY") {
	case "1":
		return true
	case "0":
		return false
	}
	return setting
}

// InitSentry enables crash reporting when the user opted in (or
// NFC_WEDGE_SENTRY=1) and NFC_WEDGE_SENTRY_DSN is set. It reports whether
// Sentry is now active.
func InitSentry(version string, crashReportingEnabled bool) bool {
	if !sentryWanted(crashReportingEnabled, os.Getenv) {
		return false
	}
	dsn := os.Getenv("NFC_WEDGE_SENTRY_DSN")
	if dsn == "" {
		return false
	}

	if version == "" {
		version = "dev"
	}
	environment := os.Getenv("NFC_WEDGE_ENVIRONMENT")
	if environment == "" {
		environment = "production"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          "nfc-wedge@" + version,
		Environment:      environment,
		AttachStacktrace: true,
		TracesSampleRate: 0.0,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return scrubEvent(event)
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize Sentry: %v\n", err)
		return false
	}

	sentryEnabled.Store(true)
	return true
}

// SentryEnabled reports whether events are being sent.
func SentryEnabled() bool {
	return sentryEnabled.Load()
}

// FlushSentry waits up to timeout for queued events. Call before exit.
func FlushSentry(timeout time.Duration) {
	if sentryEnabled.Load() {
		sentry.Flush(timeout)
	}
}

// scrubEvent removes card identifiers from everything a user could not
// have meant to share.
func scrubEvent(event *sentry.Event) *sentry.Event {
	if event == nil {
		return nil
	}
	event.Message = scrubIdentifiers(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = scrubIdentifiers(event.Exception[i].Value)
	}
	for k, v := range event.Extra {
		if s, ok := v.(string); ok {
			event.Extra[k] = scrubIdentifiers(s)
		}
	}
	return event
}

func scrubIdentifiers(s string) string {
	return uidPattern.ReplaceAllString(s, "[uid]")
}

// applyScope tags the event with the crash context and attaches data.
func applyScope(scope *sentry.Scope, data map[string]any) {
	for k, v := range crashContextSnapshot() {
		scope.SetTag(k, v)
	}
	for k, v := range data {
		scope.SetExtra(k, v)
	}
}

// CapturePanic reports a recovered panic and flushes right away, since
// the process may be about to die.
func CapturePanic(panicValue any, stack []byte, context string) {
	if !sentryEnabled.Load() {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("panic_context", context)
		scope.SetLevel(sentry.LevelFatal)
		applyScope(scope, map[string]any{"stack_trace": string(stack)})

		if err, ok := panicValue.(error); ok {
			sentry.CaptureException(err)
			return
		}
		sentry.CaptureMessage(fmt.Sprintf("%v", panicValue))
	})
	sentry.Flush(2 * time.Second)
}

// CaptureError reports err, typically a fatal watcher or context error.
func CaptureError(err error, context string, data map[string]any) {
	if !sentryEnabled.Load() || err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_context", context)
		applyScope(scope, data)
		sentry.CaptureException(err)
	})
}
