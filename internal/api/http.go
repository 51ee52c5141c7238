// Package api serves reader status over HTTP and pushes scans to
// WebSocket clients.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"

	"github.com/SimplyPrint/nfc-wedge/internal/logging"
	"github.com/SimplyPrint/nfc-wedge/internal/output"
	"github.com/SimplyPrint/nfc-wedge/internal/settings"
)

// NewMux constructs and returns the HTTP mux for the API.
func NewMux(snapshot *ReaderSnapshot, hub *WSHub) *http.ServeMux {
	h := &handlers{snapshot: snapshot, hub: hub}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/readers", route(methods{http.MethodGet: h.handleListReaders}))
	mux.HandleFunc("/v1/version", route(methods{http.MethodGet: handleVersion}))
	mux.HandleFunc("/v1/health", route(methods{http.MethodGet: h.handleHealth}))
	mux.HandleFunc("/v1/logs", route(methods{
		http.MethodGet:    handleLogs,
		http.MethodDelete: handleClearLogs,
	}))
	mux.HandleFunc("/v1/crashes", route(methods{http.MethodGet: handleCrashes}))
	mux.HandleFunc("/v1/settings", route(methods{
		http.MethodGet:  handleGetSettings,
		http.MethodPost: handleUpdateSettings,
	}))
	if hub != nil {
		mux.HandleFunc("/v1/ws", hub.ServeWS)
	}
	return mux
}

type handlers struct {
	snapshot *ReaderSnapshot
	hub      *WSHub
}

// methods maps an HTTP method to its handler.
type methods map[string]http.HandlerFunc

// route dispatches on the request method behind CORS and panic recovery.
func route(m methods) http.HandlerFunc {
	return corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
		next, ok := m[r.Method]
		if !ok {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	})
}

// recoveryMiddleware turns a handler panic into a 500 and a crash report.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			stack := debug.Stack()
			context := fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)

			logging.CapturePanic(rec, stack, context)
			logging.Error(logging.CatHTTP, fmt.Sprintf("PANIC in %s: %v", context, rec), map[string]any{
				"panic":  fmt.Sprintf("%v", rec),
				"method": r.Method,
				"path":   r.URL.Path,
			})

			crashFile, err := logging.WriteCrashLog(rec, stack)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
			}
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error":     "internal server error",
				"crashFile": crashFile,
			})
		}()
		next(w, r)
	}
}

// corsMiddleware lets browser pages on any origin poll the local API.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		recoveryMiddleware(next)(w, r)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// queryLimit reads ?limit=, falling back to def and capping at ceiling.
func queryLimit(r *http.Request, def, ceiling int) int {
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		return min(l, ceiling)
	}
	return def
}

func (h *handlers) handleListReaders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.snapshot.Readers())
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, versionInfo())
}

func (h *handlers) health() map[string]any {
	st := h.snapshot.stats()
	resp := map[string]any{
		"status":      "ok",
		"readerCount": st.ReaderCount,
		"scans":       st.Scans,
	}
	if st.LastScan != nil {
		resp["lastScan"] = st.LastScan
	}
	if h.hub != nil {
		resp["clients"] = h.hub.ClientCount()
	}
	return resp
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.health())
}

// handleLogs returns recent log entries, newest first. Filters: level
// (minimum), category and reader (exact reader name).
func handleLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var minLevel *logging.Level
	if s := query.Get("level"); s != "" {
		l, err := logging.ParseLevel(s)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		minLevel = &l
	}

	var category *logging.Category
	if s := query.Get("category"); s != "" {
		c := logging.Category(s)
		category = &c
	}

	limit := queryLimit(r, 100, 1000)
	entries := logging.Get().GetEntries(0, minLevel, category)
	reader := query.Get("reader")

	out := make([]logging.Entry, 0, min(limit, len(entries)))
	for _, e := range entries {
		if len(out) == limit {
			break
		}
		if reader != "" && fmt.Sprint(e.Data["reader"]) != reader {
			continue
		}
		out = append(out, e)
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"entries": out,
		"stats":   logging.Get().Stats(),
	})
}

func handleClearLogs(w http.ResponseWriter, r *http.Request) {
	logging.Get().Clear()
	respondJSON(w, http.StatusOK, map[string]string{"success": "logs cleared"})
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	if filename := r.URL.Query().Get("file"); filename != "" {
		content, err := logging.ReadCrashLog(filename)
		if err != nil {
			respondError(w, http.StatusNotFound, "crash log not found: "+err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{
			"filename": filename,
			"content":  content,
		})
		return
	}

	logs, err := logging.GetCrashLogs(queryLimit(r, 20, 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list crash logs: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"crashes":  logs,
		"crashDir": logging.CrashLogDir(),
	})
}

func handleGetSettings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, settings.Get())
}

// handleUpdateSettings saves crash reporting and the default output mode.
// Both take effect on the next start.
func handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CrashReporting *bool   `json:"crashReporting"`
		Mode           *string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Mode != nil {
		mode, err := output.ParseMode(*req.Mode)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := settings.SetMode(string(mode)); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to save settings: "+err.Error())
			return
		}
	}
	if req.CrashReporting != nil {
		if err := settings.SetCrashReporting(*req.CrashReporting); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to save settings: "+err.Error())
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"settings": settings.Get(),
		"message":  "Settings saved. Restart nfc-wedge to apply them.",
	})
}
