package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime/debug"
	"testing"

	"github.com/SimplyPrint/nfc-wedge/internal/core"
	"github.com/SimplyPrint/nfc-wedge/internal/logging"
	"github.com/SimplyPrint/nfc-wedge/internal/settings"
)

func newTestMux() (*http.ServeMux, *ReaderSnapshot) {
	snapshot := NewReaderSnapshot()
	return NewMux(snapshot, nil), snapshot
}

func TestHandleVersion(t *testing.T) {
	origVersion, origBuildTime, origGitCommit := Version, BuildTime, GitCommit
	Version = "1.2.3-test"
	BuildTime = "2024-01-15T10:30:00Z"
	GitCommit = "abc1234"
	defer func() {
		Version, BuildTime, GitCommit = origVersion, origBuildTime, origGitCommit
	}()

	req := httptest.NewRequest(http.MethodGet, "/v1/version", nil)
	w := httptest.NewRecorder()

	handleVersion(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["version"] != "1.2.3-test" {
		t.Errorf("expected version '1.2.3-test', got '%s'", result["version"])
	}
	if result["buildTime"] != "2024-01-15T10:30:00Z" {
		t.Errorf("expected buildTime '2024-01-15T10:30:00Z', got '%s'", result["buildTime"])
	}
	if result["gitCommit"] != "abc1234" {
		t.Errorf("expected gitCommit 'abc1234', got '%s'", result["gitCommit"])
	}
}

func TestHandlers_MethodNotAllowed(t *testing.T) {
	mux, _ := newTestMux()

	tests := []struct {
		path   string
		method string
	}{
		{"/v1/version", http.MethodPost},
		{"/v1/health", http.MethodDelete},
		{"/v1/readers", http.MethodPut},
		{"/v1/crashes", http.MethodPost},
		{"/v1/logs", http.MethodPatch},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, w.Code)
			}
		})
	}
}

func TestHandleListReaders(t *testing.T) {
	mux, snapshot := newTestMux()

	req := httptest.NewRequest(http.MethodGet, "/v1/readers", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if body := w.Body.String(); body != "[]\n" {
		t.Errorf("expected empty JSON array before first enumeration, got %q", body)
	}

	snapshot.Observe([]string{"ACS ACR1252 Dual Reader PICC", "ACS ACR1252 Dual Reader SAM"})

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/readers", nil))

	var readers []core.Reader
	if err := json.NewDecoder(w.Body).Decode(&readers); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(readers) != 2 || readers[0].Type != "picc" || readers[1].Type != "sam" {
		t.Errorf("unexpected readers: %+v", readers)
	}
}

func TestHandleHealth(t *testing.T) {
	mux, snapshot := newTestMux()
	snapshot.Observe([]string{"ACS ACR122U PICC Interface"})

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("expected JSON content type, got %q", w.Header().Get("Content-Type"))
	}

	var result map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["status"] != "ok" {
		t.Errorf("expected status 'ok', got %v", result["status"])
	}
	if result["readerCount"] != float64(1) {
		t.Errorf("expected readerCount 1, got %v", result["readerCount"])
	}
	if _, ok := result["lastScan"]; ok {
		t.Error("lastScan must be absent before any scan")
	}
}

func TestHandleLogs(t *testing.T) {
	logger := logging.NewLogger(50, logging.LevelDebug, nil)
	logging.SetDefault(logger)
	t.Cleanup(func() { logging.Init(1000, logging.LevelInfo) })

	logging.Info(logging.CatReader, "reader attached", nil)
	logging.Warn(logging.CatCard, "Failed to read card ID", map[string]any{
		"reader": "ACS ACR122U PICC Interface",
	})

	mux, _ := newTestMux()

	tests := []struct {
		query      string
		wantStatus int
		wantCount  int
	}{
		{"", http.StatusOK, 2},
		{"?level=warn", http.StatusOK, 1},
		{"?category=reader", http.StatusOK, 1},
		{"?limit=1", http.StatusOK, 1},
		{"?reader=ACS+ACR122U+PICC+Interface", http.StatusOK, 1},
		{"?reader=Identiv+uTrust", http.StatusOK, 0},
		{"?level=loud", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/logs"+tt.query, nil))

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var result struct {
				Entries []logging.Entry `json:"entries"`
			}
			if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if len(result.Entries) != tt.wantCount {
				t.Errorf("expected %d entries, got %d", tt.wantCount, len(result.Entries))
			}
		})
	}

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/logs", nil))
	if w.Code != http.StatusOK || logger.Stats().Total != 0 {
		t.Errorf("DELETE did not clear logs: status %d, total %d", w.Code, logger.Stats().Total)
	}
}

func TestHandleSettings(t *testing.T) {
	settings.SetPath(t.TempDir() + "/settings.json")
	t.Cleanup(func() { settings.SetPath("") })

	mux, _ := newTestMux()

	body := bytes.NewBufferString(`{"crashReporting":true}`)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/settings", body))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if !settings.IsCrashReportingEnabled() {
		t.Error("crash reporting not saved")
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/settings", bytes.NewBufferString(`{"mode":"UInput"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if settings.Mode() != "uinput" {
		t.Errorf("mode not saved, got %q", settings.Mode())
	}

	for _, bad := range []string{"{", `{"mode":"braille"}`} {
		w = httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/settings", bytes.NewBufferString(bad)))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status %d, got %d", bad, http.StatusBadRequest, w.Code)
		}
	}
	if settings.Mode() != "uinput" {
		t.Errorf("rejected update changed mode to %q", settings.Mode())
	}
}

func TestDevVersion(t *testing.T) {
	tests := []struct {
		name       string
		info       *debug.BuildInfo
		wantVer    string
		wantCommit string
		wantTime   string
	}{
		{"no build info", nil, "dev", "", ""},
		{"no vcs stamp", &debug.BuildInfo{}, "dev", "", ""},
		{
			name: "clean checkout",
			info: &debug.BuildInfo{Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "0123456789abcdef"},
				{Key: "vcs.time", Value: "2024-01-15T10:30:00Z"},
				{Key: "vcs.modified", Value: "false"},
			}},
			wantVer: "dev-0123456", wantCommit: "0123456789abcdef", wantTime: "2024-01-15T10:30:00Z",
		},
		{
			name: "dirty short revision",
			info: &debug.BuildInfo{Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "abc"},
				{Key: "vcs.modified", Value: "true"},
			}},
			wantVer: "dev-abc-dirty", wantCommit: "abc",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ver, built, commit := devVersion(tt.info)
			if ver != tt.wantVer || commit != tt.wantCommit || built != tt.wantTime {
				t.Errorf("devVersion = (%q, %q, %q), want (%q, %q, %q)",
					ver, built, commit, tt.wantVer, tt.wantTime, tt.wantCommit)
			}
		})
	}
}

func TestHandleCrashes_UnknownFile(t *testing.T) {
	logging.SetCrashLogDir(t.TempDir())
	t.Cleanup(func() { logging.SetCrashLogDir("") })

	mux, _ := newTestMux()
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/crashes?file=crash-missing.log", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("Handler called"))
	})

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler(w, httptest.NewRequest(method, "/test", nil))

			if w.Header().Get("Access-Control-Allow-Origin") != "*" {
				t.Error("expected Access-Control-Allow-Origin header to be '*'")
			}
			if method == http.MethodOptions {
				// Preflight never reaches the inner handler
				if w.Code != http.StatusOK || w.Body.Len() > 0 {
					t.Errorf("unexpected preflight response %d %q", w.Code, w.Body.String())
				}
			} else if w.Code != http.StatusCreated {
				t.Errorf("expected status %d, got %d", http.StatusCreated, w.Code)
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	logging.SetCrashLogDir(t.TempDir())
	t.Cleanup(func() { logging.SetCrashLogDir("") })

	handler := recoveryMiddleware(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["error"] != "internal server error" {
		t.Errorf("unexpected body: %v", result)
	}
}
