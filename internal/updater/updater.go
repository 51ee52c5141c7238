// Package updater asks GitHub whether a newer nfc-wedge release exists.
package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/SimplyPrint/nfc-wedge/internal/logging"
)

const (
	// ReleasesURL lists the most recent releases.
	ReleasesURL = "https://api.github.com/repos/SimplyPrint/nfc-wedge/releases?per_page=20"
	// CacheDuration is how long a check result is reused.
	CacheDuration = 30 * time.Minute
	// RequestTimeout bounds a single GitHub request.
	RequestTimeout = 10 * time.Second
	// UserAgent identifies this client to GitHub
	UserAgent = "nfc-wedge-updater"
)

// releaseTag matches wedge release tags (v1.2.3) and skips prefixed ones
// such as packaging-v1.0.0.
var releaseTag = regexp.MustCompile(`^v\d+\.\d+\.\d+`)

// Release is the part of the GitHub release payload we read.
type Release struct {
	TagName     string    `json:"tag_name"`
	HTMLURL     string    `json:"html_url"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []Asset   `json:"assets"`
}

// Asset is a downloadable release file.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// UpdateInfo is the result of a check.
type UpdateInfo struct {
	Available      bool      `json:"available"`
	CurrentVersion string    `json:"currentVersion"`
	LatestVersion  string    `json:"latestVersion,omitempty"`
	ReleaseURL     string    `json:"releaseUrl,omitempty"`
	DownloadURL    string    `json:"downloadUrl,omitempty"`
	Platform       string    `json:"platform"`
	CheckedAt      time.Time `json:"checkedAt"`
	IsDev          bool      `json:"isDev"`
}

// Checker performs update checks and caches the last successful result.
type Checker struct {
	currentVersion string
	url            string
	httpClient     *http.Client
	now            func() time.Time

	mu          sync.Mutex
	cached      *UpdateInfo
	cacheExpiry time.Time
}

// NewChecker creates a checker for currentVersion against ReleasesURL.
func NewChecker(currentVersion string) *Checker {
	return newChecker(currentVersion, ReleasesURL)
}

func newChecker(currentVersion, url string) *Checker {
	return &Checker{
		currentVersion: currentVersion,
		url:            url,
		httpClient:     &http.Client{Timeout: RequestTimeout},
		now:            time.Now,
	}
}

// Check returns the cached result when fresh, otherwise asks GitHub.
// Failed checks are not cached.
func (c *Checker) Check(ctx context.Context, forceRefresh bool) (*UpdateInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !forceRefresh && c.cached != nil && c.now().Before(c.cacheExpiry) {
		info := *c.cached
		return &info, nil
	}

	info, err := c.fetch(ctx)
	if err != nil {
		logging.Debug(logging.CatSystem, "Update check failed", map[string]any{
			"error": err.Error(),
		})
		return nil, err
	}
	c.cached = info
	c.cacheExpiry = c.now().Add(CacheDuration)

	out := *info
	return &out, nil
}

// ClearCache drops the cached result.
func (c *Checker) ClearCache() {
	c.mu.Lock()
	c.cached = nil
	c.cacheExpiry = time.Time{}
	c.mu.Unlock()
}

func (c *Checker) fetch(ctx context.Context) (*UpdateInfo, error) {
	current := ParseVersion(c.currentVersion)
	info := &UpdateInfo{
		CurrentVersion: c.currentVersion,
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
		CheckedAt:      c.now(),
		IsDev:          current.IsDev(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch release info: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		return nil, fmt.Errorf("rate limited by GitHub API, try again later")
	default:
		return nil, fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}

	var releases []Release
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("failed to parse release info: %w", err)
	}

	// GitHub lists newest first.
	var latest *Release
	for i := range releases {
		if releaseTag.MatchString(releases[i].TagName) {
			latest = &releases[i]
			break
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("no nfc-wedge releases found")
	}

	info.LatestVersion = latest.TagName
	info.ReleaseURL = latest.HTMLURL
	info.DownloadURL = findDownloadURL(latest.Assets, runtime.GOOS, runtime.GOARCH)
	// Dev builds are usually ahead of the last tag.
	info.Available = !current.IsDev() && current.IsOlderThan(ParseVersion(latest.TagName))
	return info, nil
}

// findDownloadURL picks the asset for goos/goarch, preferring native
// package formats over archives.
func findDownloadURL(assets []Asset, goos, goarch string) string {
	archNames := map[string][]string{
		"amd64": {"amd64", "x86_64", "x64"},
		"arm64": {"arm64", "aarch64"},
		"386":   {"386", "i386", "x86"},
	}
	archPatterns := archNames[goarch]
	if archPatterns == nil {
		archPatterns = []string{goarch}
	}

	osNames := map[string][]string{
		"darwin":  {"darwin", "macos"},
		"windows": {"windows", "win"},
		"linux":   {"linux"},
	}
	extensions := map[string][]string{
		"darwin":  {".pkg", ".tar.gz", ".zip"},
		"windows": {".msi", ".exe", ".zip"},
		"linux":   {".deb", ".rpm", ".tar.gz"},
	}[goos]
	if extensions == nil {
		extensions = []string{".tar.gz", ".zip"}
	}

	best, bestScore := "", len(extensions)+1
	for _, asset := range assets {
		name := strings.ToLower(asset.Name)
		if !containsAny(name, osNames[goos]) {
			continue
		}
		if !containsAny(name, archPatterns) && !(goos == "darwin" && strings.Contains(name, "universal")) {
			continue
		}

		score := len(extensions)
		for i, ext := range extensions {
			if strings.HasSuffix(name, ext) {
				score = i
				break
			}
		}
		if score < bestScore {
			best, bestScore = asset.BrowserDownloadURL, score
		}
	}
	return best
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
