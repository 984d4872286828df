package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"meshmonitor/internal/persistence"
)

const (
	defaultVersionEndpoint       = "https://api.github.com/repos/meshmonitor/meshmonitor/releases/latest"
	defaultVersionRequestTimeout = 15 * time.Second

	// SettingLatestVersion caches the newest release tag between restarts.
	SettingLatestVersion = "latestVersion"
)

// VersionSnapshot is one successful release check.
type VersionSnapshot struct {
	CurrentVersion  string    `json:"currentVersion"`
	LatestVersion   string    `json:"latestVersion"`
	ReleaseURL      string    `json:"releaseUrl,omitempty"`
	UpdateAvailable bool      `json:"updateAvailable"`
	CheckedAt       time.Time `json:"checkedAt"`
}

// VersionChecker polls the release feed and remembers the newest version so
// the API can surface "update available" without blocking on the network.
type VersionChecker struct {
	logger         *slog.Logger
	store          *persistence.Store
	currentVersion string
	endpoint       string
	client         *http.Client

	mu     sync.RWMutex
	latest VersionSnapshot
	known  bool
}

type githubRelease struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

func NewVersionChecker(logger *slog.Logger, store *persistence.Store, currentVersion, endpoint string) *VersionChecker {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = defaultVersionEndpoint
	}
	return &VersionChecker{
		logger:         logger,
		store:          store,
		currentVersion: strings.TrimSpace(currentVersion),
		endpoint:       endpoint,
		client:         &http.Client{Timeout: defaultVersionRequestTimeout},
	}
}

// Snapshot returns the last check result, falling back to the persisted tag
// when no check ran yet this process.
func (c *VersionChecker) Snapshot(ctx context.Context) (VersionSnapshot, bool) {
	c.mu.RLock()
	snapshot, known := c.latest, c.known
	c.mu.RUnlock()
	if known {
		return snapshot, true
	}

	cached, ok, err := c.store.Settings.Get(ctx, SettingLatestVersion)
	if err != nil || !ok {
		return VersionSnapshot{CurrentVersion: c.currentVersion}, false
	}
	return VersionSnapshot{
		CurrentVersion:  c.currentVersion,
		LatestVersion:   cached,
		UpdateAvailable: isReleaseNewer(c.currentVersion, cached),
	}, true
}

// RunOnce performs a single check. The scheduler owns the cadence.
func (c *VersionChecker) RunOnce(ctx context.Context) error {
	release, err := c.fetchLatest(ctx)
	if err != nil {
		return err
	}

	snapshot := VersionSnapshot{
		CurrentVersion:  c.currentVersion,
		LatestVersion:   release.TagName,
		ReleaseURL:      release.HTMLURL,
		UpdateAvailable: isReleaseNewer(c.currentVersion, release.TagName),
		CheckedAt:       time.Now().UTC(),
	}
	c.mu.Lock()
	c.latest = snapshot
	c.known = true
	c.mu.Unlock()

	err = c.store.Writer.EnqueueWait(ctx, "cache latest version", func(ctx context.Context, tx *sql.Tx) error {
		return c.store.Settings.Set(ctx, tx, SettingLatestVersion, release.TagName)
	})
	if err != nil {
		c.logger.Warn("persist latest version", "error", err)
	}
	c.logger.Info("version check completed",
		"current_version", snapshot.CurrentVersion,
		"latest_version", snapshot.LatestVersion,
		"update_available", snapshot.UpdateAvailable,
	)

	return nil
}

func (c *VersionChecker) fetchLatest(ctx context.Context) (githubRelease, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return githubRelease{}, fmt.Errorf("create release request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return githubRelease{}, fmt.Errorf("request latest release: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return githubRelease{}, fmt.Errorf("request latest release: unexpected status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return githubRelease{}, fmt.Errorf("decode release response: %w", err)
	}
	release.TagName = strings.TrimSpace(release.TagName)
	if release.TagName == "" {
		return githubRelease{}, fmt.Errorf("release response carries no tag")
	}

	return release, nil
}

func isReleaseNewer(currentVersion, latestVersion string) bool {
	current := normalizeSemver(currentVersion)
	latest := normalizeSemver(latestVersion)

	if !semver.IsValid(latest) {
		return false
	}
	if !semver.IsValid(current) {
		return true
	}
	return semver.Compare(current, latest) < 0
}

func normalizeSemver(version string) string {
	trimmed := strings.TrimSpace(version)
	if trimmed == "" {
		return ""
	}
	if !strings.HasPrefix(trimmed, "v") {
		return "v" + trimmed
	}
	return trimmed
}
