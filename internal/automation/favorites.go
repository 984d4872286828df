package automation

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/mod/semver"

	"meshmonitor/internal/domain"
)

// favoriteSyncMinFirmware is the first firmware with the set/remove favorite
// admin commands.
const favoriteSyncMinFirmware = "v2.7.0"

type FavoriteSyncStatus string

const (
	FavoriteSyncSuccess FavoriteSyncStatus = "success"
	FavoriteSyncSkipped FavoriteSyncStatus = "skipped"
	FavoriteSyncFailed  FavoriteSyncStatus = "failed"
)

// FavoriteSyncResult reports what happened to the device-side half of a
// favorite toggle. The local database half always succeeds independently.
type FavoriteSyncResult struct {
	Status FavoriteSyncStatus `json:"status"`
	Reason string             `json:"reason,omitempty"`
}

// FavoriteSyncer mirrors favorite flags onto the radio when its firmware
// understands them.
type FavoriteSyncer struct {
	logger *slog.Logger
	device FavoriteDevice
}

// FavoriteDevice is the session slice the syncer needs.
type FavoriteDevice interface {
	Connected() bool
	FirmwareVersion() string
	SetFavorite(ctx context.Context, nodeNum uint32, favorite bool) error
}

func NewFavoriteSyncer(logger *slog.Logger, device FavoriteDevice) *FavoriteSyncer {
	return &FavoriteSyncer{logger: logger, device: device}
}

func (s *FavoriteSyncer) Sync(ctx context.Context, nodeNum uint32, favorite bool) FavoriteSyncResult {
	if !s.device.Connected() {
		return FavoriteSyncResult{Status: FavoriteSyncSkipped, Reason: "device not connected"}
	}
	firmware := s.device.FirmwareVersion()
	if !SupportsFavoriteSync(firmware) {
		return FavoriteSyncResult{
			Status: FavoriteSyncSkipped,
			Reason: "firmware " + firmware + " predates favorite sync",
		}
	}
	if err := s.device.SetFavorite(ctx, nodeNum, favorite); err != nil {
		s.logger.Warn("favorite sync failed", "node", domain.FormatNodeNum(nodeNum), "error", err)
		return FavoriteSyncResult{Status: FavoriteSyncFailed, Reason: err.Error()}
	}
	return FavoriteSyncResult{Status: FavoriteSyncSuccess}
}

// SupportsFavoriteSync reports whether a firmware version accepts the
// favorite admin commands. Firmware tags look like "2.7.4.c1f4f79"; only the
// numeric prefix matters.
func SupportsFavoriteSync(firmware string) bool {
	normalized := normalizeSemver(firmwareNumericPrefix(firmware))
	if !semver.IsValid(normalized) {
		return false
	}
	return semver.Compare(semver.MajorMinor(normalized), semver.MajorMinor(favoriteSyncMinFirmware)) >= 0
}

func firmwareNumericPrefix(firmware string) string {
	parts := strings.Split(strings.TrimSpace(firmware), ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return strings.Join(parts, ".")
}
