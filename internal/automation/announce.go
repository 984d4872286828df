package automation

import (
	"context"
	"log/slog"
	"time"

	"meshmonitor/internal/radio"
)

// startupAnnouncePoll is how often the on-start announce waits for the
// session to come up before trying again.
const startupAnnouncePoll = 2 * time.Second

// Announcer periodically broadcasts a presence message on the configured
// channel. The scheduler drives the cadence; this only does one send.
type Announcer struct {
	logger   *slog.Logger
	sender   Sender
	settings *Settings
}

func NewAnnouncer(logger *slog.Logger, sender Sender, settings *Settings) *Announcer {
	return &Announcer{logger: logger, sender: sender, settings: settings}
}

func (a *Announcer) RunOnce(ctx context.Context) error {
	cfg := a.settings.Snapshot()
	if !cfg.AutoAnnounceEnabled {
		return nil
	}
	if !a.sender.Connected() {
		a.logger.Debug("announce skipped, not connected")
		return nil
	}

	opts := radio.TextOptions{Channel: uint32(cfg.AutoAnnounceChannel)}
	_, err := a.sender.SendText(ctx, cfg.AutoAnnounceText, opts, radio.OriginJob)
	if err != nil {
		return err
	}
	a.logger.Info("announce sent", "channel", cfg.AutoAnnounceChannel, "text", cfg.AutoAnnounceText)
	return nil
}

// RunOnStart sends one announce as soon as the session connects, when the
// on-start setting asks for it. It returns once the announce went out or the
// context ended.
func (a *Announcer) RunOnStart(ctx context.Context) {
	cfg := a.settings.Snapshot()
	if !cfg.AutoAnnounceEnabled || !cfg.AutoAnnounceOnStart {
		return
	}
	for {
		if a.sender.Connected() {
			if err := a.RunOnce(ctx); err != nil {
				a.logger.Warn("startup announce failed", "error", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(startupAnnouncePoll):
		}
	}
}
