package automation

import (
	"context"
	"log/slog"
	"time"

	"meshmonitor/internal/domain"
	"meshmonitor/internal/persistence"
	"meshmonitor/internal/radio"
)

const (
	// rotationActiveWindow bounds which nodes are worth tracing: anything
	// silent longer than this is likely unreachable anyway.
	rotationActiveWindow = 3 * time.Hour
)

// Rotation walks the active nodes with traceroutes, stalest destination
// first, one probe per scheduler tick.
type Rotation struct {
	logger   *slog.Logger
	sender   Sender
	store    *persistence.Store
	settings *Settings

	// cooldown is the minimum spacing between probes to the same node.
	cooldown time.Duration
}

func NewRotation(logger *slog.Logger, sender Sender, store *persistence.Store, settings *Settings, cooldown time.Duration) *Rotation {
	return &Rotation{logger: logger, sender: sender, store: store, settings: settings, cooldown: cooldown}
}

func (r *Rotation) RunOnce(ctx context.Context) error {
	if !r.settings.Snapshot().TracerouteEnabled {
		return nil
	}
	if !r.sender.Connected() {
		r.logger.Debug("traceroute rotation skipped, not connected")
		return nil
	}

	target, ok, err := r.pickTarget(ctx)
	if err != nil {
		return err
	}
	if !ok {
		r.logger.Debug("traceroute rotation found no eligible target")
		return nil
	}

	if _, err := r.sender.SendTraceroute(ctx, target, 0, radio.OriginJob); err != nil {
		return err
	}
	r.logger.Info("traceroute requested", "target", domain.FormatNodeNum(target))
	return nil
}

// pickTarget returns the active node whose last traceroute is oldest,
// never-traced nodes first, honoring the per-destination cooldown.
func (r *Rotation) pickTarget(ctx context.Context) (uint32, bool, error) {
	active, err := r.store.Nodes.ListHeardSince(ctx, time.Now().Add(-rotationActiveWindow))
	if err != nil {
		return 0, false, err
	}
	latest, err := r.store.Traceroutes.LatestPerDestination(ctx)
	if err != nil {
		return 0, false, err
	}

	local := r.sender.LocalNodeNum()
	cutoff := time.Now().Add(-r.cooldown)

	var (
		target    uint32
		targetAt  time.Time
		haveMatch bool
	)
	for _, node := range active {
		if node.NodeNum == local {
			continue
		}
		tracedAt, traced := latest[node.NodeNum]
		if traced && tracedAt.After(cutoff) {
			continue
		}
		if !traced {
			return node.NodeNum, true, nil
		}
		if !haveMatch || tracedAt.Before(targetAt) {
			target = node.NodeNum
			targetAt = tracedAt
			haveMatch = true
		}
	}

	return target, haveMatch, nil
}
