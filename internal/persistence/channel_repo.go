package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"meshmonitor/internal/domain"
)

type ChannelRepo struct {
	db *sql.DB
}

func NewChannelRepo(db *sql.DB) *ChannelRepo {
	return &ChannelRepo{db: db}
}

func (r *ChannelRepo) Upsert(ctx context.Context, q Querier, c domain.Channel) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO channels(id, name, psk, role, uplink_enabled, downlink_enabled, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			psk = excluded.psk,
			role = excluded.role,
			uplink_enabled = excluded.uplink_enabled,
			downlink_enabled = excluded.downlink_enabled,
			updated_at = excluded.updated_at
	`, c.ID, c.Name, c.PSK, int(c.Role), boolToInt(c.UplinkEnabled), boolToInt(c.DownlinkEnabled),
		toUnix(c.CreatedAt), toUnix(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}
	return nil
}

// List returns all stored channels, disabled ones included. Callers that
// serve users filter on role themselves.
func (r *ChannelRepo) List(ctx context.Context) ([]domain.Channel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, psk, role, uplink_enabled, downlink_enabled, created_at, updated_at
		FROM channels
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Channel
	for rows.Next() {
		var (
			c                  domain.Channel
			role               int
			uplink, downlink   int64
			created, updatedAt int64
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.PSK, &role, &uplink, &downlink, &created, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		c.Role = domain.ChannelRole(role)
		c.UplinkEnabled = uplink != 0
		c.DownlinkEnabled = downlink != 0
		c.CreatedAt = fromUnix(created)
		c.UpdatedAt = fromUnix(updatedAt)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return out, nil
}

// ListActive returns channels users can see: every stored channel whose
// role is not disabled.
func (r *ChannelRepo) ListActive(ctx context.Context) ([]domain.Channel, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0:0]
	for _, c := range all {
		if c.Role != domain.ChannelRoleDisabled {
			active = append(active, c)
		}
	}
	return active, nil
}
