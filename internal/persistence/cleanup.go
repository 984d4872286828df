package persistence

import (
	"context"
	"fmt"
	"time"

	"meshmonitor/internal/config"
	"meshmonitor/internal/domain"
)

// Cleanup deletes rows older than the configured retention horizons. It only
// ever removes data, so running it twice in a row is safe.
type Cleanup struct {
	retention config.RetentionConfig
}

func NewCleanup(retention config.RetentionConfig) *Cleanup {
	return &Cleanup{retention: retention}
}

// Run sweeps every retained table inside the caller's transaction scope and
// returns the total rows removed.
func (c *Cleanup) Run(ctx context.Context, q Querier, now time.Time) (int64, error) {
	sweeps := []struct {
		table   string
		column  string
		horizon time.Duration
	}{
		{"messages", "timestamp", c.retention.Messages},
		{"telemetry", "timestamp", c.retention.Telemetry},
		{"position_history", "timestamp", c.retention.Positions},
		{"neighbor_info", "timestamp", c.retention.Neighbors},
		{"traceroutes", "timestamp", c.retention.Traceroutes},
		{"raw_packets", "timestamp", c.retention.Telemetry},
	}

	var total int64
	for _, s := range sweeps {
		if s.horizon <= 0 {
			continue
		}
		cutoff := now.Add(-s.horizon).Unix()
		res, err := q.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE %s < ?`, s.table, s.column), cutoff)
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", s.table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("sweep %s rows affected: %w", s.table, err)
		}
		total += n
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM api_sessions WHERE expires_at <= ?`, now.Unix()); err != nil {
		return total, fmt.Errorf("sweep api_sessions: %w", err)
	}

	if err := reconcileMobility(ctx, q, now); err != nil {
		return total, err
	}

	return total, nil
}

// reconcileMobility re-derives is_mobile for flagged nodes after position
// rows were swept. A node whose surviving window no longer spans the
// mobility threshold loses the flag.
func reconcileMobility(ctx context.Context, q Querier, now time.Time) error {
	rows, err := q.QueryContext(ctx, `SELECT node_num, node_id FROM nodes WHERE is_mobile = 1`)
	if err != nil {
		return fmt.Errorf("list mobile nodes: %w", err)
	}
	type mobileNode struct {
		num uint32
		id  string
	}
	var flagged []mobileNode
	for rows.Next() {
		var n mobileNode
		if err := rows.Scan(&n.num, &n.id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan mobile node: %w", err)
		}
		flagged = append(flagged, n)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate mobile nodes: %w", err)
	}
	_ = rows.Close()

	since := toUnix(now.Add(-domain.MobilityWindow))
	for _, n := range flagged {
		points, err := windowPositions(ctx, q, n.id, since)
		if err != nil {
			return err
		}
		if domain.IsMobile(points, now) {
			continue
		}
		if _, err := q.ExecContext(ctx, `UPDATE nodes SET is_mobile = 0 WHERE node_num = ?`, n.num); err != nil {
			return fmt.Errorf("clear mobility for %s: %w", n.id, err)
		}
	}
	return nil
}

func windowPositions(ctx context.Context, q Querier, nodeID string, since int64) ([]domain.PositionPoint, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT latitude, longitude, timestamp
		FROM position_history
		WHERE node_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC, id ASC
	`, nodeID, since)
	if err != nil {
		return nil, fmt.Errorf("window positions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.PositionPoint
	for rows.Next() {
		var (
			p  domain.PositionPoint
			ts int64
		)
		if err := rows.Scan(&p.Latitude, &p.Longitude, &ts); err != nil {
			return nil, fmt.Errorf("scan window position: %w", err)
		}
		p.NodeID = nodeID
		p.Timestamp = fromUnix(ts)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate window positions: %w", err)
	}
	return out, nil
}
