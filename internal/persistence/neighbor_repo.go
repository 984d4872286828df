package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"meshmonitor/internal/domain"
)

type NeighborRepo struct {
	db *sql.DB
}

func NewNeighborRepo(db *sql.DB) *NeighborRepo {
	return &NeighborRepo{db: db}
}

// ReplaceForNode swaps a node's neighbor set for the one just reported.
// NEIGHBORINFO packets carry the full current set, so stale edges go away
// rather than accumulating.
func (r *NeighborRepo) ReplaceForNode(ctx context.Context, q Querier, nodeNum uint32, neighbors []domain.Neighbor) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM neighbor_info WHERE node_num = ?`, nodeNum); err != nil {
		return fmt.Errorf("clear neighbors: %w", err)
	}
	for _, n := range neighbors {
		var lastRx any
		if !n.LastRxTime.IsZero() {
			lastRx = toUnix(n.LastRxTime)
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO neighbor_info(node_num, neighbor_node_num, snr, last_rx_time, timestamp)
			VALUES(?, ?, ?, ?, ?)
		`, nodeNum, n.NeighborNodeNum, n.SNR, lastRx, toUnix(n.Timestamp))
		if err != nil {
			return fmt.Errorf("insert neighbor: %w", err)
		}
	}
	return nil
}

func (r *NeighborRepo) List(ctx context.Context) ([]domain.Neighbor, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, node_num, neighbor_node_num, snr, last_rx_time, timestamp
		FROM neighbor_info
		ORDER BY node_num ASC, snr DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list neighbors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Neighbor
	for rows.Next() {
		var (
			n      domain.Neighbor
			lastRx sql.NullInt64
			ts     int64
		)
		if err := rows.Scan(&n.ID, &n.NodeNum, &n.NeighborNodeNum, &n.SNR, &lastRx, &ts); err != nil {
			return nil, fmt.Errorf("scan neighbor: %w", err)
		}
		if lastRx.Valid {
			n.LastRxTime = fromUnix(lastRx.Int64)
		}
		n.Timestamp = fromUnix(ts)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate neighbors: %w", err)
	}
	return out, nil
}

func (r *NeighborRepo) ListForNode(ctx context.Context, nodeNum uint32) ([]domain.Neighbor, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, node_num, neighbor_node_num, snr, last_rx_time, timestamp
		FROM neighbor_info
		WHERE node_num = ?
		ORDER BY snr DESC
	`, nodeNum)
	if err != nil {
		return nil, fmt.Errorf("list node neighbors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Neighbor
	for rows.Next() {
		var (
			n      domain.Neighbor
			lastRx sql.NullInt64
			ts     int64
		)
		if err := rows.Scan(&n.ID, &n.NodeNum, &n.NeighborNodeNum, &n.SNR, &lastRx, &ts); err != nil {
			return nil, fmt.Errorf("scan neighbor: %w", err)
		}
		if lastRx.Valid {
			n.LastRxTime = fromUnix(lastRx.Int64)
		}
		n.Timestamp = fromUnix(ts)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node neighbors: %w", err)
	}
	return out, nil
}
