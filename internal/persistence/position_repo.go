package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"meshmonitor/internal/domain"
)

type PositionRepo struct {
	db *sql.DB
}

func NewPositionRepo(db *sql.DB) *PositionRepo {
	return &PositionRepo{db: db}
}

func (r *PositionRepo) Insert(ctx context.Context, q Querier, p domain.PositionPoint) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO position_history(node_id, latitude, longitude, altitude, timestamp)
		VALUES(?, ?, ?, ?, ?)
	`, p.NodeID, p.Latitude, p.Longitude, p.Altitude, toUnix(p.Timestamp))
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// Latest returns a node's most recent recorded fix.
func (r *PositionRepo) Latest(ctx context.Context, nodeID string) (domain.PositionPoint, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, node_id, latitude, longitude, altitude, timestamp
		FROM position_history
		WHERE node_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`, nodeID)

	var (
		p  domain.PositionPoint
		ts int64
	)
	err := row.Scan(&p.ID, &p.NodeID, &p.Latitude, &p.Longitude, &p.Altitude, &ts)
	if err == sql.ErrNoRows {
		return domain.PositionPoint{}, false, nil
	}
	if err != nil {
		return domain.PositionPoint{}, false, fmt.Errorf("latest position: %w", err)
	}
	p.Timestamp = fromUnix(ts)
	return p, true, nil
}

// ListSince returns a node's track within the window, oldest first.
func (r *PositionRepo) ListSince(ctx context.Context, nodeID string, since time.Time) ([]domain.PositionPoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, node_id, latitude, longitude, altitude, timestamp
		FROM position_history
		WHERE node_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC, id ASC
	`, nodeID, toUnix(since))
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.PositionPoint
	for rows.Next() {
		var (
			p  domain.PositionPoint
			ts int64
		)
		if err := rows.Scan(&p.ID, &p.NodeID, &p.Latitude, &p.Longitude, &p.Altitude, &ts); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.Timestamp = fromUnix(ts)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	return out, nil
}
