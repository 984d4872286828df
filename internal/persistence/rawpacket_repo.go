package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"meshmonitor/internal/domain"
)

type RawPacketRepo struct {
	db *sql.DB
}

func NewRawPacketRepo(db *sql.DB) *RawPacketRepo {
	return &RawPacketRepo{db: db}
}

func (r *RawPacketRepo) Insert(ctx context.Context, q Querier, p domain.RawPacket) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO raw_packets(from_node_num, portnum, payload, timestamp)
		VALUES(?, ?, ?, ?)
	`, p.FromNodeNum, p.Portnum, p.Payload, toUnix(p.Timestamp))
	if err != nil {
		return fmt.Errorf("insert raw packet: %w", err)
	}
	return nil
}

func (r *RawPacketRepo) ListRecent(ctx context.Context, limit int) ([]domain.RawPacket, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, from_node_num, portnum, payload, timestamp
		FROM raw_packets
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list raw packets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.RawPacket
	for rows.Next() {
		var (
			p  domain.RawPacket
			ts int64
		)
		if err := rows.Scan(&p.ID, &p.FromNodeNum, &p.Portnum, &p.Payload, &ts); err != nil {
			return nil, fmt.Errorf("scan raw packet: %w", err)
		}
		p.Timestamp = fromUnix(ts)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate raw packets: %w", err)
	}
	return out, nil
}
