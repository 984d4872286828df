package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"meshmonitor/internal/domain"
)

type TelemetryRepo struct {
	db *sql.DB
}

func NewTelemetryRepo(db *sql.DB) *TelemetryRepo {
	return &TelemetryRepo{db: db}
}

func (r *TelemetryRepo) Insert(ctx context.Context, q Querier, s domain.TelemetrySample) error {
	metricsJSON, err := json.Marshal(s.Metrics)
	if err != nil {
		return fmt.Errorf("marshal telemetry metrics: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO telemetry(node_num, timestamp, kind, metrics_json)
		VALUES(?, ?, ?, ?)
	`, s.NodeNum, toUnix(s.Timestamp), string(s.Kind), string(metricsJSON))
	if err != nil {
		return fmt.Errorf("insert telemetry: %w", err)
	}
	return nil
}

func (r *TelemetryRepo) ListByNode(ctx context.Context, nodeNum uint32, kind domain.TelemetryKind, limit int) ([]domain.TelemetrySample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, node_num, timestamp, kind, metrics_json
		FROM telemetry
		WHERE node_num = ? AND kind = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, nodeNum, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("list telemetry: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.TelemetrySample
	for rows.Next() {
		var (
			s           domain.TelemetrySample
			ts          int64
			kindStr     string
			metricsJSON string
		)
		if err := rows.Scan(&s.ID, &s.NodeNum, &ts, &kindStr, &metricsJSON); err != nil {
			return nil, fmt.Errorf("scan telemetry: %w", err)
		}
		s.Timestamp = fromUnix(ts)
		s.Kind = domain.TelemetryKind(kindStr)
		if err := json.Unmarshal([]byte(metricsJSON), &s.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal telemetry metrics: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate telemetry: %w", err)
	}
	return out, nil
}

// NodeNumsWithKind returns the distinct nodes that have samples of a kind.
func (r *TelemetryRepo) NodeNumsWithKind(ctx context.Context, kind domain.TelemetryKind) ([]uint32, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT node_num FROM telemetry WHERE kind = ?
	`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list telemetry nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []uint32
	for rows.Next() {
		var num uint32
		if err := rows.Scan(&num); err != nil {
			return nil, fmt.Errorf("scan telemetry node: %w", err)
		}
		out = append(out, num)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate telemetry nodes: %w", err)
	}
	return out, nil
}

func (r *TelemetryRepo) PurgeAll(ctx context.Context, q Querier) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM telemetry`); err != nil {
		return fmt.Errorf("purge telemetry: %w", err)
	}
	return nil
}
