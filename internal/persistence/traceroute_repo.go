package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"meshmonitor/internal/domain"
)

// tracerouteDedupWindow collapses the forward and return legs of one route
// discovery into a single row: replies for the same pair landing within the
// window update the earlier row instead of inserting a new one.
const tracerouteDedupWindow = time.Second

type TracerouteRepo struct {
	db *sql.DB
}

func NewTracerouteRepo(db *sql.DB) *TracerouteRepo {
	return &TracerouteRepo{db: db}
}

func (r *TracerouteRepo) Upsert(ctx context.Context, q Querier, t domain.Traceroute) error {
	routeJSON, err := marshalJSONNullable(t.Route)
	if err != nil {
		return fmt.Errorf("marshal route: %w", err)
	}
	routeBackJSON, err := marshalJSONNullable(t.RouteBack)
	if err != nil {
		return fmt.Errorf("marshal route back: %w", err)
	}
	snrTowardsJSON, err := marshalJSONNullable(t.SNRTowards)
	if err != nil {
		return fmt.Errorf("marshal snr towards: %w", err)
	}
	snrBackJSON, err := marshalJSONNullable(t.SNRBack)
	if err != nil {
		return fmt.Errorf("marshal snr back: %w", err)
	}

	ts := toUnix(t.Timestamp)
	lower := ts - int64(tracerouteDedupWindow/time.Second)
	upper := ts + int64(tracerouteDedupWindow/time.Second)

	var existingID int64
	err = q.QueryRowContext(ctx, `
		SELECT id FROM traceroutes
		WHERE from_node_num = ? AND to_node_num = ? AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp DESC
		LIMIT 1
	`, t.FromNodeNum, t.ToNodeNum, lower, upper).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		_, err = q.ExecContext(ctx, `
			INSERT INTO traceroutes(
				from_node_num, to_node_num,
				route_json, route_back_json, snr_towards_json, snr_back_json,
				hop_count, timestamp
			)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		`, t.FromNodeNum, t.ToNodeNum,
			routeJSON, routeBackJSON, snrTowardsJSON, snrBackJSON,
			t.HopCount, ts)
		if err != nil {
			return fmt.Errorf("insert traceroute: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("probe traceroute: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		UPDATE traceroutes SET
			route_json = COALESCE(?, route_json),
			route_back_json = COALESCE(?, route_back_json),
			snr_towards_json = COALESCE(?, snr_towards_json),
			snr_back_json = COALESCE(?, snr_back_json),
			hop_count = MAX(hop_count, ?)
		WHERE id = ?
	`, routeJSON, routeBackJSON, snrTowardsJSON, snrBackJSON, t.HopCount, existingID)
	if err != nil {
		return fmt.Errorf("update traceroute: %w", err)
	}
	return nil
}

func (r *TracerouteRepo) ListRecent(ctx context.Context, limit int) ([]domain.Traceroute, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, from_node_num, to_node_num,
		       route_json, route_back_json, snr_towards_json, snr_back_json,
		       hop_count, timestamp
		FROM traceroutes
		ORDER BY timestamp DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list traceroutes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Traceroute
	for rows.Next() {
		t, err := scanTraceroute(rows)
		if err != nil {
			return nil, fmt.Errorf("scan traceroute: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate traceroutes: %w", err)
	}
	return out, nil
}

// LatestPerDestination returns the newest traceroute timestamp keyed by
// destination node. The rotation job uses it to pick the stalest target.
func (r *TracerouteRepo) LatestPerDestination(ctx context.Context) (map[uint32]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT to_node_num, MAX(timestamp) FROM traceroutes GROUP BY to_node_num
	`)
	if err != nil {
		return nil, fmt.Errorf("latest traceroutes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[uint32]time.Time)
	for rows.Next() {
		var (
			num uint32
			ts  int64
		)
		if err := rows.Scan(&num, &ts); err != nil {
			return nil, fmt.Errorf("scan latest traceroute: %w", err)
		}
		out[num] = fromUnix(ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest traceroutes: %w", err)
	}
	return out, nil
}

func scanTraceroute(row rowScanner) (domain.Traceroute, error) {
	var (
		t                        domain.Traceroute
		routeJSON, routeBackJSON *string
		snrTowards, snrBack      *string
		ts                       int64
	)
	err := row.Scan(
		&t.ID, &t.FromNodeNum, &t.ToNodeNum,
		&routeJSON, &routeBackJSON, &snrTowards, &snrBack,
		&t.HopCount, &ts,
	)
	if err != nil {
		return domain.Traceroute{}, err
	}
	t.Route = unmarshalJSONSlice[uint32](routeJSON)
	t.RouteBack = unmarshalJSONSlice[uint32](routeBackJSON)
	t.SNRTowards = unmarshalJSONSlice[int32](snrTowards)
	t.SNRBack = unmarshalJSONSlice[int32](snrBack)
	t.Timestamp = fromUnix(ts)

	return t, nil
}
