package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"meshmonitor/internal/domain"
)

type NodeRepo struct {
	db *sql.DB
}

func NewNodeRepo(db *sql.DB) *NodeRepo {
	return &NodeRepo{db: db}
}

// Upsert merges a node update into the row. Absent attributes never clobber
// previously learned ones: nodes advertise identity, position and metrics in
// separate packets.
func (r *NodeRepo) Upsert(ctx context.Context, q Querier, n domain.Node) error {
	var (
		lat, lon, alt, precision any
		battery, voltage         any
		chanUtil, airUtil        any
		snr, rssi, hops          any
	)
	if n.Position != nil {
		lat = n.Position.Latitude
		lon = n.Position.Longitude
		alt = int64(n.Position.Altitude)
		precision = int64(n.Position.PrecisionBits)
	}
	if n.Metrics.BatteryLevel != nil {
		battery = int64(*n.Metrics.BatteryLevel)
	}
	if n.Metrics.Voltage != nil {
		voltage = *n.Metrics.Voltage
	}
	if n.Metrics.ChannelUtilization != nil {
		chanUtil = *n.Metrics.ChannelUtilization
	}
	if n.Metrics.AirUtilTx != nil {
		airUtil = *n.Metrics.AirUtilTx
	}
	if n.SNR != nil {
		snr = *n.SNR
	}
	if n.RSSI != nil {
		rssi = int64(*n.RSSI)
	}
	if n.HopsAway != nil {
		hops = int64(*n.HopsAway)
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO nodes(
			node_num, node_id, long_name, short_name, hw_model, role,
			latitude, longitude, altitude, precision_bits,
			battery_level, voltage, channel_utilization, air_util_tx,
			last_heard, snr, rssi, hops_away, via_mqtt, is_favorite,
			public_key, firmware_version, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_num) DO UPDATE SET
			node_id = excluded.node_id,
			long_name = CASE WHEN excluded.long_name != '' THEN excluded.long_name ELSE nodes.long_name END,
			short_name = CASE WHEN excluded.short_name != '' THEN excluded.short_name ELSE nodes.short_name END,
			hw_model = CASE WHEN excluded.hw_model != '' THEN excluded.hw_model ELSE nodes.hw_model END,
			role = CASE WHEN excluded.role != '' THEN excluded.role ELSE nodes.role END,
			latitude = COALESCE(excluded.latitude, nodes.latitude),
			longitude = COALESCE(excluded.longitude, nodes.longitude),
			altitude = COALESCE(excluded.altitude, nodes.altitude),
			precision_bits = COALESCE(excluded.precision_bits, nodes.precision_bits),
			battery_level = COALESCE(excluded.battery_level, nodes.battery_level),
			voltage = COALESCE(excluded.voltage, nodes.voltage),
			channel_utilization = COALESCE(excluded.channel_utilization, nodes.channel_utilization),
			air_util_tx = COALESCE(excluded.air_util_tx, nodes.air_util_tx),
			last_heard = MAX(COALESCE(excluded.last_heard, 0), COALESCE(nodes.last_heard, 0)),
			snr = COALESCE(excluded.snr, nodes.snr),
			rssi = COALESCE(excluded.rssi, nodes.rssi),
			hops_away = COALESCE(excluded.hops_away, nodes.hops_away),
			via_mqtt = excluded.via_mqtt,
			is_favorite = MAX(excluded.is_favorite, nodes.is_favorite),
			public_key = CASE WHEN excluded.public_key != '' THEN excluded.public_key ELSE nodes.public_key END,
			firmware_version = CASE WHEN excluded.firmware_version != '' THEN excluded.firmware_version ELSE nodes.firmware_version END,
			updated_at = excluded.updated_at
	`,
		n.NodeNum, n.NodeID, n.LongName, n.ShortName, n.HwModel, n.Role,
		lat, lon, alt, precision,
		battery, voltage, chanUtil, airUtil,
		toUnix(n.LastHeard), snr, rssi, hops, boolToInt(n.ViaMQTT), boolToInt(n.IsFavorite),
		n.PublicKey, n.FirmwareVersion, toUnix(n.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

func (r *NodeRepo) SetFavorite(ctx context.Context, q Querier, nodeNum uint32, favorite bool) error {
	_, err := q.ExecContext(ctx, `
		UPDATE nodes SET is_favorite = ?, updated_at = ? WHERE node_num = ?
	`, boolToInt(favorite), time.Now().Unix(), nodeNum)
	if err != nil {
		return fmt.Errorf("set favorite: %w", err)
	}
	return nil
}

func (r *NodeRepo) SetMobile(ctx context.Context, q Querier, nodeNum uint32, mobile bool) error {
	_, err := q.ExecContext(ctx, `
		UPDATE nodes SET is_mobile = ? WHERE node_num = ?
	`, boolToInt(mobile), nodeNum)
	if err != nil {
		return fmt.Errorf("set mobile: %w", err)
	}
	return nil
}

// SetWelcomed stamps the node's welcome time if it has none yet and reports
// whether this call won the claim.
func (r *NodeRepo) SetWelcomed(ctx context.Context, q Querier, nodeNum uint32, at time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE nodes SET welcomed_at = ? WHERE node_num = ? AND welcomed_at IS NULL
	`, toUnix(at), nodeNum)
	if err != nil {
		return false, fmt.Errorf("set welcomed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set welcomed rows affected: %w", err)
	}
	return affected > 0, nil
}

const nodeColumns = `
	node_num, node_id, long_name, short_name, hw_model, role,
	latitude, longitude, altitude, precision_bits,
	battery_level, voltage, channel_utilization, air_util_tx,
	last_heard, snr, rssi, hops_away, via_mqtt, is_favorite, is_mobile,
	public_key, firmware_version, welcomed_at, updated_at
`

func (r *NodeRepo) Get(ctx context.Context, nodeNum uint32) (domain.Node, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes WHERE node_num = ?
	`, nodeNum)
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return domain.Node{}, false, nil
	}
	if err != nil {
		return domain.Node{}, false, fmt.Errorf("get node: %w", err)
	}
	return node, true, nil
}

func (r *NodeRepo) List(ctx context.Context) ([]domain.Node, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes ORDER BY last_heard DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return out, nil
}

// ListHeardSince returns nodes heard within the window, most recent first.
func (r *NodeRepo) ListHeardSince(ctx context.Context, since time.Time) ([]domain.Node, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes WHERE last_heard >= ? ORDER BY last_heard DESC
	`, toUnix(since))
	if err != nil {
		return nil, fmt.Errorf("list active nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active nodes: %w", err)
	}
	return out, nil
}

func (r *NodeRepo) PurgeAll(ctx context.Context, q Querier) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM nodes`); err != nil {
		return fmt.Errorf("purge nodes: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (domain.Node, error) {
	var (
		n          domain.Node
		lat, lon   sql.NullFloat64
		alt        sql.NullInt64
		precision  sql.NullInt64
		battery    sql.NullInt64
		voltage    sql.NullFloat64
		chanUtil   sql.NullFloat64
		airUtil    sql.NullFloat64
		lastHeard  sql.NullInt64
		snr        sql.NullFloat64
		rssi       sql.NullInt64
		hops       sql.NullInt64
		viaMqtt    int64
		isFavorite int64
		isMobile   int64
		welcomedAt sql.NullInt64
		updatedAt  int64
	)
	err := row.Scan(
		&n.NodeNum, &n.NodeID, &n.LongName, &n.ShortName, &n.HwModel, &n.Role,
		&lat, &lon, &alt, &precision,
		&battery, &voltage, &chanUtil, &airUtil,
		&lastHeard, &snr, &rssi, &hops, &viaMqtt, &isFavorite, &isMobile,
		&n.PublicKey, &n.FirmwareVersion, &welcomedAt, &updatedAt,
	)
	if err != nil {
		return domain.Node{}, err
	}

	if lat.Valid && lon.Valid {
		pos := domain.Position{Latitude: lat.Float64, Longitude: lon.Float64}
		if alt.Valid {
			pos.Altitude = int32(alt.Int64)
		}
		if precision.Valid {
			pos.PrecisionBits = uint32(precision.Int64)
		}
		n.Position = &pos
	}
	if battery.Valid {
		v := uint32(battery.Int64)
		n.Metrics.BatteryLevel = &v
	}
	if voltage.Valid {
		v := voltage.Float64
		n.Metrics.Voltage = &v
	}
	if chanUtil.Valid {
		v := chanUtil.Float64
		n.Metrics.ChannelUtilization = &v
	}
	if airUtil.Valid {
		v := airUtil.Float64
		n.Metrics.AirUtilTx = &v
	}
	if lastHeard.Valid {
		n.LastHeard = fromUnix(lastHeard.Int64)
	}
	if snr.Valid {
		v := snr.Float64
		n.SNR = &v
	}
	if rssi.Valid {
		v := int(rssi.Int64)
		n.RSSI = &v
	}
	if hops.Valid {
		v := uint32(hops.Int64)
		n.HopsAway = &v
	}
	n.ViaMQTT = viaMqtt != 0
	n.IsFavorite = isFavorite != 0
	n.IsMobile = isMobile != 0
	if welcomedAt.Valid {
		n.WelcomedAt = fromUnix(welcomedAt.Int64)
	}
	n.UpdatedAt = fromUnix(updatedAt)

	return n, nil
}
