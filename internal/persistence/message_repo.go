package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"meshmonitor/internal/domain"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Insert stores a message if its composite id is new. Reingesting the same
// (fromNodeNum, packetId) pair is a no-op: first write wins.
func (r *MessageRepo) Insert(ctx context.Context, q Querier, m domain.Message) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages(
			id, packet_id, from_node_num, to_node_num, channel, portnum, text,
			timestamp, hop_start, hop_limit, reply_id, emoji,
			acknowledged, ack_failed, bridge
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.PacketID, m.FromNodeNum, m.ToNodeNum, m.Channel, m.Portnum, m.Text,
		toUnix(m.Timestamp), m.HopStart, m.HopLimit, m.ReplyID, m.Emoji,
		boolToInt(m.Acknowledged), boolToInt(m.AckFailed), boolToInt(m.Bridge),
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert message rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkAcknowledged resolves the pending send matching a routing reply.
// Only the row with that packet id changes.
func (r *MessageRepo) MarkAcknowledged(ctx context.Context, q Querier, packetID uint32) error {
	_, err := q.ExecContext(ctx, `
		UPDATE messages SET acknowledged = 1, ack_failed = 0 WHERE packet_id = ?
	`, packetID)
	if err != nil {
		return fmt.Errorf("mark acknowledged: %w", err)
	}
	return nil
}

// MarkAckFailed flags a send whose ACK never arrived or whose routing reply
// carried an error. Already-acknowledged rows are left alone.
func (r *MessageRepo) MarkAckFailed(ctx context.Context, q Querier, packetID uint32) error {
	_, err := q.ExecContext(ctx, `
		UPDATE messages SET ack_failed = 1 WHERE packet_id = ? AND acknowledged = 0
	`, packetID)
	if err != nil {
		return fmt.Errorf("mark ack failed: %w", err)
	}
	return nil
}

func (r *MessageRepo) Get(ctx context.Context, id string) (domain.Message, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id = ?
	`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return domain.Message{}, false, nil
	}
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("get message: %w", err)
	}
	return m, true, nil
}

// ListRecent returns the newest first-class messages (tapbacks and bridge
// traffic excluded), newest first.
func (r *MessageRepo) ListRecent(ctx context.Context, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.list(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE NOT (emoji = 1 AND reply_id != 0) AND bridge = 0
		ORDER BY timestamp DESC
		LIMIT ?
	`, limit)
}

func (r *MessageRepo) ListByChannel(ctx context.Context, channel, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.list(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE channel = ? AND NOT (emoji = 1 AND reply_id != 0) AND bridge = 0
		ORDER BY timestamp DESC
		LIMIT ?
	`, channel, limit)
}

// Reactions returns the tapback texts recorded against a message's packet id.
func (r *MessageRepo) Reactions(ctx context.Context, replyID uint32) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT text FROM messages
		WHERE reply_id = ? AND emoji = 1
		ORDER BY timestamp ASC
	`, replyID)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		out = append(out, text)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reactions: %w", err)
	}
	return out, nil
}

// CountFrom reports how many messages a node has ever sent, bridge traffic
// included. Used for first-contact detection.
func (r *MessageRepo) CountFrom(ctx context.Context, nodeNum uint32) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE from_node_num = ?
	`, nodeNum).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages from node: %w", err)
	}
	return count, nil
}

// CountUnreadChannel counts channel messages newer than the read mark.
func (r *MessageRepo) CountUnreadChannel(ctx context.Context, channel int, lastReadAt time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE channel = ? AND timestamp > ?
		  AND NOT (emoji = 1 AND reply_id != 0) AND bridge = 0
	`, channel, toUnix(lastReadAt)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread channel messages: %w", err)
	}
	return count, nil
}

// CountUnreadPeer counts direct messages from a peer newer than the mark.
func (r *MessageRepo) CountUnreadPeer(ctx context.Context, peerNodeNum uint32, lastReadAt time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE channel = ? AND from_node_num = ? AND timestamp > ?
		  AND NOT (emoji = 1 AND reply_id != 0) AND bridge = 0
	`, domain.DirectChannel, peerNodeNum, toUnix(lastReadAt)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread peer messages: %w", err)
	}
	return count, nil
}

// ListDirectPeers returns the distinct senders of direct messages, used to
// build the per-peer unread scopes.
func (r *MessageRepo) ListDirectPeers(ctx context.Context) ([]uint32, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT from_node_num FROM messages
		WHERE channel = ? AND NOT (emoji = 1 AND reply_id != 0) AND bridge = 0
	`, domain.DirectChannel)
	if err != nil {
		return nil, fmt.Errorf("list direct peers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []uint32
	for rows.Next() {
		var peer uint32
		if err := rows.Scan(&peer); err != nil {
			return nil, fmt.Errorf("scan direct peer: %w", err)
		}
		out = append(out, peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate direct peers: %w", err)
	}
	return out, nil
}

func (r *MessageRepo) PurgeAll(ctx context.Context, q Querier) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("purge messages: %w", err)
	}
	return nil
}

const messageColumns = `
	id, packet_id, from_node_num, to_node_num, channel, portnum, text,
	timestamp, hop_start, hop_limit, reply_id, emoji,
	acknowledged, ack_failed, bridge
`

func (r *MessageRepo) list(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var (
		m            domain.Message
		timestamp    int64
		acknowledged int64
		ackFailed    int64
		bridge       int64
	)
	err := row.Scan(
		&m.ID, &m.PacketID, &m.FromNodeNum, &m.ToNodeNum, &m.Channel, &m.Portnum, &m.Text,
		&timestamp, &m.HopStart, &m.HopLimit, &m.ReplyID, &m.Emoji,
		&acknowledged, &ackFailed, &bridge,
	)
	if err != nil {
		return domain.Message{}, err
	}
	m.Timestamp = fromUnix(timestamp)
	m.Acknowledged = acknowledged != 0
	m.AckFailed = ackFailed != 0
	m.Bridge = bridge != 0

	return m, nil
}
