package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"meshmonitor/internal/domain"
)

type ReadStateRepo struct {
	db *sql.DB
}

func NewReadStateRepo(db *sql.DB) *ReadStateRepo {
	return &ReadStateRepo{db: db}
}

// MarkRead advances the read mark for a scope. The mark never moves backward,
// so repeating a mark-read call is harmless.
func (r *ReadStateRepo) MarkRead(ctx context.Context, q Querier, scopeKey string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO read_state(scope_key, last_read_at) VALUES(?, ?)
		ON CONFLICT(scope_key) DO UPDATE SET
			last_read_at = MAX(read_state.last_read_at, excluded.last_read_at)
	`, scopeKey, toUnix(at))
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func (r *ReadStateRepo) Get(ctx context.Context, scopeKey string) (domain.ReadState, bool, error) {
	var lastReadAt int64
	err := r.db.QueryRowContext(ctx, `
		SELECT last_read_at FROM read_state WHERE scope_key = ?
	`, scopeKey).Scan(&lastReadAt)
	if err == sql.ErrNoRows {
		return domain.ReadState{}, false, nil
	}
	if err != nil {
		return domain.ReadState{}, false, fmt.Errorf("get read state: %w", err)
	}
	return domain.ReadState{ScopeKey: scopeKey, LastReadAt: fromUnix(lastReadAt)}, true, nil
}

func (r *ReadStateRepo) List(ctx context.Context) ([]domain.ReadState, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT scope_key, last_read_at FROM read_state`)
	if err != nil {
		return nil, fmt.Errorf("list read state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ReadState
	for rows.Next() {
		var (
			s  domain.ReadState
			ts int64
		)
		if err := rows.Scan(&s.ScopeKey, &ts); err != nil {
			return nil, fmt.Errorf("scan read state: %w", err)
		}
		s.LastReadAt = fromUnix(ts)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate read state: %w", err)
	}
	return out, nil
}
