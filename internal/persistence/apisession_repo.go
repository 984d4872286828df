package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// APISession is one browser session: a cookie token paired with the CSRF
// token handed out for state-changing requests.
type APISession struct {
	Token     string
	CSRFToken string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type APISessionRepo struct {
	db *sql.DB
}

func NewAPISessionRepo(db *sql.DB) *APISessionRepo {
	return &APISessionRepo{db: db}
}

func (r *APISessionRepo) Insert(ctx context.Context, q Querier, s APISession) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO api_sessions(token, csrf_token, created_at, expires_at)
		VALUES(?, ?, ?, ?)
	`, s.Token, s.CSRFToken, toUnix(s.CreatedAt), toUnix(s.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert api session: %w", err)
	}
	return nil
}

// Get returns a session only while it is still valid.
func (r *APISessionRepo) Get(ctx context.Context, token string, now time.Time) (APISession, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT token, csrf_token, created_at, expires_at
		FROM api_sessions
		WHERE token = ? AND expires_at > ?
	`, token, toUnix(now))

	var (
		s                  APISession
		created, expiresAt int64
	)
	err := row.Scan(&s.Token, &s.CSRFToken, &created, &expiresAt)
	if err == sql.ErrNoRows {
		return APISession{}, false, nil
	}
	if err != nil {
		return APISession{}, false, fmt.Errorf("get api session: %w", err)
	}
	s.CreatedAt = fromUnix(created)
	s.ExpiresAt = fromUnix(expiresAt)
	return s, true, nil
}

func (r *APISessionRepo) DeleteExpired(ctx context.Context, q Querier, now time.Time) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM api_sessions WHERE expires_at <= ?`, toUnix(now)); err != nil {
		return fmt.Errorf("delete expired api sessions: %w", err)
	}
	return nil
}
