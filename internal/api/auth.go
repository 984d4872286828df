package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/google/uuid"

	"meshmonitor/internal/persistence"
)

const (
	sessionCookieName = "meshmonitor_session"
	csrfHeaderName    = "X-CSRF-Token"
	sessionTTL        = 30 * 24 * time.Hour
)

type sessionContextKey struct{}

// withSession ensures every caller has a browser session and enforces the
// CSRF double-submit check on mutating requests: the token handed out with
// the session must come back in a header the browser only sets from script.
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.ensureSession(w, r)
		if err != nil {
			s.logger.Error("session setup failed", "error", err)
			respondError(s.logger, w, http.StatusInternalServerError, CodeStore, "session setup failed")
			return
		}

		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			if r.Header.Get(csrfHeaderName) != sess.CSRFToken {
				respondError(s.logger, w, http.StatusForbidden, CodeAuth, "missing or stale CSRF token")
				return
			}
		}

		ctx := context.WithValue(r.Context(), sessionContextKey{}, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) ensureSession(w http.ResponseWriter, r *http.Request) (persistence.APISession, error) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		sess, ok, err := s.store.APISessions.Get(r.Context(), cookie.Value, time.Now())
		if err != nil {
			return persistence.APISession{}, err
		}
		if ok {
			return sess, nil
		}
	}

	now := time.Now()
	sess := persistence.APISession{
		Token:     uuid.NewString(),
		CSRFToken: uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(sessionTTL),
	}
	err := s.store.Writer.EnqueueWait(r.Context(), "create api session", func(ctx context.Context, tx *sql.Tx) error {
		return s.store.APISessions.Insert(ctx, tx, sess)
	})
	if err != nil {
		return persistence.APISession{}, err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sess, nil
}

func sessionFrom(r *http.Request) (persistence.APISession, bool) {
	sess, ok := r.Context().Value(sessionContextKey{}).(persistence.APISession)
	return sess, ok
}
