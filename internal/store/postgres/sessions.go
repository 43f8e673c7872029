package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/insightlytics/insight/internal/domain"
)

// UpsertSession is a single conditional statement: no read-then-write window
// exists even when two events for the same session land concurrently.
func (s *Store) UpsertSession(ctx context.Context, sessionID string, at time.Time) (domain.Session, error) {
	var sess domain.Session
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, started_at, last_activity_at, event_count)
		 VALUES ($1, $2, $2, 1)
		 ON CONFLICT (id) DO UPDATE SET
		   last_activity_at = GREATEST(sessions.last_activity_at, EXCLUDED.last_activity_at),
		   event_count = sessions.event_count + 1
		 RETURNING id, started_at, last_activity_at, event_count`,
		sessionID, at.UTC(),
	).Scan(&sess.ID, &sess.StartedAt, &sess.LastActivityAt, &sess.EventCount)
	if err != nil {
		return domain.Session{}, storeErr("upsert session", err)
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	var sess domain.Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, started_at, last_activity_at, event_count FROM sessions WHERE id = $1`,
		sessionID,
	).Scan(&sess.ID, &sess.StartedAt, &sess.LastActivityAt, &sess.EventCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, domain.E(domain.KindNotFound, "session "+sessionID, nil)
	}
	if err != nil {
		return domain.Session{}, storeErr("get session", err)
	}
	return sess, nil
}
