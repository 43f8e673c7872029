package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/insightlytics/insight/internal/domain"
	"github.com/insightlytics/insight/internal/store"
)

const eventColumns = "id, name, properties, session_id, principal_id, occurred_at, created_at"

func (s *Store) Insert(ctx context.Context, ev *domain.Event) (int64, error) {
	props, err := marshalProps(ev.Properties)
	if err != nil {
		return 0, domain.E(domain.KindValidation, "encode properties", err)
	}
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO events (name, properties, session_id, principal_id, occurred_at, created_at)
		 VALUES ($1, $2::jsonb, $3, $4, $5, $6) RETURNING id`,
		ev.Name, props, nullable(ev.SessionID), nullable(ev.PrincipalID), ev.OccurredAt.UTC(), createdAt,
	).Scan(&id)
	if err != nil {
		return 0, storeErr("insert event", err)
	}
	return id, nil
}

// InsertMany inserts items one statement at a time and reports each outcome
// index-aligned. A dead connection or cancelled context marks every
// remaining item failed instead of dropping it.
func (s *Store) InsertMany(ctx context.Context, events []*domain.Event) []store.InsertResult {
	results := make([]store.InsertResult, len(events))
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(events); j++ {
				results[j] = store.InsertResult{Err: storeErr("batch aborted", err)}
			}
			return results
		}
		id, err := s.Insert(ctx, ev)
		results[i] = store.InsertResult{ID: id, Err: err}
	}
	return results
}

func (s *Store) Scan(ctx context.Context, f store.Filter) ([]domain.Event, error) {
	b := store.NewSQLBuilder().
		Select(eventColumns).
		From("events").
		ApplyFilter(f).
		Limit(f.EffectiveLimit())
	sql, args := b.Build()

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, storeErr("scan events", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("scan events", err)
	}
	return out, nil
}

func (s *Store) ForEachEvent(ctx context.Context, f store.Filter, fn func(domain.Event) error) error {
	b := store.NewSQLBuilder().
		Select(eventColumns).
		From("events").
		ApplyFilter(f)
	if f.Limit > 0 {
		b.Limit(f.Limit)
	}
	sql, args := b.Build()

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return storeErr("scan events", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return storeErr("scan events", err)
	}
	return nil
}

func scanEvent(rows pgx.Rows) (domain.Event, error) {
	var (
		ev        domain.Event
		props     []byte
		session   *string
		principal *string
	)
	if err := rows.Scan(&ev.ID, &ev.Name, &props, &session, &principal, &ev.OccurredAt, &ev.CreatedAt); err != nil {
		return domain.Event{}, storeErr("scan event row", err)
	}
	if session != nil {
		ev.SessionID = *session
	}
	if principal != nil {
		ev.PrincipalID = *principal
	}
	if len(props) > 0 {
		if err := json.Unmarshal(props, &ev.Properties); err != nil {
			return domain.Event{}, storeErr("decode properties", err)
		}
	}
	return ev, nil
}

func marshalProps(p domain.Properties) (any, error) {
	if len(p) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
