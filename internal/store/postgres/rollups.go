package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/insightlytics/insight/internal/domain"
)

func rollupTable(g domain.Granularity) string {
	if g == domain.GranularityDay {
		return "rollup_day"
	}
	return "rollup_hour"
}

// AggregateBuckets recomputes buckets from raw events in [start, end) with a
// single grouped scan.
func (s *Store) AggregateBuckets(ctx context.Context, g domain.Granularity, start, end time.Time) ([]domain.RollupBucket, error) {
	trunc := "hour"
	if g == domain.GranularityDay {
		trunc = "day"
	}
	sql := fmt.Sprintf(`
SELECT
  date_trunc('%s', occurred_at) AS bucket_start,
  name,
  COUNT(*)::bigint,
  COUNT(DISTINCT session_id)::bigint,
  COUNT(DISTINCT principal_id)::bigint
FROM events
WHERE occurred_at >= $1 AND occurred_at < $2
GROUP BY 1, 2
ORDER BY 1 ASC, 2 ASC`, trunc)

	rows, err := s.pool.Query(ctx, sql, start.UTC(), end.UTC())
	if err != nil {
		return nil, storeErr("aggregate buckets", err)
	}
	defer rows.Close()

	var out []domain.RollupBucket
	for rows.Next() {
		var b domain.RollupBucket
		if err := rows.Scan(&b.BucketStart, &b.EventName, &b.EventCount, &b.DistinctSessions, &b.DistinctPrincipals); err != nil {
			return nil, storeErr("scan bucket", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("aggregate buckets", err)
	}
	return out, nil
}

// ReplaceRollup rewrites the whole table at g in one transaction so readers
// never observe a half-refreshed rollup.
func (s *Store) ReplaceRollup(ctx context.Context, g domain.Granularity, buckets []domain.RollupBucket) error {
	table := rollupTable(g)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr("begin rollup replace", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
		return storeErr("clear rollup", err)
	}
	for _, b := range buckets {
		_, err := tx.Exec(ctx,
			"INSERT INTO "+table+" (bucket_start, event_name, event_count, distinct_sessions, distinct_principals) VALUES ($1, $2, $3, $4, $5)",
			b.BucketStart.UTC(), b.EventName, b.EventCount, b.DistinctSessions, b.DistinctPrincipals)
		if err != nil {
			return storeErr("write rollup bucket", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit rollup replace", err)
	}
	return nil
}

func (s *Store) QueryRollup(ctx context.Context, g domain.Granularity, start, end time.Time, names ...string) ([]domain.RollupBucket, error) {
	sql := "SELECT bucket_start, event_name, event_count, distinct_sessions, distinct_principals FROM " +
		rollupTable(g) + " WHERE bucket_start >= $1 AND bucket_start < $2"
	args := []any{start.UTC(), end.UTC()}
	if len(names) > 0 {
		sql += " AND event_name = ANY($3)"
		args = append(args, names)
	}
	sql += " ORDER BY bucket_start ASC, event_name ASC"

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, storeErr("query rollup", err)
	}
	defer rows.Close()

	var out []domain.RollupBucket
	for rows.Next() {
		var b domain.RollupBucket
		if err := rows.Scan(&b.BucketStart, &b.EventName, &b.EventCount, &b.DistinctSessions, &b.DistinctPrincipals); err != nil {
			return nil, storeErr("scan rollup row", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query rollup", err)
	}
	return out, nil
}
