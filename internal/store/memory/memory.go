// Package memory is the in-memory store backend. It backs unit tests and the
// "memory" storage mode; semantics mirror the postgres backend exactly.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/insightlytics/insight/internal/domain"
	"github.com/insightlytics/insight/internal/store"
)

type Store struct {
	mu       sync.RWMutex
	nextID   int64
	events   []domain.Event
	sessions map[string]domain.Session
	rollups  map[domain.Granularity][]domain.RollupBucket

	// failNext makes the next n Insert calls fail. Test hook for batch
	// partial-failure reporting.
	failNext int
}

func New() *Store {
	return &Store{
		nextID:   1,
		sessions: make(map[string]domain.Session),
		rollups:  make(map[domain.Granularity][]domain.RollupBucket),
	}
}

// FailNextInserts arms the store to fail the next n single inserts.
func (s *Store) FailNextInserts(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

func (s *Store) Insert(ctx context.Context, ev *domain.Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, domain.E(domain.KindStore, "insert aborted", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return 0, domain.E(domain.KindStore, "simulated insert failure", nil)
	}
	cp := *ev
	cp.ID = s.nextID
	s.nextID++
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, cp)
	return cp.ID, nil
}

func (s *Store) InsertMany(ctx context.Context, events []*domain.Event) []store.InsertResult {
	results := make([]store.InsertResult, len(events))
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			// Systemic: everything left is reported failed, never dropped.
			for j := i; j < len(events); j++ {
				results[j] = store.InsertResult{Err: domain.E(domain.KindStore, "batch aborted", err)}
			}
			return results
		}
		id, err := s.Insert(ctx, ev)
		results[i] = store.InsertResult{ID: id, Err: err}
	}
	return results
}

func (s *Store) Scan(ctx context.Context, f store.Filter) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.E(domain.KindStore, "scan aborted", err)
	}
	matched := s.matched(f)
	limit := f.EffectiveLimit()
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]domain.Event, len(matched))
	copy(out, matched)
	return out, nil
}

func (s *Store) ForEachEvent(ctx context.Context, f store.Filter, fn func(domain.Event) error) error {
	matched := s.matched(f)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	for _, ev := range matched {
		if err := ctx.Err(); err != nil {
			return domain.E(domain.KindStore, "scan aborted", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

// matched snapshots and orders the filtered events. Callbacks then run
// without holding the lock.
func (s *Store) matched(f store.Filter) []domain.Event {
	s.mu.RLock()
	var out []domain.Event
	for i := range s.events {
		if f.Matches(&s.events[i]) {
			out = append(out, s.events[i])
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			if f.Descending {
				return a.OccurredAt.After(b.OccurredAt)
			}
			return a.OccurredAt.Before(b.OccurredAt)
		}
		if f.Descending {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})
	return out
}

func (s *Store) UpsertSession(ctx context.Context, sessionID string, at time.Time) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, domain.E(domain.KindStore, "upsert aborted", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = domain.Session{ID: sessionID, StartedAt: at, LastActivityAt: at, EventCount: 1}
	} else {
		if at.After(sess.LastActivityAt) {
			sess.LastActivityAt = at
		}
		sess.EventCount++
	}
	s.sessions[sessionID] = sess
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.E(domain.KindNotFound, "session "+sessionID, nil)
	}
	return sess, nil
}

func (s *Store) AggregateBuckets(ctx context.Context, g domain.Granularity, start, end time.Time) ([]domain.RollupBucket, error) {
	type key struct {
		start time.Time
		name  string
	}
	type agg struct {
		count      int64
		sessions   map[string]struct{}
		principals map[string]struct{}
	}
	aggs := make(map[key]*agg)
	err := s.ForEachEvent(ctx, store.Filter{Start: start, End: end.Add(-time.Nanosecond)}, func(ev domain.Event) error {
		k := key{start: g.Truncate(ev.OccurredAt), name: ev.Name}
		a := aggs[k]
		if a == nil {
			a = &agg{sessions: make(map[string]struct{}), principals: make(map[string]struct{})}
			aggs[k] = a
		}
		a.count++
		if ev.SessionID != "" {
			a.sessions[ev.SessionID] = struct{}{}
		}
		if ev.PrincipalID != "" {
			a.principals[ev.PrincipalID] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.RollupBucket, 0, len(aggs))
	for k, a := range aggs {
		out = append(out, domain.RollupBucket{
			BucketStart:        k.start,
			EventName:          k.name,
			EventCount:         a.count,
			DistinctSessions:   int64(len(a.sessions)),
			DistinctPrincipals: int64(len(a.principals)),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BucketStart.Equal(out[j].BucketStart) {
			return out[i].BucketStart.Before(out[j].BucketStart)
		}
		return out[i].EventName < out[j].EventName
	})
	return out, nil
}

func (s *Store) ReplaceRollup(ctx context.Context, g domain.Granularity, buckets []domain.RollupBucket) error {
	if err := ctx.Err(); err != nil {
		return domain.E(domain.KindStore, "rollup replace aborted", err)
	}
	cp := make([]domain.RollupBucket, len(buckets))
	copy(cp, buckets)
	s.mu.Lock()
	s.rollups[g] = cp
	s.mu.Unlock()
	return nil
}

func (s *Store) QueryRollup(ctx context.Context, g domain.Granularity, start, end time.Time, names ...string) ([]domain.RollupBucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.E(domain.KindStore, "rollup query aborted", err)
	}
	nameSet := make(map[string]struct{}, len(names))
	for _, n := range names {
		nameSet[n] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.RollupBucket
	for _, b := range s.rollups[g] {
		if b.BucketStart.Before(start) || !b.BucketStart.Before(end) {
			continue
		}
		if len(nameSet) > 0 {
			if _, ok := nameSet[b.EventName]; !ok {
				continue
			}
		}
		out = append(out, b)
	}
	return out, nil
}
