// Package store defines the persistence contracts for events, sessions and
// rollup buckets. The event and session tables are owned exclusively by
// EventStore implementations; rollup tables by RollupStore implementations.
// Analyzers are read-only consumers of both.
package store

import (
	"context"
	"time"

	"github.com/insightlytics/insight/internal/domain"
)

// MaxScanLimit is the hard cap on Scan result size, applied regardless of
// the requested limit.
const MaxScanLimit = 1000

// Filter selects events for Scan and ForEachEvent. Zero values mean
// "no constraint". Time bounds are inclusive.
type Filter struct {
	Start       time.Time
	End         time.Time
	Name        string
	SessionID   string
	PrincipalID string
	Limit       int
	Offset      int
	Descending  bool
}

// Matches reports whether ev passes every set predicate. Shared by the
// memory backend and by tests asserting postgres filter rendering.
func (f Filter) Matches(ev *domain.Event) bool {
	if !f.Start.IsZero() && ev.OccurredAt.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && ev.OccurredAt.After(f.End) {
		return false
	}
	if f.Name != "" && ev.Name != f.Name {
		return false
	}
	if f.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	if f.PrincipalID != "" && ev.PrincipalID != f.PrincipalID {
		return false
	}
	return true
}

// EffectiveLimit clamps the requested limit to the hard cap.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > MaxScanLimit {
		return MaxScanLimit
	}
	return f.Limit
}

// InsertResult is one slot of the index-aligned batch insert outcome.
type InsertResult struct {
	ID  int64
	Err error
}

// EventStore is the write and windowed-read surface over raw events and
// session aggregates. All methods are safe for concurrent use.
type EventStore interface {
	// Insert writes one event atomically and returns the assigned id.
	Insert(ctx context.Context, ev *domain.Event) (int64, error)

	// InsertMany inserts a batch and reports, index-aligned, which inputs
	// succeeded. It never drops an item silently: len(result) == len(events).
	InsertMany(ctx context.Context, events []*domain.Event) []InsertResult

	// Scan returns matching events ordered by occurred_at (ties by id),
	// capped at MaxScanLimit.
	Scan(ctx context.Context, f Filter) ([]domain.Event, error)

	// ForEachEvent streams every matching event in occurred_at order with no
	// cap. fn returning an error stops the scan.
	ForEachEvent(ctx context.Context, f Filter, fn func(domain.Event) error) error

	// UpsertSession atomically creates the session (event_count=1) or bumps
	// last_activity_at and increments event_count.
	UpsertSession(ctx context.Context, sessionID string, at time.Time) (domain.Session, error)

	// GetSession returns the session aggregate, KindNotFound when absent.
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
}

// RollupStore maintains the derived per-bucket aggregates.
type RollupStore interface {
	// AggregateBuckets recomputes buckets from raw events in [start, end).
	AggregateBuckets(ctx context.Context, g domain.Granularity, start, end time.Time) ([]domain.RollupBucket, error)

	// ReplaceRollup atomically replaces all buckets at g with the given set.
	ReplaceRollup(ctx context.Context, g domain.Granularity, buckets []domain.RollupBucket) error

	// QueryRollup returns buckets at g whose start falls in [start, end),
	// optionally restricted to the given event names.
	QueryRollup(ctx context.Context, g domain.Granularity, start, end time.Time, names ...string) ([]domain.RollupBucket, error)
}

// Store combines both contracts; the shipped backends implement it whole.
type Store interface {
	EventStore
	RollupStore
}
