package domain

import (
	"regexp"
	"time"
)

// Event is the canonical stored event. Immutable once written; ID is
// store-assigned and strictly increasing in insertion order, which makes it
// the stable tiebreaker when occurred_at collides.
type Event struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Properties  Properties `json:"properties,omitempty"`
	SessionID   string     `json:"sessionId,omitempty"`
	PrincipalID string     `json:"principalId,omitempty"`
	OccurredAt  time.Time  `json:"occurredAt"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Session is the mutable per-session aggregate, keyed by the client-supplied
// session id. Invariant: LastActivityAt >= StartedAt.
type Session struct {
	ID             string    `json:"id"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	EventCount     int64     `json:"eventCount"`
}

// Granularity selects a rollup bucket width.
type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
)

// Duration returns the bucket width. Valid only for hour/day.
func (g Granularity) Duration() time.Duration {
	if g == GranularityDay {
		return 24 * time.Hour
	}
	return time.Hour
}

// Truncate floors t to the start of the bucket containing it, in UTC.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	if g == GranularityDay {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Hour)
}

// RollupBucket is a derived, disposable aggregate keyed by
// (bucket_start, event_name). Fully rewritten on each refresh and never
// authoritative: consumers must be able to fall back to raw events.
type RollupBucket struct {
	BucketStart        time.Time `json:"bucketStart"`
	EventName          string    `json:"eventName"`
	EventCount         int64     `json:"eventCount"`
	DistinctSessions   int64     `json:"distinctSessions"`
	DistinctPrincipals int64     `json:"distinctPrincipals"`
}

// Validation constraints (keep in sync with the migration DDL).
const (
	MaxEventNameLen   = 255
	MaxSessionIDLen   = 255
	MaxPrincipalIDLen = 255
	MaxPropertyKeys   = 50
	MaxPropertyKeyLen = 255
	MaxStringValueLen = 1000
	MaxArrayValueLen  = 100
	DefaultClockSkew  = 5 * time.Minute
	DefaultSessionTTL = 30 * time.Minute
)

var eventNameRe = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// ValidEventName reports whether name fits the identifier-like character
// class and length bounds.
func ValidEventName(name string) bool {
	return name != "" && len(name) <= MaxEventNameLen && eventNameRe.MatchString(name)
}
