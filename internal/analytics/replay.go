package analytics

import (
	"context"
	"sort"
	"time"

	"github.com/insightlytics/insight/internal/domain"
	"github.com/insightlytics/insight/internal/store"
)

type ReplayEvent struct {
	domain.Event
	RelativeTimeMs int64 `json:"relativeTimeMs"`
}

type ReplayResult struct {
	SessionID  string        `json:"sessionId"`
	StartTime  time.Time     `json:"startTime"`
	EndTime    time.Time     `json:"endTime"`
	DurationMs int64         `json:"durationMs"`
	EventCount int           `json:"eventCount"`
	Events     []ReplayEvent `json:"events"`
}

// SessionReplay reconstructs a session's event sequence in occurrence order,
// each annotated with its offset from the first event.
func (a *Analyzer) SessionReplay(ctx context.Context, sessionID string) (*ReplayResult, error) {
	if sessionID == "" {
		return nil, domain.ValidationErr("sessionId required", nil)
	}
	var events []domain.Event
	err := a.store.ForEachEvent(ctx, store.Filter{SessionID: sessionID}, func(ev domain.Event) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, domain.E(domain.KindNotFound, "no events for session "+sessionID, nil)
	}

	first := events[0].OccurredAt
	last := events[len(events)-1].OccurredAt
	res := &ReplayResult{
		SessionID:  sessionID,
		StartTime:  first,
		EndTime:    last,
		DurationMs: last.Sub(first).Milliseconds(),
		EventCount: len(events),
		Events:     make([]ReplayEvent, len(events)),
	}
	for i, ev := range events {
		res.Events[i] = ReplayEvent{Event: ev, RelativeTimeMs: ev.OccurredAt.Sub(first).Milliseconds()}
	}
	return res, nil
}

type TimelineBucket struct {
	BucketStart time.Time        `json:"bucketStart"`
	BucketEnd   time.Time        `json:"bucketEnd"`
	EventCount  int64            `json:"eventCount"`
	EventTypes  map[string]int64 `json:"eventTypes"`
}

// Timeline buckets all events in [start, end] into fixed-width windows.
// Buckets with zero events are omitted; callers needing dense buckets fill
// gaps themselves.
func (a *Analyzer) Timeline(ctx context.Context, start, end time.Time, bucketSizeMs int64) ([]TimelineBucket, error) {
	var errs []domain.FieldError
	errs = append(errs, validateWindow(start, end)...)
	if bucketSizeMs <= 0 {
		errs = append(errs, domain.FieldError{Field: "bucketSizeMs", Msg: "must be positive"})
	}
	if len(errs) > 0 {
		return nil, domain.ValidationErr("invalid timeline query", errs)
	}

	width := time.Duration(bucketSizeMs) * time.Millisecond
	byIndex := make(map[int64]*TimelineBucket)
	err := a.store.ForEachEvent(ctx, store.Filter{Start: start, End: end}, func(ev domain.Event) error {
		idx := int64(ev.OccurredAt.Sub(start) / width)
		b := byIndex[idx]
		if b == nil {
			bs := start.Add(time.Duration(idx) * width)
			b = &TimelineBucket{BucketStart: bs, BucketEnd: bs.Add(width), EventTypes: make(map[string]int64)}
			byIndex[idx] = b
		}
		b.EventCount++
		b.EventTypes[ev.Name]++
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]TimelineBucket, 0, len(byIndex))
	for _, b := range byIndex {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out, nil
}
