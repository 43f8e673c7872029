package ingest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/insightlytics/insight/internal/domain"
	"github.com/insightlytics/insight/internal/metrics"
	"github.com/insightlytics/insight/internal/store"
	"github.com/insightlytics/insight/internal/store/memory"
)

var t0 = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

func newTestPipeline(st store.EventStore, now time.Time) *Pipeline {
	p := NewPipeline(st, zap.NewNop(), metrics.NewNop(), Config{
		ClockSkew:      5 * time.Minute,
		SessionTimeout: 30 * time.Minute,
		BatchMaxItems:  5000,
	})
	return p.WithNow(func() time.Time { return now })
}

func ts(t time.Time) *time.Time { return &t }

func TestIngestOneAssignsID(t *testing.T) {
	st := memory.New()
	p := newTestPipeline(st, t0)

	id, err := p.IngestOne(context.Background(), EventRequest{
		Name:        "signup",
		SessionID:   "s1",
		PrincipalID: "u1",
		Timestamp:   ts(t0.Add(-time.Minute)),
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	events, err := st.Scan(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, t0.Add(-time.Minute), events[0].OccurredAt)
}

func TestIngestOneRejectsFarFutureTimestamp(t *testing.T) {
	st := memory.New()
	p := newTestPipeline(st, t0)

	// Beyond the allowed skew the timestamp is a client fault, not silently
	// replaced with server time.
	_, err := p.IngestOne(context.Background(), EventRequest{
		Name:      "signup",
		Timestamp: ts(t0.Add(2 * time.Hour)),
	})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))

	events, scanErr := st.Scan(context.Background(), store.Filter{})
	require.NoError(t, scanErr)
	assert.Empty(t, events)

	// Within the skew the client timestamp is kept as given.
	_, err = p.IngestOne(context.Background(), EventRequest{
		Name:      "signup",
		Timestamp: ts(t0.Add(2 * time.Minute)),
	})
	require.NoError(t, err)
	events, scanErr = st.Scan(context.Background(), store.Filter{})
	require.NoError(t, scanErr)
	require.Len(t, events, 1)
	assert.Equal(t, t0.Add(2*time.Minute), events[0].OccurredAt)
}

func TestIngestOneRejectsInvalid(t *testing.T) {
	st := memory.New()
	p := newTestPipeline(st, t0)

	_, err := p.IngestOne(context.Background(), EventRequest{Name: "bad name!"})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))

	events, scanErr := st.Scan(context.Background(), store.Filter{})
	require.NoError(t, scanErr)
	assert.Empty(t, events)
}

func TestSessionCountIdempotent(t *testing.T) {
	st := memory.New()
	p := newTestPipeline(st, t0)

	var last time.Time
	for i := 0; i < 5; i++ {
		last = t0.Add(time.Duration(i-5) * time.Minute)
		_, err := p.IngestOne(context.Background(), EventRequest{
			Name: "click", SessionID: "sess", Timestamp: ts(last),
		})
		require.NoError(t, err)
	}

	sess, err := st.GetSession(context.Background(), "sess")
	require.NoError(t, err)
	assert.Equal(t, int64(5), sess.EventCount)
	assert.Equal(t, last, sess.LastActivityAt)
	assert.Equal(t, t0.Add(-5*time.Minute), sess.StartedAt)
}

func TestSessionTimeoutRotatesLogicalSession(t *testing.T) {
	st := memory.New()
	p := newTestPipeline(st, t0)

	_, err := p.IngestOne(context.Background(), EventRequest{
		Name: "view", SessionID: "sess", Timestamp: ts(t0),
	})
	require.NoError(t, err)

	// Within the timeout: same session keeps accumulating.
	p.WithNow(func() time.Time { return t0.Add(29 * time.Minute) })
	_, err = p.IngestOne(context.Background(), EventRequest{
		Name: "view", SessionID: "sess", Timestamp: ts(t0.Add(29 * time.Minute)),
	})
	require.NoError(t, err)
	sess, err := st.GetSession(context.Background(), "sess")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sess.EventCount)

	// Beyond lastActivity+timeout: a logically new session starts. The
	// store still upserts by whatever id it is given.
	p.WithNow(func() time.Time { return t0.Add(65 * time.Minute) })
	_, err = p.IngestOne(context.Background(), EventRequest{
		Name: "view", SessionID: "sess", Timestamp: ts(t0.Add(65 * time.Minute)),
	})
	require.NoError(t, err)

	sess, err = st.GetSession(context.Background(), "sess")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sess.EventCount, "expired session must not be bumped")

	events, err := st.Scan(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	rotated := events[2].SessionID
	assert.NotEqual(t, "sess", rotated)
	assert.True(t, strings.HasPrefix(rotated, "sess-"))

	rotatedSess, err := st.GetSession(context.Background(), rotated)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rotatedSess.EventCount)
}

func TestRotatedSessionPersistsAcrossEvents(t *testing.T) {
	st := memory.New()
	p := newTestPipeline(st, t0.Add(40*time.Minute))

	// One timeout gap, then two more events. Everything after the gap must
	// land in one rotated session, not a fresh session per event.
	for _, at := range []time.Time{t0, t0.Add(31 * time.Minute), t0.Add(32 * time.Minute)} {
		_, err := p.IngestOne(context.Background(), EventRequest{
			Name: "view", SessionID: "s1", Timestamp: ts(at),
		})
		require.NoError(t, err)
	}

	events, err := st.Scan(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "s1", events[0].SessionID)
	rotated := events[1].SessionID
	assert.NotEqual(t, "s1", rotated)
	assert.Equal(t, rotated, events[2].SessionID, "post-timeout events continue the rotated session")

	orig, err := st.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), orig.EventCount)
	sess, err := st.GetSession(context.Background(), rotated)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sess.EventCount)
}

func TestBatchReportingAccountsForEveryEvent(t *testing.T) {
	st := memory.New()
	p := newTestPipeline(st, t0)

	const total = 1500
	const sessions = 10
	reqs := make([]EventRequest, total)
	for i := range reqs {
		reqs[i] = EventRequest{
			Name:        "page_view",
			SessionID:   fmt.Sprintf("sess-%d", i%sessions),
			PrincipalID: fmt.Sprintf("user-%d", i%sessions),
			Timestamp:   ts(t0.Add(time.Duration(i-total) * time.Second)),
		}
	}
	// One item fails its insert and its single retry.
	st.FailNextInserts(2)

	res, err := p.IngestBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, res.Results, total)
	assert.Equal(t, total, res.Succeeded+res.Failed, "no input may be silently dropped")
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, total-1, res.Succeeded)

	// Session writes are O(distinct sessions), not O(events).
	assert.Equal(t, sessions, res.SessionsTouched)
	for i := 0; i < sessions; i++ {
		sess, err := st.GetSession(context.Background(), fmt.Sprintf("sess-%d", i))
		require.NoError(t, err)
		assert.Equal(t, int64(1), sess.EventCount)
	}
}

func TestBatchRetriesTransientStoreFailure(t *testing.T) {
	st := memory.New()
	p := newTestPipeline(st, t0)

	reqs := []EventRequest{
		{Name: "a", Timestamp: ts(t0.Add(-2 * time.Second))},
		{Name: "b", Timestamp: ts(t0.Add(-time.Second))},
	}
	// First attempt of item 0 fails; its retry succeeds.
	st.FailNextInserts(1)

	res, err := p.IngestBatch(context.Background(), reqs)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 0, res.Failed)
}

func TestBatchSchemaViolationRejectsWholeBatch(t *testing.T) {
	st := memory.New()
	p := newTestPipeline(st, t0)

	reqs := []EventRequest{
		{Name: "ok_event", Timestamp: ts(t0.Add(-time.Second))},
		{Name: "not ok!", Timestamp: ts(t0.Add(-time.Second))},
	}
	_, err := p.IngestBatch(context.Background(), reqs)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))

	var bve *BatchValidationError
	require.ErrorAs(t, err, &bve)
	require.Len(t, bve.Items, 2)
	assert.Empty(t, bve.Items[0])
	assert.NotEmpty(t, bve.Items[1])

	events, scanErr := st.Scan(context.Background(), store.Filter{})
	require.NoError(t, scanErr)
	assert.Empty(t, events, "schema-invalid batch must write nothing")
}

func TestBatchCollapsesDuplicates(t *testing.T) {
	st := memory.New()
	p := newTestPipeline(st, t0)

	at := t0.Add(-time.Minute)
	reqs := []EventRequest{
		{Name: "click", SessionID: "s1", PrincipalID: "u1", Timestamp: ts(at)},
		{Name: "click", SessionID: "s1", PrincipalID: "u1", Timestamp: ts(at)},
		{Name: "click", SessionID: "s1", PrincipalID: "u1", Timestamp: ts(at.Add(time.Second))},
	}
	res, err := p.IngestBatch(context.Background(), reqs)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Succeeded)
	assert.True(t, res.Results[1].Duplicate)
	assert.Equal(t, res.Results[0].EventID, res.Results[1].EventID)

	events, err := st.Scan(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Len(t, events, 2, "duplicate tuple must not write a second row")
}

func TestExportReingestRoundTrip(t *testing.T) {
	src := memory.New()
	p := newTestPipeline(src, t0)

	for i := 0; i < 4; i++ {
		_, err := p.IngestOne(context.Background(), EventRequest{
			Name:        fmt.Sprintf("step_%d", i),
			SessionID:   "sess-rt",
			PrincipalID: "user-rt",
			Properties:  domain.Properties{"n": domain.NumberValue(float64(i))},
			Timestamp:   ts(t0.Add(time.Duration(i-10) * time.Minute)),
		})
		require.NoError(t, err)
	}

	exported, err := src.Scan(context.Background(), store.Filter{PrincipalID: "user-rt"})
	require.NoError(t, err)
	require.Len(t, exported, 4)

	dst := memory.New()
	p2 := newTestPipeline(dst, t0)
	for _, ev := range exported {
		_, err := p2.IngestOne(context.Background(), EventRequest{
			Name:        ev.Name,
			Properties:  ev.Properties,
			SessionID:   ev.SessionID,
			PrincipalID: ev.PrincipalID,
			Timestamp:   ts(ev.OccurredAt),
		})
		require.NoError(t, err)
	}

	reimported, err := dst.Scan(context.Background(), store.Filter{PrincipalID: "user-rt"})
	require.NoError(t, err)
	require.Len(t, reimported, 4)
	for i := range exported {
		assert.Equal(t, exported[i].Name, reimported[i].Name)
		assert.Equal(t, exported[i].Properties, reimported[i].Properties)
		assert.Equal(t, exported[i].SessionID, reimported[i].SessionID)
		assert.Equal(t, exported[i].OccurredAt, reimported[i].OccurredAt)
	}
}

func TestDedupeKeyStable(t *testing.T) {
	ev := &domain.Event{Name: "click", PrincipalID: "u1", SessionID: "s1", OccurredAt: t0}
	same := &domain.Event{Name: "click", PrincipalID: "u1", SessionID: "s1", OccurredAt: t0}
	other := &domain.Event{Name: "click", PrincipalID: "u1", SessionID: "s1", OccurredAt: t0.Add(time.Nanosecond)}

	assert.Equal(t, DedupeKey(ev), DedupeKey(same))
	assert.NotEqual(t, DedupeKey(ev), DedupeKey(other))
}
