package analytics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/insightlytics/insight/internal/domain"
	"github.com/insightlytics/insight/internal/store/memory"
)

var base = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func newTestAnalyzer(st *memory.Store) *Analyzer {
	return NewAnalyzer(st, zap.NewNop())
}

func addEvent(t *testing.T, st *memory.Store, name, session, principal string, at time.Time, props domain.Properties) {
	t.Helper()
	_, err := st.Insert(context.Background(), &domain.Event{
		Name: name, SessionID: session, PrincipalID: principal, OccurredAt: at, Properties: props,
	})
	require.NoError(t, err)
}

func window() (time.Time, time.Time) {
	return base, base.Add(24 * time.Hour)
}

func funnelQuery(names ...string) FunnelQuery {
	start, end := window()
	steps := make([]FunnelStep, len(names))
	for i, n := range names {
		steps[i] = FunnelStep{Name: n}
	}
	return FunnelQuery{Steps: steps, Start: start, End: end}
}

func TestFunnelBasicConversion(t *testing.T) {
	st := memory.New()
	// 3 sessions sign up, 2 go on to purchase, 1 upgrades.
	for i := 0; i < 3; i++ {
		s := fmt.Sprintf("s%d", i)
		addEvent(t, st, "signup", s, "", base.Add(time.Duration(i)*time.Minute), nil)
	}
	addEvent(t, st, "purchase", "s0", "", base.Add(time.Hour), nil)
	addEvent(t, st, "purchase", "s1", "", base.Add(time.Hour), nil)
	addEvent(t, st, "upgrade", "s0", "", base.Add(2*time.Hour), nil)

	res, err := newTestAnalyzer(st).Funnel(context.Background(), funnelQuery("signup", "purchase", "upgrade"))
	require.NoError(t, err)

	require.Len(t, res.Steps, 3)
	assert.Equal(t, int64(3), res.Steps[0].Count)
	assert.Equal(t, int64(2), res.Steps[1].Count)
	assert.Equal(t, int64(1), res.Steps[2].Count)

	assert.Equal(t, 100.0, res.Steps[0].ConversionRate)
	assert.InDelta(t, 66.67, res.Steps[1].ConversionRate, 0.01)
	assert.InDelta(t, 33.33, res.Steps[2].ConversionRate, 0.01)

	assert.Equal(t, 0.0, res.Steps[0].DropoffRate)
	assert.InDelta(t, 33.33, res.Steps[1].DropoffRate, 0.01)
	assert.InDelta(t, 50.0, res.Steps[2].DropoffRate, 0.01)

	assert.Equal(t, int64(3), res.TotalStarted)
	assert.Equal(t, int64(1), res.TotalCompleted)
	assert.InDelta(t, 33.33, res.OverallConversionRate, 0.01)
}

func TestFunnelEnforcesTemporalOrdering(t *testing.T) {
	st := memory.New()
	// Clock skew scenario: session A fires purchase before signup. It must
	// not count toward step 2.
	addEvent(t, st, "purchase", "A", "", base.Add(5*time.Second), nil)
	addEvent(t, st, "signup", "A", "", base.Add(10*time.Second), nil)
	// Session B does them in order.
	addEvent(t, st, "signup", "B", "", base.Add(10*time.Second), nil)
	addEvent(t, st, "purchase", "B", "", base.Add(20*time.Second), nil)

	res, err := newTestAnalyzer(st).Funnel(context.Background(), funnelQuery("signup", "purchase"))
	require.NoError(t, err)

	assert.Equal(t, int64(2), res.Steps[0].Count)
	assert.Equal(t, int64(1), res.Steps[1].Count, "out-of-order session must not convert")
}

func TestFunnelSameTimestampDoesNotQualify(t *testing.T) {
	st := memory.New()
	// Step 2 needs a strictly later occurrence than the step-1 qualifier.
	addEvent(t, st, "signup", "A", "", base.Add(time.Minute), nil)
	addEvent(t, st, "purchase", "A", "", base.Add(time.Minute), nil)

	res, err := newTestAnalyzer(st).Funnel(context.Background(), funnelQuery("signup", "purchase"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Steps[0].Count)
	assert.Equal(t, int64(0), res.Steps[1].Count)
}

func TestFunnelMonotonicity(t *testing.T) {
	st := memory.New()
	// Noisy data: every session fires a random-ish subset, many repeats.
	for i := 0; i < 40; i++ {
		s := fmt.Sprintf("s%d", i)
		addEvent(t, st, "view", s, "", base.Add(time.Duration(i)*time.Minute), nil)
		if i%2 == 0 {
			addEvent(t, st, "signup", s, "", base.Add(time.Duration(i)*time.Minute+30*time.Second), nil)
		}
		if i%3 == 0 {
			addEvent(t, st, "purchase", s, "", base.Add(time.Duration(i)*time.Minute+45*time.Second), nil)
		}
		if i%4 == 0 {
			addEvent(t, st, "purchase", s, "", base.Add(time.Duration(i)*time.Minute+50*time.Second), nil)
		}
	}

	res, err := newTestAnalyzer(st).Funnel(context.Background(), funnelQuery("view", "signup", "purchase"))
	require.NoError(t, err)
	for i := 1; i < len(res.Steps); i++ {
		assert.LessOrEqual(t, res.Steps[i].Count, res.Steps[i-1].Count,
			"step %d must not exceed step %d", i+1, i)
	}
}

func TestFunnelPropertyFilters(t *testing.T) {
	st := memory.New()
	addEvent(t, st, "signup", "A", "", base.Add(time.Minute), domain.Properties{"plan": domain.StringValue("pro")})
	addEvent(t, st, "signup", "B", "", base.Add(time.Minute), domain.Properties{"plan": domain.StringValue("free")})
	addEvent(t, st, "purchase", "A", "", base.Add(2*time.Minute), nil)
	addEvent(t, st, "purchase", "B", "", base.Add(2*time.Minute), nil)

	q := funnelQuery("signup", "purchase")
	q.Steps[0].Filters = domain.Properties{"plan": domain.StringValue("pro")}

	res, err := newTestAnalyzer(st).Funnel(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Steps[0].Count)
	assert.Equal(t, int64(1), res.Steps[1].Count)
}

func TestFunnelIgnoresSessionlessEvents(t *testing.T) {
	st := memory.New()
	addEvent(t, st, "signup", "", "u1", base.Add(time.Minute), nil)
	addEvent(t, st, "signup", "A", "", base.Add(time.Minute), nil)

	res, err := newTestAnalyzer(st).Funnel(context.Background(), funnelQuery("signup", "purchase"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Steps[0].Count)
}

func TestFunnelValidation(t *testing.T) {
	a := newTestAnalyzer(memory.New())
	start, end := window()

	_, err := a.Funnel(context.Background(), FunnelQuery{
		Steps: []FunnelStep{{Name: "only_one"}}, Start: start, End: end,
	})
	assert.True(t, domain.IsValidation(err))

	_, err = a.Funnel(context.Background(), FunnelQuery{
		Steps: []FunnelStep{{Name: "a"}, {Name: "b"}}, Start: end, End: start,
	})
	assert.True(t, domain.IsValidation(err))
}

func TestFunnelEmptyWindow(t *testing.T) {
	res, err := newTestAnalyzer(memory.New()).Funnel(context.Background(), funnelQuery("signup", "purchase"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.TotalStarted)
	assert.Equal(t, 0.0, res.OverallConversionRate)
}
