package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/insightlytics/insight/internal/domain"
	"github.com/insightlytics/insight/internal/store"
)

// Period is the cohort bucketing granularity.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

const MaxCohortPeriods = 52

type CohortQuery struct {
	DefiningEvent string    `json:"definingEvent"`
	ReturnEvent   string    `json:"returnEvent"`
	Start         time.Time `json:"startDate"`
	End           time.Time `json:"endDate"`
	Granularity   Period    `json:"granularity"`
	Periods       int       `json:"periods"`
}

type PeriodCell struct {
	Period        int     `json:"period"`
	Count         int64   `json:"count"`
	RetentionRate float64 `json:"retentionRate"`
}

type CohortRow struct {
	CohortDate time.Time    `json:"cohortDate"`
	CohortSize int64        `json:"cohortSize"`
	Periods    []PeriodCell `json:"periods"`
}

type CohortResult struct {
	Cohorts          []CohortRow `json:"cohorts"`
	TotalUsers       int64       `json:"totalUsers"`
	AverageRetention []float64   `json:"averageRetention"`
}

// Cohort groups principals by the bucket of their first defining-event
// occurrence inside the window, then counts, per subsequent period, the
// distinct principals that re-triggered the return event. Distinct
// principals, never occurrences: that is what keeps retention <= 100.
func (a *Analyzer) Cohort(ctx context.Context, q CohortQuery) (*CohortResult, error) {
	if err := validateCohortQuery(q); err != nil {
		return nil, err
	}

	// Pass 1: first defining-event occurrence per principal in the window.
	firstSeen := make(map[string]time.Time)
	err := a.store.ForEachEvent(ctx, store.Filter{Start: q.Start, End: q.End, Name: q.DefiningEvent}, func(ev domain.Event) error {
		if ev.PrincipalID == "" {
			return nil
		}
		if t, ok := firstSeen[ev.PrincipalID]; !ok || ev.OccurredAt.Before(t) {
			firstSeen[ev.PrincipalID] = ev.OccurredAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(firstSeen) == 0 {
		return &CohortResult{Cohorts: []CohortRow{}, AverageRetention: make([]float64, q.Periods)}, nil
	}

	cohortOf := make(map[string]time.Time, len(firstSeen))
	sizes := make(map[time.Time]int64)
	var firstCohort, lastCohort time.Time
	for principal, t := range firstSeen {
		start := bucketStart(t, q.Granularity)
		cohortOf[principal] = start
		sizes[start]++
		if firstCohort.IsZero() || start.Before(firstCohort) {
			firstCohort = start
		}
		if start.After(lastCohort) {
			lastCohort = start
		}
	}

	// Pass 2: distinct returning principals per (cohort, period). Period 0
	// opens at the cohort bucket boundary, which precedes the query window
	// start for week/month buckets, and the last period of the newest cohort
	// may extend past the window end. Scan the full span.
	scanEnd := addPeriods(lastCohort, q.Granularity, q.Periods)
	returned := make(map[time.Time][]map[string]struct{})
	for start := range sizes {
		cells := make([]map[string]struct{}, q.Periods)
		for p := range cells {
			cells[p] = make(map[string]struct{})
		}
		returned[start] = cells
	}
	err = a.store.ForEachEvent(ctx, store.Filter{Start: firstCohort, End: scanEnd, Name: q.ReturnEvent}, func(ev domain.Event) error {
		cohort, ok := cohortOf[ev.PrincipalID]
		if !ok {
			return nil
		}
		p, ok := periodIndex(cohort, ev.OccurredAt, q.Granularity, q.Periods)
		if !ok {
			return nil
		}
		returned[cohort][p][ev.PrincipalID] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}

	starts := make([]time.Time, 0, len(sizes))
	for start := range sizes {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	res := &CohortResult{
		Cohorts:          make([]CohortRow, 0, len(starts)),
		AverageRetention: make([]float64, q.Periods),
	}
	for _, start := range starts {
		row := CohortRow{CohortDate: start, CohortSize: sizes[start], Periods: make([]PeriodCell, q.Periods)}
		for p := 0; p < q.Periods; p++ {
			count := int64(len(returned[start][p]))
			rate := 0.0
			if row.CohortSize > 0 {
				rate = round2(float64(count) / float64(row.CohortSize) * 100)
			}
			row.Periods[p] = PeriodCell{Period: p, Count: count, RetentionRate: rate}
			res.AverageRetention[p] += rate
		}
		res.TotalUsers += row.CohortSize
		res.Cohorts = append(res.Cohorts, row)
	}
	// Cohorts are weighted equally in the average, not by size.
	for p := range res.AverageRetention {
		res.AverageRetention[p] = round2(res.AverageRetention[p] / float64(len(starts)))
	}
	return res, nil
}

func validateCohortQuery(q CohortQuery) error {
	var errs []domain.FieldError
	if !domain.ValidEventName(q.DefiningEvent) {
		errs = append(errs, domain.FieldError{Field: "definingEvent", Msg: "invalid event name"})
	}
	if !domain.ValidEventName(q.ReturnEvent) {
		errs = append(errs, domain.FieldError{Field: "returnEvent", Msg: "invalid event name"})
	}
	switch q.Granularity {
	case PeriodDay, PeriodWeek, PeriodMonth:
	default:
		errs = append(errs, domain.FieldError{Field: "granularity", Msg: "must be day, week or month"})
	}
	if q.Periods < 1 || q.Periods > MaxCohortPeriods {
		errs = append(errs, domain.FieldError{Field: "periods", Msg: fmt.Sprintf("must be 1..%d", MaxCohortPeriods)})
	}
	errs = append(errs, validateWindow(q.Start, q.End)...)
	if len(errs) > 0 {
		return domain.ValidationErr("invalid cohort query", errs)
	}
	return nil
}

// bucketStart floors t to the start of its cohort bucket in UTC. Weeks start
// on Monday.
func bucketStart(t time.Time, g Period) time.Time {
	t = t.UTC()
	switch g {
	case PeriodWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case PeriodMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

func addPeriods(start time.Time, g Period, n int) time.Time {
	switch g {
	case PeriodWeek:
		return start.AddDate(0, 0, 7*n)
	case PeriodMonth:
		return start.AddDate(0, n, 0)
	default:
		return start.AddDate(0, 0, n)
	}
}

// periodIndex places t into the half-open period [start+p*g, start+(p+1)*g)
// relative to the cohort start.
func periodIndex(cohortStart, t time.Time, g Period, periods int) (int, bool) {
	if t.Before(cohortStart) {
		return 0, false
	}
	for p := 0; p < periods; p++ {
		if t.Before(addPeriods(cohortStart, g, p+1)) {
			return p, true
		}
	}
	return 0, false
}
