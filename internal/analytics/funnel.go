// Package analytics holds the read-path aggregation engines: conversion
// funnels, retention cohorts, and session replay/timeline reconstruction.
// All of them consume the event store read-only.
package analytics

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/insightlytics/insight/internal/domain"
	"github.com/insightlytics/insight/internal/store"
)

const (
	MinFunnelSteps = 2
	MaxFunnelSteps = 10
)

// FunnelStep is one position in the conversion path: an event name plus
// optional property equality filters.
type FunnelStep struct {
	Name    string            `json:"eventName"`
	Filters domain.Properties `json:"filters,omitempty"`
}

type FunnelQuery struct {
	Steps []FunnelStep `json:"steps"`
	Start time.Time    `json:"startDate"`
	End   time.Time    `json:"endDate"`
}

type FunnelStepResult struct {
	Step           int     `json:"step"`
	EventName      string  `json:"eventName"`
	Count          int64   `json:"count"`
	ConversionRate float64 `json:"conversionRate"`
	DropoffRate    float64 `json:"dropoffRate"`
}

type FunnelResult struct {
	Steps                 []FunnelStepResult `json:"steps"`
	TotalStarted          int64              `json:"totalStarted"`
	TotalCompleted        int64              `json:"totalCompleted"`
	OverallConversionRate float64            `json:"overallConversionRate"`
}

// Analyzer runs the read-path queries over raw event scans. Rollups are
// never consulted here: they may only undercount and ingestion accepts
// backdated timestamps, so no rollup state can prove a window empty.
type Analyzer struct {
	store store.EventStore
	log   *zap.Logger
}

func NewAnalyzer(st store.EventStore, log *zap.Logger) *Analyzer {
	return &Analyzer{store: st, log: log}
}

// Funnel computes ordered multi-step conversion over sessions. A session
// counts toward step i only if it performed steps 1..i-1 in order first:
// each step carries forward, per session, the timestamp at which the session
// qualified for the previous step, and step i needs an occurrence strictly
// after it. Counts are therefore monotonically non-increasing.
func (a *Analyzer) Funnel(ctx context.Context, q FunnelQuery) (*FunnelResult, error) {
	if err := validateFunnelQuery(q); err != nil {
		return nil, err
	}

	// qualified maps session id to the time it qualified for the previous
	// step (for step 1: earliest matching occurrence).
	var qualified map[string]time.Time
	counts := make([]int64, len(q.Steps))

	for i, step := range q.Steps {
		next := make(map[string]time.Time)
		f := store.Filter{Start: q.Start, End: q.End, Name: step.Name}
		err := a.store.ForEachEvent(ctx, f, func(ev domain.Event) error {
			if ev.SessionID == "" || !matchesFilters(ev.Properties, step.Filters) {
				return nil
			}
			if i > 0 {
				prev, ok := qualified[ev.SessionID]
				if !ok || !ev.OccurredAt.After(prev) {
					return nil
				}
			}
			if cur, ok := next[ev.SessionID]; !ok || ev.OccurredAt.Before(cur) {
				next[ev.SessionID] = ev.OccurredAt
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		qualified = next
		counts[i] = int64(len(next))
	}

	return buildFunnelResult(q, counts), nil
}

func validateFunnelQuery(q FunnelQuery) error {
	var errs []domain.FieldError
	if len(q.Steps) < MinFunnelSteps {
		errs = append(errs, domain.FieldError{Field: "steps", Msg: fmt.Sprintf("at least %d steps required", MinFunnelSteps)})
	}
	if len(q.Steps) > MaxFunnelSteps {
		errs = append(errs, domain.FieldError{Field: "steps", Msg: fmt.Sprintf("max %d steps", MaxFunnelSteps)})
	}
	for i, s := range q.Steps {
		if !domain.ValidEventName(s.Name) {
			errs = append(errs, domain.FieldError{Field: fmt.Sprintf("steps[%d].eventName", i), Msg: "invalid event name"})
		}
	}
	errs = append(errs, validateWindow(q.Start, q.End)...)
	if len(errs) > 0 {
		return domain.ValidationErr("invalid funnel query", errs)
	}
	return nil
}

func buildFunnelResult(q FunnelQuery, counts []int64) *FunnelResult {
	res := &FunnelResult{Steps: make([]FunnelStepResult, len(counts))}
	for i, c := range counts {
		sr := FunnelStepResult{Step: i + 1, EventName: q.Steps[i].Name, Count: c}
		switch {
		case i == 0:
			sr.ConversionRate = 100
			sr.DropoffRate = 0
		case counts[0] > 0:
			sr.ConversionRate = round2(float64(c) / float64(counts[0]) * 100)
		}
		if i > 0 {
			if counts[i-1] > 0 {
				sr.DropoffRate = round2(100 - float64(c)/float64(counts[i-1])*100)
			} else {
				sr.DropoffRate = 0
			}
		}
		res.Steps[i] = sr
	}
	res.TotalStarted = counts[0]
	res.TotalCompleted = counts[len(counts)-1]
	if res.TotalStarted > 0 {
		res.OverallConversionRate = round2(float64(res.TotalCompleted) / float64(res.TotalStarted) * 100)
	}
	return res
}

func matchesFilters(props domain.Properties, filters domain.Properties) bool {
	for k, want := range filters {
		got, ok := props[k]
		if !ok || !got.Equal(want) {
			return false
		}
	}
	return true
}

func validateWindow(start, end time.Time) []domain.FieldError {
	var errs []domain.FieldError
	if start.IsZero() {
		errs = append(errs, domain.FieldError{Field: "startDate", Msg: "required"})
	}
	if end.IsZero() {
		errs = append(errs, domain.FieldError{Field: "endDate", Msg: "required"})
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		errs = append(errs, domain.FieldError{Field: "endDate", Msg: "must not precede startDate"})
	}
	return errs
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
