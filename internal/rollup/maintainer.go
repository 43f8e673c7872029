// Package rollup maintains the precomputed per-hour/per-day aggregates.
// Rollups are an optimization, never an authority: every consumer must be
// able to fall back to raw event scans.
package rollup

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/insightlytics/insight/internal/domain"
	"github.com/insightlytics/insight/internal/metrics"
	"github.com/insightlytics/insight/internal/store"
)

type Config struct {
	// Retention bounds the recompute window; events older than this are not
	// rolled up.
	Retention time.Duration
	// Interval drives the background refresh loop.
	Interval time.Duration
}

type coverage struct {
	start, end time.Time
}

// Maintainer owns the rollup tables. Refresh is single-flight: concurrent
// triggers collapse into one recompute and all callers get its result.
type Maintainer struct {
	store store.RollupStore
	log   *zap.Logger
	met   *metrics.Metrics
	cfg   Config
	now   func() time.Time

	mu          sync.Mutex
	inFlight    bool
	flightDone  chan struct{}
	lastErr     error
	lastRefresh time.Time
	covered     map[domain.Granularity]coverage
}

func NewMaintainer(st store.RollupStore, log *zap.Logger, met *metrics.Metrics, cfg Config) *Maintainer {
	if cfg.Retention <= 0 {
		cfg.Retention = 90 * 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Maintainer{
		store:   st,
		log:     log,
		met:     met,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		covered: make(map[domain.Granularity]coverage),
	}
}

// WithNow overrides the clock. Test hook.
func (m *Maintainer) WithNow(now func() time.Time) *Maintainer {
	m.now = now
	return m
}

// Refresh recomputes hour and day buckets from raw events. If a refresh is
// already running the caller waits for the in-flight one and shares its
// outcome; it never starts a duplicate.
func (m *Maintainer) Refresh(ctx context.Context) error {
	m.mu.Lock()
	if m.inFlight {
		done := m.flightDone
		m.mu.Unlock()
		select {
		case <-done:
			m.mu.Lock()
			err := m.lastErr
			m.mu.Unlock()
			return err
		case <-ctx.Done():
			return domain.E(domain.KindTimeout, "waiting for in-flight refresh", ctx.Err())
		}
	}
	m.inFlight = true
	m.flightDone = make(chan struct{})
	done := m.flightDone
	m.mu.Unlock()

	started := m.now()
	err := m.recompute(ctx, started)

	m.mu.Lock()
	m.inFlight = false
	m.lastErr = err
	if err == nil {
		m.lastRefresh = started
		// Coverage ends at the refresh instant: the recompute has seen
		// nothing past it, whatever the current bucket's nominal end is.
		cov := coverage{start: started.Add(-m.cfg.Retention), end: started}
		m.covered[domain.GranularityHour] = cov
		m.covered[domain.GranularityDay] = cov
	}
	close(done)
	m.mu.Unlock()

	if err == nil {
		m.met.RollupRefresh.Inc()
		m.met.RollupSeconds.Observe(m.now().Sub(started).Seconds())
	}
	return err
}

func (m *Maintainer) recompute(ctx context.Context, now time.Time) error {
	start := now.Add(-m.cfg.Retention)
	for _, g := range []domain.Granularity{domain.GranularityHour, domain.GranularityDay} {
		buckets, err := m.store.AggregateBuckets(ctx, g, start, now.Add(time.Nanosecond))
		if err != nil {
			m.log.Error("rollup aggregate failed", zap.String("granularity", string(g)), zap.Error(err))
			return err
		}
		if err := m.store.ReplaceRollup(ctx, g, buckets); err != nil {
			m.log.Error("rollup replace failed", zap.String("granularity", string(g)), zap.Error(err))
			return err
		}
		m.log.Debug("rollup refreshed",
			zap.String("granularity", string(g)),
			zap.Int("buckets", len(buckets)))
	}
	return nil
}

// CanServe reports whether rollups exist covering [start, end) at the
// requested or finer granularity. It never claims freshness it cannot prove:
// before the first successful refresh it is always false.
func (m *Maintainer) CanServe(start, end time.Time, g domain.Granularity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastRefresh.IsZero() {
		return false
	}
	for _, cand := range finerOrEqual(g) {
		cov, ok := m.covered[cand]
		if ok && !start.Before(cov.start) && !end.After(cov.end) {
			return true
		}
	}
	return false
}

func finerOrEqual(g domain.Granularity) []domain.Granularity {
	if g == domain.GranularityDay {
		return []domain.Granularity{domain.GranularityDay, domain.GranularityHour}
	}
	return []domain.Granularity{domain.GranularityHour}
}

// LastRefresh returns the start time of the last successful refresh.
func (m *Maintainer) LastRefresh() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRefresh, !m.lastRefresh.IsZero()
}

// Totals sums rollup event counts per name over [start, end). Callers must
// have checked CanServe first.
func (m *Maintainer) Totals(ctx context.Context, g domain.Granularity, start, end time.Time, names ...string) (map[string]int64, error) {
	buckets, err := m.store.QueryRollup(ctx, g, g.Truncate(start), end, names...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	for _, b := range buckets {
		out[b.EventName] += b.EventCount
	}
	return out, nil
}

// Counts returns per-name event counts over [start, end]: from the rollup
// tables when coverage allows, from a raw aggregation scan otherwise. The
// source tag tells the caller which one answered.
func (m *Maintainer) Counts(ctx context.Context, g domain.Granularity, start, end time.Time, names ...string) (map[string]int64, string, error) {
	if m.CanServe(start, end, g) {
		totals, err := m.Totals(ctx, g, start, end, names...)
		if err == nil {
			return totals, "rollup", nil
		}
		m.log.Warn("rollup query failed, falling back to raw scan", zap.Error(err))
	}

	buckets, err := m.store.AggregateBuckets(ctx, g, start, end)
	if err != nil {
		return nil, "", err
	}
	nameSet := make(map[string]struct{}, len(names))
	for _, n := range names {
		nameSet[n] = struct{}{}
	}
	out := make(map[string]int64)
	for _, b := range buckets {
		if len(nameSet) > 0 {
			if _, ok := nameSet[b.EventName]; !ok {
				continue
			}
		}
		out[b.EventName] += b.EventCount
	}
	return out, "live", nil
}

// Run refreshes on the configured interval until ctx is cancelled. One
// refresh is attempted immediately at startup.
func (m *Maintainer) Run(ctx context.Context) {
	go func() {
		if err := m.Refresh(ctx); err != nil {
			m.log.Warn("initial rollup refresh failed", zap.Error(err))
		}
		t := time.NewTicker(m.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := m.Refresh(ctx); err != nil {
					m.log.Warn("scheduled rollup refresh failed", zap.Error(err))
				}
			}
		}
	}()
}
