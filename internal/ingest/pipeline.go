// Package ingest owns the write path: shape validation, session
// bookkeeping and batch ingestion with per-item outcome reporting.
package ingest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/insightlytics/insight/internal/domain"
	"github.com/insightlytics/insight/internal/metrics"
	"github.com/insightlytics/insight/internal/store"
)

// EventRequest is one inbound event before normalization. Timestamp is the
// client-supplied occurrence time; when absent the ingestion time is used.
// Timestamps beyond the allowed future skew fail validation.
type EventRequest struct {
	Name        string            `json:"name"`
	Properties  domain.Properties `json:"properties,omitempty"`
	SessionID   string            `json:"sessionId,omitempty"`
	PrincipalID string            `json:"principalId,omitempty"`
	Timestamp   *time.Time        `json:"timestamp,omitempty"`
}

// ItemResult is one slot of the index-aligned batch outcome.
type ItemResult struct {
	Index     int    `json:"index"`
	EventID   int64  `json:"eventId,omitempty"`
	Err       error  `json:"-"`
	Reason    string `json:"reason,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// BatchResult reports exactly what happened to each of the N inputs.
// Succeeded+Failed always equals len(Results).
type BatchResult struct {
	Results         []ItemResult
	Succeeded       int
	Failed          int
	SessionsTouched int
}

type Config struct {
	ClockSkew      time.Duration
	SessionTimeout time.Duration
	BatchMaxItems  int
}

// Pipeline validates and writes events through an injected store handle.
// No global state: construct one per process (or per test).
type Pipeline struct {
	store store.EventStore
	log   *zap.Logger
	met   *metrics.Metrics
	cfg   Config
	now   func() time.Time

	// rotations maps a client session id to the rotated id currently
	// continuing it, so post-timeout events stay in one logical session.
	rotMu     sync.Mutex
	rotations map[string]string
}

func NewPipeline(st store.EventStore, log *zap.Logger, met *metrics.Metrics, cfg Config) *Pipeline {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = domain.DefaultClockSkew
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = domain.DefaultSessionTTL
	}
	return &Pipeline{
		store:     st,
		log:       log,
		met:       met,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		rotations: make(map[string]string),
	}
}

// WithNow overrides the clock. Test hook.
func (p *Pipeline) WithNow(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// IngestOne validates, normalizes and writes a single event, then updates
// the session aggregate when a session id is present.
func (p *Pipeline) IngestOne(ctx context.Context, req EventRequest) (int64, error) {
	now := p.now()
	ev := p.normalize(req, now)
	if errs := domain.ValidateEvent(ev, now, p.cfg.ClockSkew); len(errs) > 0 {
		p.met.EventsRejected.Inc()
		return 0, domain.ValidationErr("event failed validation", errs)
	}

	if ev.SessionID != "" {
		ev.SessionID = p.resolveSession(ctx, ev.SessionID, ev.OccurredAt)
	}

	id, err := p.store.Insert(ctx, ev)
	if err != nil {
		return 0, err
	}
	if ev.SessionID != "" {
		if _, err := p.store.UpsertSession(ctx, ev.SessionID, ev.OccurredAt); err != nil {
			// The event is committed; a failed session bump must not undo it.
			p.log.Warn("session upsert failed", zap.String("session_id", ev.SessionID), zap.Error(err))
		}
	}
	p.met.EventsIngested.Inc()
	return id, nil
}

// IngestBatch validates the whole batch shape first (any schema violation
// rejects the entire batch with zero writes), then inserts per item with one
// retry on store failure. Session upserts are aggregated to one per distinct
// session id, not one per event.
func (p *Pipeline) IngestBatch(ctx context.Context, reqs []EventRequest) (*BatchResult, error) {
	now := p.now()
	events := make([]*domain.Event, len(reqs))
	for i := range reqs {
		events[i] = p.normalize(reqs[i], now)
	}

	if allErrs, topErr := domain.ValidateBatch(events, p.cfg.BatchMaxItems, now, p.cfg.ClockSkew); topErr != nil {
		p.met.EventsRejected.Add(float64(len(reqs)))
		return nil, &BatchValidationError{Msg: topErr.Error(), Items: allErrs}
	}

	// Resolve the session timeout boundary once per distinct original id so
	// every event of the batch lands in the same logical session.
	resolved := make(map[string]string)
	type sessionTouch struct {
		last time.Time
	}
	touched := make(map[string]*sessionTouch)
	for _, ev := range events {
		if ev.SessionID == "" {
			continue
		}
		eff, ok := resolved[ev.SessionID]
		if !ok {
			eff = p.resolveSession(ctx, ev.SessionID, ev.OccurredAt)
			resolved[ev.SessionID] = eff
		}
		ev.SessionID = eff
	}

	dd := newDeduper()
	res := &BatchResult{Results: make([]ItemResult, len(events))}
	for i, ev := range events {
		r := ItemResult{Index: i}
		if winner, dup := dd.check(i, ev); dup {
			prev := res.Results[winner]
			r.EventID, r.Err, r.Duplicate = prev.EventID, prev.Err, true
		} else {
			id, err := p.store.Insert(ctx, ev)
			if err != nil && domain.IsStore(err) && ctx.Err() == nil {
				// One retry per item; beyond that the failure is reported,
				// never swallowed.
				id, err = p.store.Insert(ctx, ev)
			}
			r.EventID, r.Err = id, err
		}
		if r.Err != nil {
			r.Reason = r.Err.Error()
			res.Failed++
		} else {
			res.Succeeded++
			if ev.SessionID != "" && !r.Duplicate {
				t := touched[ev.SessionID]
				if t == nil {
					touched[ev.SessionID] = &sessionTouch{last: ev.OccurredAt}
				} else if ev.OccurredAt.After(t.last) {
					t.last = ev.OccurredAt
				}
			}
		}
		res.Results[i] = r
	}

	for id, t := range touched {
		if _, err := p.store.UpsertSession(ctx, id, t.last); err != nil {
			p.log.Warn("session upsert failed", zap.String("session_id", id), zap.Error(err))
			continue
		}
		res.SessionsTouched++
	}

	p.met.EventsIngested.Add(float64(res.Succeeded))
	p.met.EventsRejected.Add(float64(res.Failed))
	p.met.BatchSize.Observe(float64(len(reqs)))
	p.log.Info("batch ingested",
		zap.Int("total", len(reqs)),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("sessions", res.SessionsTouched))
	return res, nil
}

// resolveSession enforces the inactivity timeout on the client-controlled
// session id: events landing after lastActivity+timeout start a logically
// new session under a rotated id. The rotation is remembered, so further
// events on the same client id continue the rotated session until that one
// times out in turn. The store upserts whatever id it is given.
func (p *Pipeline) resolveSession(ctx context.Context, sessionID string, at time.Time) string {
	p.rotMu.Lock()
	eff, ok := p.rotations[sessionID]
	p.rotMu.Unlock()
	if !ok {
		eff = sessionID
	}

	sess, err := p.store.GetSession(ctx, eff)
	if err != nil {
		return eff
	}
	if at.After(sess.LastActivityAt.Add(p.cfg.SessionTimeout)) {
		rotated := rotateSessionID(sessionID)
		p.rotMu.Lock()
		p.rotations[sessionID] = rotated
		p.rotMu.Unlock()
		p.log.Debug("session expired, rotating",
			zap.String("session_id", eff),
			zap.String("rotated_id", rotated))
		return rotated
	}
	return eff
}

func rotateSessionID(id string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	rotated := id + "-" + suffix
	if len(rotated) > domain.MaxSessionIDLen {
		rotated = rotated[len(rotated)-domain.MaxSessionIDLen:]
	}
	return rotated
}

func (p *Pipeline) normalize(req EventRequest, now time.Time) *domain.Event {
	occurred := now
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		occurred = req.Timestamp.UTC()
	}
	return &domain.Event{
		Name:        req.Name,
		Properties:  req.Properties,
		SessionID:   req.SessionID,
		PrincipalID: req.PrincipalID,
		OccurredAt:  occurred,
		CreatedAt:   now,
	}
}

// BatchValidationError rejects a whole batch before any write.
type BatchValidationError struct {
	Msg   string
	Items [][]domain.FieldError
}

func (e *BatchValidationError) Error() string { return e.Msg }

// Kind lets domain.Kind classify batch rejections as validation faults.
func (e *BatchValidationError) As(target any) bool {
	if de, ok := target.(**domain.Error); ok {
		*de = domain.ValidationErr(e.Msg, nil)
		return true
	}
	return false
}
