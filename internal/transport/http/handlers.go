// Package transporthttp carries the engine's request/response surface. It
// owns no analytics logic: handlers decode, delegate and encode.
package transporthttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/insightlytics/insight/internal/analytics"
	"github.com/insightlytics/insight/internal/config"
	"github.com/insightlytics/insight/internal/domain"
	"github.com/insightlytics/insight/internal/ingest"
	"github.com/insightlytics/insight/internal/metrics"
	"github.com/insightlytics/insight/internal/rollup"
	"github.com/insightlytics/insight/internal/store"
)

type ServerDeps struct {
	Cfg        config.Config
	Log        *zap.Logger
	Pipeline   *ingest.Pipeline
	Store      store.EventStore
	Analyzer   *analytics.Analyzer
	Maintainer *rollup.Maintainer
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
	Ready      func(r *http.Request) error
	Now        func() time.Time
}

func decodeJSONStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --- Health ---

func (d *ServerDeps) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *ServerDeps) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if d.Ready != nil {
		if err := d.Ready(r); err != nil {
			WriteProblem(w, http.StatusServiceUnavailable, "not_ready", "not ready", "store not reachable", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Ingestion ---

func (d *ServerDeps) HandlePostEvent(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var req ingest.EventRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid_json", "invalid json", err.Error(), nil)
		return
	}
	id, err := d.Pipeline.IngestOne(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"eventId": id})
}

type batchReq struct {
	Events []ingest.EventRequest `json:"events"`
}

type batchItemOK struct {
	Index   int   `json:"index"`
	EventID int64 `json:"eventId"`
}

type batchItemFail struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

func (d *ServerDeps) HandlePostBatch(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var br batchReq
	if err := decodeJSONStrict(r, &br); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid_json", "invalid json", err.Error(), nil)
		return
	}
	res, err := d.Pipeline.IngestBatch(r.Context(), br.Events)
	if err != nil {
		var bve *ingest.BatchValidationError
		if errors.As(err, &bve) {
			prob := map[string][]string{}
			for i, fes := range bve.Items {
				for _, fe := range fes {
					k := "events[" + strconv.Itoa(i) + "]." + fe.Field
					prob[k] = append(prob[k], fe.Msg)
				}
			}
			WriteProblem(w, http.StatusBadRequest, "validation", "validation failed", bve.Msg, prob)
			return
		}
		WriteError(w, err)
		return
	}

	if res.Failed == 0 {
		ids := make([]int64, len(res.Results))
		for i, item := range res.Results {
			ids[i] = item.EventID
		}
		writeJSON(w, http.StatusCreated, map[string]any{"eventIds": ids, "count": res.Succeeded})
		return
	}

	// Partial failures are a 2xx with an explicit per-item breakdown, never
	// a misleading blanket success.
	succeeded := make([]batchItemOK, 0, res.Succeeded)
	failed := make([]batchItemFail, 0, res.Failed)
	for _, item := range res.Results {
		if item.Err != nil {
			failed = append(failed, batchItemFail{Index: item.Index, Reason: item.Reason})
		} else {
			succeeded = append(succeeded, batchItemOK{Index: item.Index, EventID: item.EventID})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"succeeded": succeeded, "failed": failed})
}

// --- Event queries ---

func (d *ServerDeps) HandleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Name:        q.Get("name"),
		SessionID:   q.Get("sessionId"),
		PrincipalID: q.Get("principalId"),
		Descending:  q.Get("order") == "desc",
	}
	var err error
	if f.Start, err = parseTimeParam(q.Get("startDate")); err != nil {
		WriteProblem(w, http.StatusBadRequest, "validation", "invalid parameters", "startDate must be RFC 3339", nil)
		return
	}
	if f.End, err = parseTimeParam(q.Get("endDate")); err != nil {
		WriteProblem(w, http.StatusBadRequest, "validation", "invalid parameters", "endDate must be RFC 3339", nil)
		return
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	events, err := d.Store.Scan(r.Context(), f)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// --- Analytics ---

func (d *ServerDeps) HandleFunnel(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var q analytics.FunnelQuery
	if err := decodeJSONStrict(r, &q); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid_json", "invalid json", err.Error(), nil)
		return
	}
	res, err := d.Analyzer.Funnel(r.Context(), q)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (d *ServerDeps) HandleCohort(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var q analytics.CohortQuery
	if err := decodeJSONStrict(r, &q); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid_json", "invalid json", err.Error(), nil)
		return
	}
	res, err := d.Analyzer.Cohort(r.Context(), q)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (d *ServerDeps) HandleReplay(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	res, err := d.Analyzer.SessionReplay(r.Context(), sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (d *ServerDeps) HandleTimeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := parseTimeParam(q.Get("startDate"))
	if err != nil {
		WriteProblem(w, http.StatusBadRequest, "validation", "invalid parameters", "startDate must be RFC 3339", nil)
		return
	}
	end, err := parseTimeParam(q.Get("endDate"))
	if err != nil {
		WriteProblem(w, http.StatusBadRequest, "validation", "invalid parameters", "endDate must be RFC 3339", nil)
		return
	}
	bucketSizeMs, _ := strconv.ParseInt(q.Get("bucketSizeMs"), 10, 64)

	buckets, err := d.Analyzer.Timeline(r.Context(), start, end, bucketSizeMs)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": buckets})
}

// --- Rollups ---

func (d *ServerDeps) HandleRollupRefresh(w http.ResponseWriter, r *http.Request) {
	if err := d.Maintainer.Refresh(r.Context()); err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// HandleStats serves per-name event counts, from rollups when their coverage
// allows and from a raw aggregation scan otherwise. The source field declares
// which answered, since rollup answers may be stale.
func (d *ServerDeps) HandleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := parseTimeParam(q.Get("startDate"))
	if err != nil || start.IsZero() {
		WriteProblem(w, http.StatusBadRequest, "validation", "invalid parameters", "startDate is required (RFC 3339)", nil)
		return
	}
	end, err := parseTimeParam(q.Get("endDate"))
	if err != nil || end.IsZero() {
		WriteProblem(w, http.StatusBadRequest, "validation", "invalid parameters", "endDate is required (RFC 3339)", nil)
		return
	}
	if end.Before(start) {
		WriteProblem(w, http.StatusBadRequest, "validation", "invalid parameters", "endDate must not precede startDate", nil)
		return
	}
	g := domain.Granularity(q.Get("granularity"))
	if g == "" {
		g = domain.GranularityHour
	}
	if g != domain.GranularityHour && g != domain.GranularityDay {
		WriteProblem(w, http.StatusBadRequest, "validation", "invalid parameters", "granularity must be hour or day", nil)
		return
	}

	totals, source, err := d.Maintainer.Counts(r.Context(), g, start, end, q["name"]...)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"totals": totals, "source": source})
}

func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// Router assembles the chi handler tree with the middleware chain.
func (d *ServerDeps) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logging(d.Log))
	r.Use(Instrument(d.Metrics))

	r.Get("/healthz", d.HandleHealthz)
	r.Get("/readyz", d.HandleReadyz)

	var metricsHandler http.Handler = promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{})
	metricsHandler = RateLimitPerMinute(d.Cfg.RateLimitPerMin, d.Now)(metricsHandler)
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	r.Route("/api", func(r chi.Router) {
		r.Use(APIKeyAuth(d.Cfg.APIKeys))
		r.Use(BodyLimit(d.Cfg.MaxBodyBytes))
		r.Use(RequireJSON)

		r.Post("/events", d.HandlePostEvent)
		r.Post("/events/batch", d.HandlePostBatch)
		r.Get("/events", d.HandleQueryEvents)

		r.Post("/analytics/funnel", d.HandleFunnel)
		r.Post("/analytics/cohort", d.HandleCohort)
		r.Get("/analytics/timeline", d.HandleTimeline)
		r.Get("/analytics/stats", d.HandleStats)
		r.Get("/sessions/{sessionID}/replay", d.HandleReplay)

		r.Post("/rollups/refresh", d.HandleRollupRefresh)
	})
	return r
}
