package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"admissions/internal/core"
	applog "admissions/internal/log"
	"admissions/internal/rollup"
	"admissions/internal/services"
)

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.appMetrics.uptime).String(),
	})
}

// handleReady reports ready once templates are parsed and a dataset is
// loaded. Optional dependencies are reported without failing readiness.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	httpStatus := http.StatusOK
	checks := make(map[string]interface{})

	if s.templates == nil {
		checks["templates"] = "failed: templates not loaded"
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["templates"] = "ok"
	}

	ds := s.datasets.Status()
	dataset := map[string]interface{}{
		"source":   ds.Source,
		"version":  ds.Version,
		"rows":     ds.Rows,
		"warnings": ds.Warnings,
		"loads":    ds.Loads,
		"failures": ds.Failures,
	}
	if ds.LastError != "" {
		dataset["last_error"] = ds.LastError
	}
	if ds.Loaded {
		dataset["status"] = "ok"
		dataset["loaded_at"] = ds.LoadedAt.Format(time.RFC3339)
	} else {
		dataset["status"] = "not_loaded"
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}
	checks["dataset"] = dataset

	if s.opts.SnapshotStore != nil {
		if err := s.opts.SnapshotStore.Ping(ctx); err != nil {
			checks["snapshot_store"] = fmt.Sprintf("degraded: %v", err)
		} else {
			checks["snapshot_store"] = "ok"
		}
	} else {
		checks["snapshot_store"] = "not_configured"
	}

	if s.opts.Messaging != nil {
		if s.opts.Messaging.Healthy() {
			checks["messaging"] = "ok"
		} else {
			checks["messaging"] = "degraded: circuit open"
		}
	} else {
		checks["messaging"] = "not_configured"
	}

	stats := s.rollups.Stats()
	checks["cache"] = map[string]interface{}{
		"rollup_entries": stats.Cache.Size,
		"hit_ratio":      stats.Cache.HitRatio(),
		"status":         "ok",
	}

	checks["rate_limiter"] = map[string]interface{}{
		"active_clients": s.rateLimiter.ActiveClients(),
		"status":         "ok",
	}

	writeJSON(w, httpStatus, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
	})
}

// handleMetrics provides application and security metrics in plain text format
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	securityMetrics := s.securityDetector.GetMetrics()
	rateLimitMetrics := s.rateLimiter.GetMetrics()
	traceMetrics := s.traceMiddleware.GetMetrics()
	rollupStats := s.rollups.Stats()
	ds := s.datasets.Status()

	w.WriteHeader(http.StatusOK)

	metric := func(name, kind, help string, value interface{}) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
		fmt.Fprintf(w, "%s %v\n\n", name, value)
	}

	metric("http_requests_total", "counter", "Total number of HTTP requests", traceMetrics.TotalRequests)
	metric("http_server_errors_total", "counter", "HTTP responses with a 5xx status", traceMetrics.ServerErrors)
	metric("http_response_time_avg_microseconds", "gauge", "Average HTTP response time", traceMetrics.AverageResponseTime)

	metric("rollups_served_total", "counter", "Rollups served by the dashboard", s.appMetrics.rollupsServed.Load())
	metric("rollup_errors_total", "counter", "Rollup requests that failed", s.appMetrics.rollupErrors.Load())
	metric("rollups_computed_total", "counter", "Rollups computed from the dataset", rollupStats.Computed)
	metric("rollups_rejected_total", "counter", "Rollup requests rejected by validation", rollupStats.Rejected)
	metric("rollup_exports_total", "counter", "XLSX exports written", s.appMetrics.exports.Load())

	metric("cache_hits_total", "counter", "Rollup cache hits", rollupStats.Cache.Hits)
	metric("cache_misses_total", "counter", "Rollup cache misses", rollupStats.Cache.Misses)
	metric("cache_evictions_total", "counter", "Rollup cache evictions", rollupStats.Cache.Evictions)
	metric("cache_entries", "gauge", "Rollup cache entries", rollupStats.Cache.Size)

	loaded := 0
	if ds.Loaded {
		loaded = 1
	}
	metric("dataset_loaded", "gauge", "Whether a dataset is loaded", loaded)
	metric("dataset_version", "gauge", "Current dataset version", ds.Version)
	metric("dataset_rows", "gauge", "Records in the current dataset", ds.Rows)
	metric("dataset_loads_total", "counter", "Successful dataset loads", ds.Loads)
	metric("dataset_load_failures_total", "counter", "Failed dataset loads", ds.Failures)
	metric("dataset_refresh_requests_total", "counter", "Refreshes requested over HTTP", s.appMetrics.refreshes.Load())

	metric("rate_limit_hits_total", "counter", "Requests rejected by the rate limiter", rateLimitMetrics.TotalHits)
	metric("rate_limit_active_clients", "gauge", "Clients tracked by the rate limiter", rateLimitMetrics.ClientCount)
	metric("security_suspicious_requests_total", "counter", "Requests flagged as suspicious", securityMetrics.SuspiciousRequests)
	metric("security_invalid_ip_total", "counter", "Requests with unparseable client IPs", securityMetrics.InvalidIPAttempts)

	metric("app_uptime_seconds", "gauge", "Application uptime in seconds", int64(time.Since(s.appMetrics.uptime).Seconds()))
}

type rollupView struct {
	Table          rollup.Table
	Keys           string
	SortOn         string
	ExportURL      string
	DatasetVersion uint64
	CacheHit       bool
}

func newRollupView(res *services.RollupResult) rollupView {
	return rollupView{
		Table:          res.Table,
		Keys:           core.JoinKeyChain(res.Rollup.Keys),
		SortOn:         string(res.Rollup.SortOn),
		ExportURL:      exportURL(res.Rollup.Keys, string(res.Rollup.SortOn)),
		DatasetVersion: res.DatasetVersion,
		CacheHit:       res.CacheHit,
	}
}

// handleIndex renders the dashboard. ?keys= and ?sort= preload a rollup so
// the page can be linked to a combination.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		NotFoundError("Page not found").Write(w)
		return
	}
	if resp := RequireGET(r); resp != nil {
		resp.Write(w)
		return
	}
	if s.templates == nil {
		s.logger.ErrorContext(r.Context(), "Templates not loaded", applog.FieldPath, r.URL.Path)
		http.Error(w, "templates not loaded", http.StatusInternalServerError)
		return
	}

	params := ParseRollupParams(r.URL.Query(), string(s.opts.DefaultSortOn))
	measures := make([]string, len(core.AllMeasures))
	for i, m := range core.AllMeasures {
		measures[i] = string(m)
	}

	data := struct {
		Fields      []string
		Measures    []string
		SortOn      string
		Combination string
		Status      services.DatasetStatus
		Rollup      *rollupView
	}{
		Fields:      s.datasets.SplitFields(s.opts.DashboardFields),
		Measures:    measures,
		SortOn:      params.SortOn,
		Combination: core.JoinKeyChain(params.Keys),
		Status:      s.datasets.Status(),
	}

	if len(params.Keys) > 0 {
		res, err := s.rollups.Compute(r.Context(), services.RollupRequest{Keys: params.Keys, SortOn: params.SortOn})
		if err != nil {
			s.logger.WarnContext(r.Context(), "Preloaded rollup failed", applog.FieldKeys, data.Combination, applog.FieldError, err)
		} else {
			view := newRollupView(res)
			data.Rollup = &view
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, "index.html", data); err != nil {
		s.logger.ErrorContext(r.Context(), "Index template execution failed", applog.FieldError, err, "template", "index.html")
	}
}
