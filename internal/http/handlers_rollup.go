package http

import (
	"bytes"
	"context"
	"net/http"
	"slices"
	"time"

	"admissions/internal/core"
	"admissions/internal/export"
	applog "admissions/internal/log"
	"admissions/internal/services"
)

// compute runs a rollup request and logs the outcome.
func (s *Server) compute(ctx context.Context, params RollupParams) (*services.RollupResult, error) {
	res, err := s.rollups.Compute(ctx, services.RollupRequest{Keys: params.Keys, SortOn: params.SortOn})
	if err != nil {
		s.appMetrics.rollupErrors.Add(1)
		status, _, errType := errorStatus(err)
		switch {
		case errType == applog.ErrorTypeValidation:
			s.events.LogRollupRejected(ctx, core.JoinKeyChain(params.Keys), params.SortOn, err)
		case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable:
			s.events.LogError(ctx, "Rollup failed", err, applog.ComponentRollup, applog.OpCompute,
				applog.NewFields().WithErrorType(errType))
		}
		return nil, err
	}
	s.appMetrics.rollupsServed.Add(1)
	s.events.LogRollupComputed(ctx, core.JoinKeyChain(res.Rollup.Keys), string(res.Rollup.SortOn),
		len(res.Rollup.Rows), res.DatasetVersion, res.CacheHit, res.Took.Milliseconds())
	return res, nil
}

// handleCombination edits the combination text box. action=add appends the
// selected split field; action=clear empties it.
func (s *Server) handleCombination(w http.ResponseWriter, r *http.Request) {
	if resp := RequirePOST(r); resp != nil {
		resp.Write(w)
		return
	}
	if resp := ParseFormOrFail(r); resp != nil {
		resp.Write(w)
		return
	}

	keys := core.ParseKeyChain(sanitizeInput(r.Form.Get("keys")))
	resp := NewHTMXResponse()

	switch action := sanitizeInput(r.Form.Get("action")); action {
	case "add":
		field := sanitizeInput(r.Form.Get("field"))
		switch {
		case field == "":
			resp.TriggerWarningNotification("Pick a field to split on first")
		case !slices.Contains(s.datasets.SplitFields(s.opts.DashboardFields), field):
			UnprocessableEntityError("Unknown split field: " + field).Write(w)
			return
		case slices.Contains(keys, field):
			resp.TriggerWarningNotification(field + " is already in the combination")
		default:
			keys = append(keys, field)
		}
	case "clear":
		keys = nil
	default:
		BadRequestError("Unknown action: " + action).Write(w)
		return
	}

	combination := core.JoinKeyChain(keys)
	var body bytes.Buffer
	if err := s.templates.ExecuteTemplate(&body, "combination.html", combination); err != nil {
		s.logger.ErrorContext(r.Context(), "Combination template execution failed", applog.FieldError, err)
		InternalServerError("Rendering failed").Write(w)
		return
	}
	resp.TriggerCombinationChanged(combination).BodyHTML(body.String()).Write(w)
}

// handleRollupPartial renders the stepped rollup table for HTMX.
func (s *Server) handleRollupPartial(w http.ResponseWriter, r *http.Request) {
	if resp := RequireGET(r); resp != nil {
		resp.Write(w)
		return
	}

	params := ParseRollupParams(r.URL.Query(), string(s.opts.DefaultSortOn))
	res, err := s.compute(r.Context(), params)
	if err != nil {
		status, msg, _ := errorStatus(err)
		if status == http.StatusServiceUnavailable {
			ServiceUnavailableError(msg).Write(w)
			return
		}
		ErrorResponse(status, msg).Write(w)
		return
	}

	var body bytes.Buffer
	if err := s.templates.ExecuteTemplate(&body, "rollup_table.html", newRollupView(res)); err != nil {
		s.logger.ErrorContext(r.Context(), "Rollup template execution failed", applog.FieldError, err)
		InternalServerError("Rendering failed").Write(w)
		return
	}
	NewHTMXResponse().
		TriggerRollupDrawn(len(res.Rollup.Rows), res.DatasetVersion).
		BodyHTML(body.String()).
		Write(w)
}

type apiRollupResponse struct {
	export.Document
	CacheHit bool  `json:"cache_hit"`
	TookMs   int64 `json:"took_ms"`
}

// handleAPIRollup returns the rollup as JSON.
func (s *Server) handleAPIRollup(w http.ResponseWriter, r *http.Request) {
	if resp := RequireGET(r); resp != nil {
		resp.Write(w)
		return
	}

	params := ParseRollupParams(r.URL.Query(), string(s.opts.DefaultSortOn))
	res, err := s.compute(r.Context(), params)
	if err != nil {
		status, msg, _ := errorStatus(err)
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "30")
		}
		writeJSONError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, apiRollupResponse{
		Document: export.NewDocument(res.Rollup, res.Table, res.DatasetVersion),
		CacheHit: res.CacheHit,
		TookMs:   res.Took.Milliseconds(),
	})
}

// handleAPIFields lists the split fields, every dimension, the measures and
// the truncation policy.
func (s *Server) handleAPIFields(w http.ResponseWriter, r *http.Request) {
	if resp := RequireGET(r); resp != nil {
		resp.Write(w)
		return
	}

	policy := s.rollups.Policy()
	measures := make([]string, len(core.AllMeasures))
	for i, m := range core.AllMeasures {
		measures[i] = string(m)
	}
	dimensions := s.datasets.SplitFields(nil)
	if dimensions == nil {
		dimensions = []string{}
	}
	split := s.datasets.SplitFields(s.opts.DashboardFields)
	if split == nil {
		split = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"split_fields":    split,
		"dimensions":      dimensions,
		"measures":        measures,
		"default_sort_on": string(s.opts.DefaultSortOn),
		"policy": map[string]interface{}{
			"max_top_categories":   policy.MaxTopCategories,
			"exempt_fields":        policy.ExemptFields,
			"chronological_fields": policy.ChronologicalFields,
		},
	})
}

// handleExportXLSX downloads the rollup as a workbook.
func (s *Server) handleExportXLSX(w http.ResponseWriter, r *http.Request) {
	if resp := RequireGET(r); resp != nil {
		resp.Write(w)
		return
	}

	params := ParseRollupParams(r.URL.Query(), string(s.opts.DefaultSortOn))
	res, err := s.compute(r.Context(), params)
	if err != nil {
		status, msg, _ := errorStatus(err)
		ErrorResponse(status, msg).Write(w)
		return
	}

	var buf bytes.Buffer
	if err := export.WriteXLSX(&buf, res.Rollup); err != nil {
		s.events.LogError(r.Context(), "XLSX export failed", err, applog.ComponentExport, applog.OpExport, nil)
		InternalServerError("Export failed").Write(w)
		return
	}
	s.appMetrics.exports.Add(1)

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+exportFilename(res.Rollup.Keys)+`"`)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// handleRefresh downloads the dataset again, bypassing the snapshot.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if resp := RequirePOST(r); resp != nil {
		resp.Write(w)
		return
	}

	parser := NewRequestBodyParser(r)
	if err := parser.Parse(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	reason := parser.Get("reason")

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RefreshTimeout)
	defer cancel()

	s.appMetrics.refreshes.Add(1)
	res, err := s.datasets.Refresh(ctx, services.TriggerManual)
	if err != nil {
		s.events.LogError(r.Context(), "Dataset refresh failed", err, applog.ComponentDataset, applog.OpRefresh,
			applog.NewFields().WithErrorType(applog.ErrorTypeNetwork))
		if isHTMX(r) {
			NewHTMXResponse().
				Status(http.StatusBadGateway).
				TriggerErrorNotification("Dataset refresh failed").
				Write(w)
			return
		}
		writeJSONError(w, http.StatusBadGateway, "dataset refresh failed: "+err.Error())
		return
	}

	s.events.LogDatasetRefreshed(r.Context(), s.datasets.Status().Source, services.TriggerManual,
		res.Rows, res.Warnings, res.Duration.Milliseconds())
	if reason != "" {
		format := "form"
		if parser.IsJSON() {
			format = "json"
		}
		s.logger.InfoContext(r.Context(), "Refresh reason", "reason", reason, "body_format", format, applog.FieldDatasetVersion, res.Version)
	}

	if isHTMX(r) {
		NewHTMXResponse().
			TriggerDatasetRefreshed(res.Version, res.Rows).
			TriggerSuccessNotification("Dataset refreshed").
			Write(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":     res.Version,
		"rows":        res.Rows,
		"warnings":    res.Warnings,
		"duration_ms": res.Duration.Milliseconds(),
		"refreshed":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleRateLimited answers requests rejected by the rate limiter.
func (s *Server) handleRateLimited(w http.ResponseWriter, r *http.Request) {
	s.logger.WarnContext(r.Context(), "Rate limit exceeded",
		applog.FieldClientIP, s.securityDetector.ExtractClientIP(r),
		applog.FieldPath, r.URL.Path)
	if isHTMX(r) {
		NewHTMXResponse().
			Status(http.StatusTooManyRequests).
			TriggerErrorNotification("Too many refreshes, try again later").
			Write(w)
		return
	}
	writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
}
