package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"admissions/internal/core"
	"admissions/internal/export"
	applog "admissions/internal/log"
	"admissions/internal/rollup"
	"admissions/internal/services"
)

type fakeDatasets struct {
	mu         sync.Mutex
	ds         *core.Dataset
	version    uint64
	refreshErr error
	refreshes  int
}

func (f *fakeDatasets) Current() (*core.Dataset, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ds == nil {
		return nil, 0, core.ErrNoDataset
	}
	return f.ds, f.version, nil
}

func (f *fakeDatasets) Refresh(_ context.Context, trigger string) (services.LoadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return services.LoadResult{}, f.refreshErr
	}
	f.version++
	return services.LoadResult{Version: f.version, Rows: f.ds.Len(), Duration: time.Millisecond}, nil
}

func (f *fakeDatasets) Status() services.DatasetStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := services.DatasetStatus{Source: "memory://admissions", Loads: int64(f.version)}
	if f.ds != nil {
		st.Loaded = true
		st.Version = f.version
		st.Rows = f.ds.Len()
		st.LoadedAt = f.ds.LoadedAt
	}
	return st
}

func (f *fakeDatasets) SplitFields(preferred []string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ds == nil {
		return nil
	}
	if len(preferred) == 0 {
		return append([]string(nil), f.ds.Dimensions...)
	}
	var out []string
	for _, p := range preferred {
		if f.ds.HasDimension(p) {
			out = append(out, p)
		}
	}
	return out
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func admissionsDataset() *core.Dataset {
	rec := func(sex, year string, admission float64) core.Record {
		return core.Record{
			Dims: map[string]string{"sex": sex, "year": year},
			Measures: core.Measures{
				Admission:          admission,
				StayDurationTotal:  admission * 2,
				StayDurationAvg:    2,
				InterTripDaysTotal: math.NaN(),
				InterTripDaysAvg:   math.NaN(),
			},
		}
	}
	return &core.Dataset{
		Source:     "memory://admissions",
		Dimensions: []string{"sex", "year"},
		LoadedAt:   time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
		Records: []core.Record{
			rec("M", "2020", 10),
			rec("F", "2021", 5),
			rec("M", "2021", 3),
		},
	}
}

func newTestServer(t *testing.T, loaded bool, mutate func(*Options)) (*Server, *fakeDatasets) {
	t.Helper()
	datasets := &fakeDatasets{}
	if loaded {
		datasets.ds = admissionsDataset()
		datasets.version = 1
	}
	rollups := services.NewRollupService(datasets, rollup.New(rollup.DefaultPolicy()), services.NewRollupCache(16, time.Minute), nil)

	opts := Options{
		DashboardFields: []string{"sex", "year", "postcode"},
		Logger:          applog.New(applog.Config{Level: slog.LevelError, Output: io.Discard}),
	}
	if mutate != nil {
		mutate(&opts)
	}
	s := NewServer(opts, datasets, rollups)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, datasets
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler.ServeHTTP(rec, req)
	return rec
}

func TestIndex(t *testing.T) {
	s, _ := newTestServer(t, true, nil)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`<option value="sex">`, `<option value="year">`, "3 records", `value="Admission" selected`} {
		if !strings.Contains(body, want) {
			t.Errorf("index missing %q", want)
		}
	}
	if strings.Contains(body, `value="postcode"`) {
		t.Error("fields missing from the dataset should not be offered")
	}

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/?keys=sex", nil))
	if !strings.Contains(rec.Body.String(), "M | 72.22%") {
		t.Error("preloaded rollup should be rendered")
	}

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", rec.Code)
	}
}

func TestRollupPartial(t *testing.T) {
	tests := []struct {
		name     string
		loaded   bool
		query    string
		status   int
		contains string
	}{
		{"stepped table", true, "keys=sex+%7C+year&sort=Admission", http.StatusOK, "M | 72.22%"},
		{"repeated key params", true, "key=year", http.StatusOK, "2020 | 55.56%"},
		{"unknown key", true, "keys=postcode", http.StatusUnprocessableEntity, "postcode"},
		{"unknown sort", true, "keys=sex&sort=sex", http.StatusUnprocessableEntity, "sex"},
		{"empty chain", true, "keys=+%7C+", http.StatusUnprocessableEntity, `class="error"`},
		{"dataset not loaded", false, "keys=sex", http.StatusServiceUnavailable, "not loaded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, tt.loaded, nil)
			rec := serve(s, httptest.NewRequest(http.MethodGet, "/ui/rollup?"+tt.query, nil))

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("body missing %q: %s", tt.contains, rec.Body.String())
			}
			if tt.status == http.StatusOK && !strings.Contains(rec.Header().Get("HX-Trigger"), "rollup:drawn") {
				t.Errorf("missing rollup:drawn trigger, got %q", rec.Header().Get("HX-Trigger"))
			}
			if tt.status == http.StatusServiceUnavailable && rec.Header().Get("Retry-After") == "" {
				t.Error("503 should carry Retry-After")
			}
		})
	}
}

func TestRollupPartial_StepsRepeatedPrefixes(t *testing.T) {
	s, _ := newTestServer(t, true, nil)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/ui/rollup?keys=sex+%7C+year", nil))

	// M leads with two years, so its label appears once.
	if n := strings.Count(rec.Body.String(), "M | 72.22%"); n != 1 {
		t.Errorf("M label rendered %d times, want 1", n)
	}
	if !strings.Contains(rec.Body.String(), "/export/rollup.xlsx?") {
		t.Error("table should link its export")
	}
}

func TestAPIRollup(t *testing.T) {
	s, _ := newTestServer(t, true, nil)

	get := func() (map[string]interface{}, int) {
		rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/rollup?keys=sex&sort=Admission", nil))
		var body map[string]interface{}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return body, rec.Code
	}

	body, status := get()
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body["sort_on"] != "Admission" || body["cache_hit"] != false {
		t.Errorf("unexpected document: %v", body)
	}
	rows, _ := body["rows"].([]interface{})
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	display, _ := body["display"].([]interface{})
	if first, _ := display[0].([]interface{}); len(first) == 0 || first[1] != "M | 72.22%" {
		t.Errorf("unexpected first display row: %v", display[0])
	}

	body, _ = get()
	if body["cache_hit"] != true {
		t.Error("second request should be served from cache")
	}

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/rollup?keys=sex&keys=ignored&key=sex", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("duplicate key status = %d, want 422", rec.Code)
	}
	var errBody map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&errBody); err != nil || errBody["error"] == "" {
		t.Errorf("expected JSON error body, got %v (%v)", errBody, err)
	}
}

func TestAPIRollup_NotLoaded(t *testing.T) {
	s, _ := newTestServer(t, false, nil)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/rollup?keys=sex", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "30" {
		t.Errorf("Retry-After = %q, want 30", rec.Header().Get("Retry-After"))
	}
}

func TestAPIFields(t *testing.T) {
	s, _ := newTestServer(t, true, nil)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/fields", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		SplitFields []string `json:"split_fields"`
		Dimensions  []string `json:"dimensions"`
		Measures    []string `json:"measures"`
		Policy      struct {
			MaxTop int      `json:"max_top_categories"`
			Exempt []string `json:"exempt_fields"`
		} `json:"policy"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if strings.Join(body.SplitFields, ",") != "sex,year" {
		t.Errorf("split_fields = %v", body.SplitFields)
	}
	if len(body.Measures) != len(core.AllMeasures) {
		t.Errorf("measures = %v", body.Measures)
	}
	if body.Policy.MaxTop != rollup.DefaultPolicy().MaxTopCategories || len(body.Policy.Exempt) == 0 {
		t.Errorf("unexpected policy: %+v", body.Policy)
	}
}

func TestExportXLSX(t *testing.T) {
	s, _ := newTestServer(t, true, nil)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/export/rollup.xlsx?keys=sex+%7C+year", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, "rollup-sex-year.xlsx") {
		t.Errorf("Content-Disposition = %q", got)
	}

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(export.SheetName)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 || rows[0][0] != rollup.IndexColumn || rows[0][1] != "sex" || rows[0][2] != "year" {
		t.Errorf("unexpected sheet: %v", rows)
	}

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/export/rollup.xlsx", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("export without keys status = %d, want 422", rec.Code)
	}
}

func TestRefresh(t *testing.T) {
	s, datasets := newTestServer(t, true, func(o *Options) { o.RateLimitRPM = 2 })

	post := func(htmx bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/dataset/refresh", strings.NewReader(`{"reason":"new export"}`))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "203.0.113.7:5000"
		if htmx {
			req.Header.Set("HX-Request", "true")
		}
		return serve(s, req)
	}

	rec := post(false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["version"] != float64(2) || body["rows"] != float64(3) {
		t.Errorf("unexpected refresh body: %v", body)
	}

	rec = post(true)
	if !strings.Contains(rec.Header().Get("HX-Trigger"), "dataset:refreshed") {
		t.Errorf("HTMX refresh should trigger dataset:refreshed, got %q", rec.Header().Get("HX-Trigger"))
	}

	rec = post(false)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third refresh status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 should carry Retry-After")
	}
	if datasets.refreshes != 2 {
		t.Errorf("refreshes = %d, want 2", datasets.refreshes)
	}
}

func TestRefresh_Errors(t *testing.T) {
	s, datasets := newTestServer(t, true, nil)
	datasets.refreshErr = errors.New("bucket unreachable")

	rec := serve(s, httptest.NewRequest(http.MethodPost, "/api/dataset/refresh", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/dataset/refresh", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
}

func TestCombination(t *testing.T) {
	tests := []struct {
		name    string
		form    url.Values
		status  int
		value   string
		trigger string
	}{
		{"add", url.Values{"action": {"add"}, "field": {"sex"}, "keys": {"year"}}, http.StatusOK, `value="year | sex"`, "combination:changed"},
		{"add to empty", url.Values{"action": {"add"}, "field": {"year"}}, http.StatusOK, `value="year"`, "combination:changed"},
		{"duplicate warns", url.Values{"action": {"add"}, "field": {"sex"}, "keys": {"sex"}}, http.StatusOK, `value="sex"`, "warning"},
		{"clear", url.Values{"action": {"clear"}, "keys": {"sex | year"}}, http.StatusOK, `value=""`, "combination:changed"},
		{"unknown field", url.Values{"action": {"add"}, "field": {"postcode"}}, http.StatusUnprocessableEntity, "Unknown split field", ""},
		{"unknown action", url.Values{"action": {"sort"}}, http.StatusBadRequest, "Unknown action", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, true, nil)
			req := httptest.NewRequest(http.MethodPost, "/ui/combination", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := serve(s, req)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.value) {
				t.Errorf("body missing %q: %s", tt.value, rec.Body.String())
			}
			if tt.trigger != "" && !strings.Contains(rec.Header().Get("HX-Trigger"), tt.trigger) {
				t.Errorf("HX-Trigger = %q, want it to mention %q", rec.Header().Get("HX-Trigger"), tt.trigger)
			}
		})
	}
}

func TestHealthAndReadiness(t *testing.T) {
	t.Run("liveness", func(t *testing.T) {
		s, _ := newTestServer(t, false, nil)
		if rec := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
			t.Errorf("healthz = %d", rec.Code)
		}
	})

	t.Run("not ready before load", func(t *testing.T) {
		s, _ := newTestServer(t, false, nil)
		if rec := serve(s, httptest.NewRequest(http.MethodGet, "/readyz", nil)); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("readyz = %d, want 503", rec.Code)
		}
	})

	t.Run("degraded snapshot store stays ready", func(t *testing.T) {
		s, _ := newTestServer(t, true, func(o *Options) { o.SnapshotStore = fakePinger{err: errors.New("locked")} })
		rec := serve(s, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("readyz = %d, want 200", rec.Code)
		}
		var body struct {
			Checks map[string]interface{} `json:"checks"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if got, _ := body.Checks["snapshot_store"].(string); !strings.HasPrefix(got, "degraded") {
			t.Errorf("snapshot_store = %v", body.Checks["snapshot_store"])
		}
	})
}

func TestMetrics(t *testing.T) {
	s, _ := newTestServer(t, true, nil)
	serve(s, httptest.NewRequest(http.MethodGet, "/ui/rollup?keys=sex", nil))
	serve(s, httptest.NewRequest(http.MethodGet, "/ui/rollup?keys=postcode", nil))

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"rollups_served_total 1", "rollup_errors_total 1", "rollups_rejected_total 1", "dataset_loaded 1"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestMiddlewareChain(t *testing.T) {
	s, _ := newTestServer(t, true, func(o *Options) { o.FrameAncestors = "'none'" })
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing X-Content-Type-Options")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", rec.Header().Get("X-Frame-Options"))
	}
	if !strings.HasPrefix(rec.Header().Get("X-Request-ID"), "req_") {
		t.Errorf("X-Request-ID = %q", rec.Header().Get("X-Request-ID"))
	}

	rec = serve(s, httptest.NewRequest(http.MethodTrace, "/", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("TRACE status = %d, want 405", rec.Code)
	}
}
