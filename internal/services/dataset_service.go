package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"admissions/internal/core"
	"admissions/internal/dataset"
	"admissions/internal/sources"
	"admissions/internal/storage"
)

// Load triggers recorded in the journal.
const (
	TriggerStartup  = "startup"
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerMessage  = "message"
)

// maxLoggedWarnings caps the per-cell warnings written to the log per load.
const maxLoggedWarnings = 10

// LoadJournal records dataset loads. storage.SQLiteRepository implements it.
type LoadJournal interface {
	RecordLoad(ctx context.Context, l storage.LoadRecord) (int64, error)
}

// LoadResult describes a completed load.
type LoadResult struct {
	Version      uint64
	Rows         int
	Warnings     int
	FromSnapshot bool
	Duration     time.Duration
}

// DatasetStatus is a point-in-time view of the service for health checks.
type DatasetStatus struct {
	Loaded    bool      `json:"loaded"`
	Source    string    `json:"source"`
	Version   uint64    `json:"version"`
	Rows      int       `json:"rows"`
	Warnings  int       `json:"warnings"`
	LoadedAt  time.Time `json:"loaded_at"`
	LastError string    `json:"last_error,omitempty"`
	Loads     int64     `json:"loads"`
	Failures  int64     `json:"failures"`
}

type snapshot struct {
	ds       *core.Dataset
	version  uint64
	warnings int
}

// snapshotReporter is implemented by fetchers that can serve a stored copy.
type snapshotReporter interface {
	FromSnapshot() bool
}

// DatasetService owns the dataset the dashboard aggregates over. Loads
// replace it atomically; readers always see a complete dataset.
type DatasetService struct {
	fetcher sources.DatasetFetcher
	journal LoadJournal

	group   singleflight.Group
	current atomic.Pointer[snapshot]
	version atomic.Uint64

	loads    atomic.Int64
	failures atomic.Int64

	mu        sync.Mutex
	lastError string
}

// NewDatasetService returns a service that loads from fetcher. journal may
// be nil.
func NewDatasetService(fetcher sources.DatasetFetcher, journal LoadJournal) *DatasetService {
	return &DatasetService{fetcher: fetcher, journal: journal}
}

// Load fetches the dataset, using a stored snapshot when the fetcher keeps
// one, and makes it current. Concurrent calls share one load.
func (s *DatasetService) Load(ctx context.Context, trigger string) (LoadResult, error) {
	return s.run(ctx, "load", trigger, false)
}

// Refresh is Load that bypasses any stored snapshot.
func (s *DatasetService) Refresh(ctx context.Context, trigger string) (LoadResult, error) {
	return s.run(ctx, "refresh", trigger, true)
}

func (s *DatasetService) run(ctx context.Context, key, trigger string, force bool) (LoadResult, error) {
	v, err, shared := s.group.Do(key, func() (interface{}, error) {
		return s.load(ctx, trigger, force)
	})
	if shared {
		slog.DebugContext(ctx, "Joined in-flight dataset load", "trigger", trigger, "kind", key)
	}
	if err != nil {
		return LoadResult{}, err
	}
	return v.(LoadResult), nil
}

func (s *DatasetService) load(ctx context.Context, trigger string, force bool) (LoadResult, error) {
	start := time.Now()
	source := s.fetcher.Source()

	data, fromSnapshot, err := s.fetch(ctx, force)
	if err != nil {
		return LoadResult{}, s.fail(ctx, source, trigger, start, fmt.Errorf("fetch dataset: %w", err))
	}

	ds, warnings, err := dataset.Parse(source, data)
	if err != nil {
		return LoadResult{}, s.fail(ctx, source, trigger, start, fmt.Errorf("parse dataset: %w", err))
	}
	for i, w := range warnings {
		if i == maxLoggedWarnings {
			slog.WarnContext(ctx, "More dataset warnings suppressed", "source", source, "remaining", len(warnings)-i)
			break
		}
		slog.WarnContext(ctx, "Dataset cell ignored", "source", source, "warning", w.String())
	}

	version := s.version.Add(1)
	if !s.install(&snapshot{ds: ds, version: version, warnings: len(warnings)}) {
		slog.InfoContext(ctx, "Dataset load superseded by a newer load",
			"source", source, "trigger", trigger, "version", version, "current_version", s.currentVersion())
	}
	s.loads.Add(1)
	s.setLastError("")

	res := LoadResult{
		Version:      version,
		Rows:         ds.Len(),
		Warnings:     len(warnings),
		FromSnapshot: fromSnapshot,
		Duration:     time.Since(start),
	}
	s.record(ctx, storage.LoadRecord{
		Source:       source,
		Trigger:      trigger,
		Rows:         res.Rows,
		Warnings:     res.Warnings,
		FromSnapshot: fromSnapshot,
		Duration:     res.Duration,
		Status:       storage.LoadOK,
	})

	slog.InfoContext(ctx, "Dataset loaded",
		"source", source,
		"trigger", trigger,
		"version", version,
		"rows", res.Rows,
		"dimensions", len(ds.Dimensions),
		"warnings", res.Warnings,
		"from_snapshot", fromSnapshot,
		"duration_ms", res.Duration.Milliseconds())
	return res, nil
}

// install makes next current unless a newer version is already installed.
// Load and Refresh may overlap, so the version must never step backwards.
func (s *DatasetService) install(next *snapshot) bool {
	for {
		cur := s.current.Load()
		if cur != nil && cur.version >= next.version {
			return false
		}
		if s.current.CompareAndSwap(cur, next) {
			return true
		}
	}
}

func (s *DatasetService) currentVersion() uint64 {
	if snap := s.current.Load(); snap != nil {
		return snap.version
	}
	return 0
}

func (s *DatasetService) fetch(ctx context.Context, force bool) ([]byte, bool, error) {
	if r, ok := s.fetcher.(sources.Refresher); ok && force {
		data, err := r.Refresh(ctx)
		return data, false, err
	}
	data, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return nil, false, err
	}
	fromSnapshot := false
	if sr, ok := s.fetcher.(snapshotReporter); ok {
		fromSnapshot = sr.FromSnapshot()
	}
	return data, fromSnapshot, nil
}

func (s *DatasetService) fail(ctx context.Context, source, trigger string, start time.Time, err error) error {
	s.failures.Add(1)
	s.setLastError(err.Error())
	s.record(ctx, storage.LoadRecord{
		Source:   source,
		Trigger:  trigger,
		Duration: time.Since(start),
		Status:   storage.LoadFailed,
		Error:    err.Error(),
	})
	slog.ErrorContext(ctx, "Dataset load failed",
		"source", source,
		"trigger", trigger,
		"error", err,
		"keeping_version", s.version.Load())
	return err
}

func (s *DatasetService) record(ctx context.Context, l storage.LoadRecord) {
	if s.journal == nil {
		return
	}
	if _, err := s.journal.RecordLoad(ctx, l); err != nil {
		slog.WarnContext(ctx, "Failed to journal dataset load", "source", l.Source, "error", err)
	}
}

func (s *DatasetService) setLastError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

// Current returns the loaded dataset and its version, or core.ErrNoDataset
// before the first successful load. The dataset must not be modified.
func (s *DatasetService) Current() (*core.Dataset, uint64, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, 0, core.ErrNoDataset
	}
	return snap.ds, snap.version, nil
}

// Source identifies where the dataset is loaded from.
func (s *DatasetService) Source() string {
	return s.fetcher.Source()
}

// Status reports the current dataset and load counters.
func (s *DatasetService) Status() DatasetStatus {
	st := DatasetStatus{
		Source:   s.fetcher.Source(),
		Loads:    s.loads.Load(),
		Failures: s.failures.Load(),
	}
	s.mu.Lock()
	st.LastError = s.lastError
	s.mu.Unlock()
	if snap := s.current.Load(); snap != nil {
		st.Loaded = true
		st.Version = snap.version
		st.Rows = snap.ds.Len()
		st.Warnings = snap.warnings
		st.LoadedAt = snap.ds.LoadedAt
	}
	return st
}

// SplitFields returns the fields offered for grouping: the preferred list
// restricted to dimensions of the current dataset, in preferred order. With
// no preferred list every dimension is offered.
func (s *DatasetService) SplitFields(preferred []string) []string {
	ds, _, err := s.Current()
	if err != nil {
		return nil
	}
	if len(preferred) == 0 {
		return append([]string(nil), ds.Dimensions...)
	}
	out := make([]string, 0, len(preferred))
	for _, f := range preferred {
		if ds.HasDimension(f) {
			out = append(out, f)
		}
	}
	return out
}
