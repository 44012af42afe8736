package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"admissions/internal/amqp"
	"admissions/internal/cache"
	"admissions/internal/core"
	"admissions/internal/rollup"
)

// DatasetProvider hands out the current dataset. DatasetService implements it.
type DatasetProvider interface {
	Current() (*core.Dataset, uint64, error)
}

// EventPublisher announces computed rollups. amqp.Client implements it.
type EventPublisher interface {
	PublishRollupComputed(ctx context.Context, msg *amqp.RollupComputed) error
}

// RollupRequest is a key chain and the measure that orders it.
type RollupRequest struct {
	Keys   []string
	SortOn string
}

// RollupResult is a computed rollup together with its display table.
type RollupResult struct {
	Rollup         *core.Rollup
	Table          rollup.Table
	DatasetVersion uint64
	CacheHit       bool
	Took           time.Duration
}

// CachedRollup is what the rollup cache stores per request.
type CachedRollup struct {
	Rollup *core.Rollup
	Table  rollup.Table
}

// RollupStats counts computations for the metrics endpoint.
type RollupStats struct {
	Computed  int64
	CacheHits int64
	Rejected  int64
	Cache     cache.Stats
}

// RollupService answers rollup requests against the current dataset. Results
// are cached per dataset version in memory only.
type RollupService struct {
	datasets   DatasetProvider
	aggregator *rollup.Aggregator
	cache      cache.Cache[CachedRollup]
	publisher  EventPublisher
	source     string

	cachedVersion atomic.Uint64
	computed      atomic.Int64
	cacheHits     atomic.Int64
	rejected      atomic.Int64
}

// NewRollupService wires the aggregator to a dataset provider. A nil
// publisher disables rollup events.
func NewRollupService(datasets DatasetProvider, aggregator *rollup.Aggregator, c cache.Cache[CachedRollup], publisher EventPublisher) *RollupService {
	return &RollupService{
		datasets:   datasets,
		aggregator: aggregator,
		cache:      c,
		publisher:  publisher,
	}
}

// NewRollupCache returns the LRU used by RollupService.
func NewRollupCache(size int, ttl time.Duration) *cache.LRUCache[CachedRollup] {
	return cache.NewLRUCache[CachedRollup](size, ttl)
}

// WithSource sets the dataset source reported in rollup events.
func (s *RollupService) WithSource(source string) *RollupService {
	s.source = source
	return s
}

// Compute validates req and returns the rollup of the current dataset.
// Validation failures wrap the core sentinel errors; before the first load
// it fails with core.ErrNoDataset.
func (s *RollupService) Compute(ctx context.Context, req RollupRequest) (*RollupResult, error) {
	start := time.Now()
	req = normalize(req)

	if len(req.Keys) == 0 {
		s.rejected.Add(1)
		return nil, core.ErrEmptyKeyChain
	}
	ds, version, err := s.datasets.Current()
	if err != nil {
		return nil, err
	}
	s.dropStale(ctx, version)

	key := cacheKey(version, req)
	if hit, ok := s.cache.Get(key); ok {
		s.cacheHits.Add(1)
		res := &RollupResult{Rollup: hit.Rollup, Table: hit.Table, DatasetVersion: version, CacheHit: true, Took: time.Since(start)}
		s.publish(ctx, res)
		return res, nil
	}

	r, err := s.aggregator.Aggregate(ds, req.Keys, core.Measure(req.SortOn))
	if err != nil {
		if core.IsValidationError(err) {
			s.rejected.Add(1)
		}
		return nil, fmt.Errorf("aggregate %s by %s: %w", core.JoinKeyChain(req.Keys), req.SortOn, err)
	}
	table := rollup.Stepped(r)
	s.cache.Set(key, CachedRollup{Rollup: r, Table: table})
	s.computed.Add(1)

	res := &RollupResult{Rollup: r, Table: table, DatasetVersion: version, Took: time.Since(start)}
	slog.DebugContext(ctx, "Rollup computed",
		"keys", core.JoinKeyChain(req.Keys),
		"sort_on", req.SortOn,
		"rows", len(r.Rows),
		"dataset_version", version,
		"duration_ms", res.Took.Milliseconds())
	s.publish(ctx, res)
	return res, nil
}

// dropStale empties the cache the first time a new dataset version is seen.
func (s *RollupService) dropStale(ctx context.Context, version uint64) {
	prev := s.cachedVersion.Load()
	if prev == version || !s.cachedVersion.CompareAndSwap(prev, version) {
		return
	}
	if prev != 0 {
		s.cache.Purge()
		slog.DebugContext(ctx, "Rollup cache purged", "old_version", prev, "new_version", version)
	}
}

func (s *RollupService) publish(ctx context.Context, res *RollupResult) {
	if s.publisher == nil {
		return
	}
	msg := amqp.NewRollupComputed(res.Rollup.Keys, string(res.Rollup.SortOn), len(res.Rollup.Rows),
		res.DatasetVersion, s.source, res.CacheHit, res.Took)
	if err := s.publisher.PublishRollupComputed(ctx, msg); err != nil {
		slog.WarnContext(ctx, "Failed to publish rollup event", "error", err, "keys", msg.Keys)
	}
}

// Stats returns computation counters and cache statistics.
func (s *RollupService) Stats() RollupStats {
	return RollupStats{
		Computed:  s.computed.Load(),
		CacheHits: s.cacheHits.Load(),
		Rejected:  s.rejected.Load(),
		Cache:     s.cache.Stats(),
	}
}

// Policy returns the aggregation policy in effect.
func (s *RollupService) Policy() rollup.Policy {
	return s.aggregator.Policy()
}

// normalize trims keys and the sort column and drops blank keys.
func normalize(req RollupRequest) RollupRequest {
	keys := make([]string, 0, len(req.Keys))
	for _, k := range req.Keys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return RollupRequest{Keys: keys, SortOn: strings.TrimSpace(req.SortOn)}
}

func cacheKey(version uint64, req RollupRequest) string {
	return strconv.FormatUint(version, 10) + "|" + strings.Join(req.Keys, "\x1f") + "|" + req.SortOn
}
