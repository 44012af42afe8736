package adapters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"admissions/internal/sources"
	"admissions/internal/storage"
)

// SnapshotStore is the part of the SQLite repository the fetcher needs.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s storage.Snapshot) error
	GetSnapshot(ctx context.Context, source string) (*storage.Snapshot, error)
}

// SnapshotFetcher keeps the last download of a dataset in SQLite so that a
// restart does not hit the remote source again.
type SnapshotFetcher struct {
	next  sources.DatasetFetcher
	store SnapshotStore
	now   func() time.Time

	lastFromSnapshot atomic.Bool
}

var (
	_ sources.DatasetFetcher = (*SnapshotFetcher)(nil)
	_ sources.Refresher      = (*SnapshotFetcher)(nil)
)

func NewSnapshotFetcher(next sources.DatasetFetcher, store SnapshotStore) *SnapshotFetcher {
	return &SnapshotFetcher{next: next, store: store, now: time.Now}
}

// Fetch returns the stored snapshot when there is one, downloading only on a
// miss or a corrupt snapshot.
func (f *SnapshotFetcher) Fetch(ctx context.Context) ([]byte, error) {
	snap, err := f.store.GetSnapshot(ctx, f.next.Source())
	switch {
	case err == nil:
		slog.InfoContext(ctx, "Using stored dataset snapshot",
			"source", f.next.Source(),
			"fetched_at", snap.FetchedAt,
			"bytes", len(snap.Data))
		f.lastFromSnapshot.Store(true)
		return snap.Data, nil
	case errors.Is(err, storage.ErrSnapshotCorrupt):
		slog.WarnContext(ctx, "Stored dataset snapshot is corrupt, downloading again",
			"source", f.next.Source(), "error", err)
	case !errors.Is(err, storage.ErrSnapshotNotFound):
		slog.WarnContext(ctx, "Failed to read dataset snapshot, downloading",
			"source", f.next.Source(), "error", err)
	}
	return f.Refresh(ctx)
}

// Refresh always downloads and replaces the stored snapshot. A failure to
// store is logged; the downloaded data is still returned.
func (f *SnapshotFetcher) Refresh(ctx context.Context) ([]byte, error) {
	f.lastFromSnapshot.Store(false)
	data, err := f.next.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", f.next.Source(), err)
	}
	if err := f.store.SaveSnapshot(ctx, storage.Snapshot{
		Source:    f.next.Source(),
		FetchedAt: f.now(),
		Data:      data,
	}); err != nil {
		slog.WarnContext(ctx, "Failed to store dataset snapshot", "source", f.next.Source(), "error", err)
	}
	return data, nil
}

func (f *SnapshotFetcher) Source() string {
	return f.next.Source()
}

// FromSnapshot reports whether the last Fetch was served from the store.
func (f *SnapshotFetcher) FromSnapshot() bool {
	return f.lastFromSnapshot.Load()
}
