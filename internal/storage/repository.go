package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"

	_ "modernc.org/sqlite"
)

var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrSnapshotCorrupt  = errors.New("snapshot corrupt")
	ErrLoadNotFound     = errors.New("no dataset load recorded")
)

// Load statuses.
const (
	LoadOK     = "ok"
	LoadFailed = "failed"
)

// Snapshot is the last downloaded export of a dataset source.
type Snapshot struct {
	Source    string
	FetchedAt time.Time
	Data      []byte
}

// LoadRecord is one entry of the dataset load journal.
type LoadRecord struct {
	ID           int64
	Source       string
	Trigger      string
	Rows         int
	Warnings     int
	FromSnapshot bool
	Duration     time.Duration
	Status       string
	Error        string
	LoadedAt     time.Time
}

// SQLiteRepository persists dataset snapshots and the load journal.
type SQLiteRepository struct {
	db            *sql.DB
	queries       *Queries
	schemaVersion uint
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	version, err := RunMigrations(dbPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{
		db:            db,
		queries:       New(db),
		schemaVersion: version,
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// SchemaVersion is the migration version applied at open.
func (r *SQLiteRepository) SchemaVersion() uint {
	return r.schemaVersion
}

// SaveSnapshot stores data as the current snapshot of source, replacing any
// previous one. The payload is snappy-compressed.
func (r *SQLiteRepository) SaveSnapshot(ctx context.Context, s Snapshot) error {
	if s.FetchedAt.IsZero() {
		s.FetchedAt = time.Now()
	}
	payload := snappy.Encode(nil, s.Data)
	err := r.queries.UpsertSnapshot(ctx, DatasetSnapshot{
		Source:    s.Source,
		FetchedAt: s.FetchedAt.UTC(),
		RawSize:   int64(len(s.Data)),
		Checksum:  checksum(s.Data),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", s.Source, err)
	}

	slog.DebugContext(ctx, "Dataset snapshot saved",
		"source", s.Source,
		"raw_bytes", len(s.Data),
		"stored_bytes", len(payload))
	return nil
}

// GetSnapshot returns the stored snapshot of source. A payload that does not
// decode or match its checksum yields ErrSnapshotCorrupt.
func (r *SQLiteRepository) GetSnapshot(ctx context.Context, source string) (*Snapshot, error) {
	row, err := r.queries.GetSnapshot(ctx, source)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("get snapshot %s: %w", source, err)
	}

	data, err := snappy.Decode(nil, row.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSnapshotCorrupt, source, err)
	}
	if int64(len(data)) != row.RawSize || checksum(data) != row.Checksum {
		return nil, fmt.Errorf("%w: %s: checksum mismatch", ErrSnapshotCorrupt, source)
	}

	return &Snapshot{Source: row.Source, FetchedAt: row.FetchedAt, Data: data}, nil
}

// DeleteSnapshot removes the snapshot of source, if any.
func (r *SQLiteRepository) DeleteSnapshot(ctx context.Context, source string) error {
	if err := r.queries.DeleteSnapshot(ctx, source); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", source, err)
	}
	return nil
}

// CountSnapshots returns the number of stored snapshots.
func (r *SQLiteRepository) CountSnapshots(ctx context.Context) (int64, error) {
	n, err := r.queries.CountSnapshots(ctx)
	if err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

// RecordLoad appends l to the load journal and returns its ID.
func (r *SQLiteRepository) RecordLoad(ctx context.Context, l LoadRecord) (int64, error) {
	if l.LoadedAt.IsZero() {
		l.LoadedAt = time.Now()
	}
	if l.Status == "" {
		l.Status = LoadOK
	}
	row := DatasetLoad{
		Source:       l.Source,
		Trigger:      l.Trigger,
		Rows:         int64(l.Rows),
		Warnings:     int64(l.Warnings),
		FromSnapshot: l.FromSnapshot,
		DurationMs:   l.Duration.Milliseconds(),
		Status:       l.Status,
		LoadedAt:     l.LoadedAt.UTC(),
	}
	if l.Error != "" {
		row.Error = sql.NullString{String: l.Error, Valid: true}
	}
	id, err := r.queries.InsertLoad(ctx, row)
	if err != nil {
		return 0, fmt.Errorf("record load: %w", err)
	}
	return id, nil
}

// LatestLoad returns the most recent journal entry for source.
func (r *SQLiteRepository) LatestLoad(ctx context.Context, source string) (*LoadRecord, error) {
	row, err := r.queries.LatestLoad(ctx, source)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLoadNotFound
		}
		return nil, fmt.Errorf("latest load %s: %w", source, err)
	}
	l := toLoadRecord(row)
	return &l, nil
}

// ListLoads returns up to limit journal entries, newest first.
func (r *SQLiteRepository) ListLoads(ctx context.Context, limit int) ([]LoadRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.queries.ListLoads(ctx, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("list loads: %w", err)
	}
	out := make([]LoadRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, toLoadRecord(row))
	}
	return out, nil
}

// PruneLoads keeps only the newest keep journal entries.
func (r *SQLiteRepository) PruneLoads(ctx context.Context, keep int) (int64, error) {
	n, err := r.queries.PruneLoads(ctx, int64(keep))
	if err != nil {
		return 0, fmt.Errorf("prune loads: %w", err)
	}
	return n, nil
}

func toLoadRecord(row DatasetLoad) LoadRecord {
	return LoadRecord{
		ID:           row.ID,
		Source:       row.Source,
		Trigger:      row.Trigger,
		Rows:         int(row.Rows),
		Warnings:     int(row.Warnings),
		FromSnapshot: row.FromSnapshot,
		Duration:     time.Duration(row.DurationMs) * time.Millisecond,
		Status:       row.Status,
		Error:        row.Error.String,
		LoadedAt:     row.LoadedAt,
	}
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
