package storage

import (
	"context"
	"database/sql"
	"time"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type DatasetSnapshot struct {
	Source    string
	FetchedAt time.Time
	RawSize   int64
	Checksum  string
	Payload   []byte
}

type DatasetLoad struct {
	ID           int64
	Source       string
	Trigger      string
	Rows         int64
	Warnings     int64
	FromSnapshot bool
	DurationMs   int64
	Status       string
	Error        sql.NullString
	LoadedAt     time.Time
}

const upsertSnapshot = `
INSERT INTO dataset_snapshots (source, fetched_at, raw_size, checksum, payload)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(source) DO UPDATE SET
    fetched_at = excluded.fetched_at,
    raw_size = excluded.raw_size,
    checksum = excluded.checksum,
    payload = excluded.payload
`

func (q *Queries) UpsertSnapshot(ctx context.Context, arg DatasetSnapshot) error {
	_, err := q.db.ExecContext(ctx, upsertSnapshot,
		arg.Source, arg.FetchedAt, arg.RawSize, arg.Checksum, arg.Payload)
	return err
}

const getSnapshot = `
SELECT source, fetched_at, raw_size, checksum, payload
FROM dataset_snapshots
WHERE source = ?
`

func (q *Queries) GetSnapshot(ctx context.Context, source string) (DatasetSnapshot, error) {
	row := q.db.QueryRowContext(ctx, getSnapshot, source)
	var s DatasetSnapshot
	err := row.Scan(&s.Source, &s.FetchedAt, &s.RawSize, &s.Checksum, &s.Payload)
	return s, err
}

const deleteSnapshot = `DELETE FROM dataset_snapshots WHERE source = ?`

func (q *Queries) DeleteSnapshot(ctx context.Context, source string) error {
	_, err := q.db.ExecContext(ctx, deleteSnapshot, source)
	return err
}

const countSnapshots = `SELECT COUNT(*) FROM dataset_snapshots`

func (q *Queries) CountSnapshots(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, countSnapshots).Scan(&n)
	return n, err
}

const insertLoad = `
INSERT INTO dataset_loads (source, load_trigger, row_count, warnings, from_snapshot, duration_ms, status, error, loaded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id
`

func (q *Queries) InsertLoad(ctx context.Context, arg DatasetLoad) (int64, error) {
	var id int64
	err := q.db.QueryRowContext(ctx, insertLoad,
		arg.Source, arg.Trigger, arg.Rows, arg.Warnings, arg.FromSnapshot,
		arg.DurationMs, arg.Status, arg.Error, arg.LoadedAt,
	).Scan(&id)
	return id, err
}

const loadColumns = `id, source, load_trigger, row_count, warnings, from_snapshot, duration_ms, status, error, loaded_at`

const latestLoad = `
SELECT ` + loadColumns + `
FROM dataset_loads
WHERE source = ?
ORDER BY loaded_at DESC, id DESC
LIMIT 1
`

func (q *Queries) LatestLoad(ctx context.Context, source string) (DatasetLoad, error) {
	return scanLoad(q.db.QueryRowContext(ctx, latestLoad, source))
}

const listLoads = `
SELECT ` + loadColumns + `
FROM dataset_loads
ORDER BY loaded_at DESC, id DESC
LIMIT ?
`

func (q *Queries) ListLoads(ctx context.Context, limit int64) ([]DatasetLoad, error) {
	rows, err := q.db.QueryContext(ctx, listLoads, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []DatasetLoad
	for rows.Next() {
		l, err := scanLoad(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const pruneLoads = `
DELETE FROM dataset_loads
WHERE id NOT IN (SELECT id FROM dataset_loads ORDER BY loaded_at DESC, id DESC LIMIT ?)
`

func (q *Queries) PruneLoads(ctx context.Context, keep int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, pruneLoads, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanLoad(s scanner) (DatasetLoad, error) {
	var l DatasetLoad
	err := s.Scan(&l.ID, &l.Source, &l.Trigger, &l.Rows, &l.Warnings, &l.FromSnapshot,
		&l.DurationMs, &l.Status, &l.Error, &l.LoadedAt)
	return l, err
}
