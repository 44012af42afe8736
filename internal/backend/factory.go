package backend

import (
	"context"
	"fmt"
	"log/slog"

	"admissions/internal/adapters"
	"admissions/internal/sources"
	gsheet "admissions/internal/sources/google"
	"admissions/internal/sources/local"
	s3source "admissions/internal/sources/s3"
	"admissions/internal/storage"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{
		logger: logger,
	}
}

// CreateBackend implements Factory.CreateBackend. With snapshots enabled
// the fetcher is wrapped so that downloads are kept in SQLite.
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var fetcher sources.DatasetFetcher
	var err error
	switch config.Type {
	case LocalBackend:
		fetcher = f.createLocalFetcher(config)
	case S3Backend:
		fetcher, err = f.createS3Fetcher(ctx, config)
	case SheetsBackend:
		fetcher, err = f.createSheetsFetcher(ctx)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}

	if !config.SnapshotEnabled {
		return &BackendResult{Fetcher: fetcher}, nil
	}

	repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
	}

	f.logger.Info("Initialized dataset snapshot store",
		"db_path", config.SQLiteDBPath,
		"schema_version", repo.SchemaVersion(),
		"source", fetcher.Source())

	return &BackendResult{
		Fetcher:    adapters.NewSnapshotFetcher(fetcher, repo),
		Repository: repo,
		Cleanup:    repo.Close,
	}, nil
}

func (f *DefaultFactory) createLocalFetcher(config Config) sources.DatasetFetcher {
	dataDir := config.DataDirectory
	if dataDir == "" {
		dataDir = "data" // Default directory
	}

	fetcher := local.New(dataDir, config.DataFile)
	f.logger.Info("Initialized local backend", "source", fetcher.Source())
	return fetcher
}

func (f *DefaultFactory) createS3Fetcher(ctx context.Context, config Config) (sources.DatasetFetcher, error) {
	cli, err := s3source.New(ctx, config.s3Config())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}

	f.logger.Info("Initialized S3 backend",
		"source", cli.Source(),
		"region", config.S3Region,
		"custom_endpoint", config.S3Endpoint != "")
	return cli, nil
}

func (f *DefaultFactory) createSheetsFetcher(ctx context.Context) (sources.DatasetFetcher, error) {
	cli, err := gsheet.NewFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Google Sheets client: %w", err)
	}

	f.logger.Info("Initialized Google Sheets backend", "source", cli.Source())
	return cli, nil
}

func (c Config) s3Config() s3source.Config {
	return s3source.Config{
		AccessKey: c.S3AccessKey,
		SecretKey: c.S3SecretKey,
		Bucket:    c.S3Bucket,
		Key:       c.S3Key,
		Region:    c.S3Region,
		Endpoint:  c.S3Endpoint,
	}
}
