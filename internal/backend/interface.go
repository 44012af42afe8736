package backend

import (
	"context"

	"admissions/internal/sources"
	"admissions/internal/storage"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// BackendResult contains the dataset fetcher and optional cleanup function.
// Repository is set when snapshots are enabled.
type BackendResult struct {
	Fetcher    sources.DatasetFetcher
	Repository *storage.SQLiteRepository
	Cleanup    CleanupFunc
}

// Factory creates backends based on configuration
type Factory interface {
	// CreateBackend creates a dataset fetcher based on the provided config
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	// Local specific
	DataDirectory string
	DataFile      string

	// S3 specific
	S3Bucket    string
	S3Key       string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	// Google Sheets reads GOOGLE_* from the environment.

	// Snapshot store
	SnapshotEnabled bool
	SQLiteDBPath    string
}

// BackendType represents the type of backend
type BackendType string

const (
	LocalBackend  BackendType = "local"
	S3Backend     BackendType = "s3"
	SheetsBackend BackendType = "sheets"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case LocalBackend, S3Backend, SheetsBackend:
		return true
	default:
		return false
	}
}
