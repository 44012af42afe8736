package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ports "admissions/internal/sources"
)

// DefaultFile is the export name looked up when no file is configured.
const DefaultFile = "admissions.csv"

// Fetcher reads the dataset from a file on disk. Used for development and
// for the offline rollup command.
type Fetcher struct {
	path string
}

var _ ports.DatasetFetcher = (*Fetcher)(nil)

// New returns a fetcher for file inside dir. An empty file name falls back to
// DefaultFile; an absolute file name ignores dir.
func New(dir, file string) *Fetcher {
	file = strings.TrimSpace(file)
	if file == "" {
		file = DefaultFile
	}
	if filepath.IsAbs(file) || dir == "" {
		return &Fetcher{path: file}
	}
	return &Fetcher{path: filepath.Join(dir, file)}
}

// NewFromPath returns a fetcher for an explicit path.
func NewFromPath(path string) *Fetcher {
	return &Fetcher{path: path}
}

func (f *Fetcher) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("dataset file %s not found: %w", f.path, err)
		}
		return nil, fmt.Errorf("read dataset file: %w", err)
	}
	return data, nil
}

func (f *Fetcher) Source() string {
	return "file://" + f.path
}
