package sources

import (
	"context"
)

// Ports for outbound adapters.
type (
	// DatasetFetcher downloads the raw CSV export of the admissions dataset.
	DatasetFetcher interface {
		Fetch(ctx context.Context) ([]byte, error)
		// Source identifies the dataset location, e.g. "s3://bucket/key".
		Source() string
	}

	// Refresher is implemented by fetchers that keep a local copy and can be
	// told to bypass it.
	Refresher interface {
		Refresh(ctx context.Context) ([]byte, error)
	}
)
