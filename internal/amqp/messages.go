package amqp

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// RefreshRequest asks the dashboard to download the dataset again, bypassing
// the stored snapshot.
type RefreshRequest struct {
	ID          string    `json:"id"`
	Source      string    `json:"source,omitempty"`
	RequestedBy string    `json:"requested_by"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewRefreshRequest creates a refresh request with a fresh ID. An empty
// source means whatever source the dashboard is configured with.
func NewRefreshRequest(source, requestedBy, reason string) *RefreshRequest {
	return &RefreshRequest{
		ID:          uuid.NewString(),
		Source:      source,
		RequestedBy: requestedBy,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	}
}

func (m *RefreshRequest) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func RefreshRequestFromJSON(data []byte) (*RefreshRequest, error) {
	var msg RefreshRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		return nil, errors.New("refresh request without id")
	}
	return &msg, nil
}

// RollupComputed announces a rollup served by the dashboard. It carries the
// request shape and timings, not the rows.
type RollupComputed struct {
	ID             string    `json:"id"`
	Keys           []string  `json:"keys"`
	SortOn         string    `json:"sort_on"`
	Rows           int       `json:"rows"`
	DatasetVersion uint64    `json:"dataset_version"`
	DatasetSource  string    `json:"dataset_source"`
	CacheHit       bool      `json:"cache_hit"`
	DurationMs     float64   `json:"duration_ms"`
	Timestamp      time.Time `json:"timestamp"`
}

func NewRollupComputed(keys []string, sortOn string, rows int, version uint64, source string, cacheHit bool, took time.Duration) *RollupComputed {
	return &RollupComputed{
		ID:             uuid.NewString(),
		Keys:           append([]string(nil), keys...),
		SortOn:         sortOn,
		Rows:           rows,
		DatasetVersion: version,
		DatasetSource:  source,
		CacheHit:       cacheHit,
		DurationMs:     float64(took.Microseconds()) / 1000,
		Timestamp:      time.Now().UTC(),
	}
}

func (m *RollupComputed) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func RollupComputedFromJSON(data []byte) (*RollupComputed, error) {
	var msg RollupComputed
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
