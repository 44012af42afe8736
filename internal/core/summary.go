package core

import (
	"encoding/json"
	"math"

	"github.com/shopspring/decimal"
)

// RollupRow is one surviving combination of (possibly Others-merged)
// category labels across the key chain.
type RollupRow struct {
	Index    int             `json:"index"`
	Labels   []string        `json:"labels"`
	Measures Measures        `json:"measures"`
	Share    decimal.Decimal `json:"share"` // percent of the sort measure within its leaf group
}

// Rollup is the hierarchical aggregation produced for one key chain.
type Rollup struct {
	Keys   []string    `json:"keys"`
	SortOn Measure     `json:"sort_on"`
	Rows   []RollupRow `json:"rows"`
}

// Empty reports whether the rollup has no rows.
func (r *Rollup) Empty() bool {
	return r == nil || len(r.Rows) == 0
}

// Total sums a measure over the rollup rows.
func (r *Rollup) Total(m Measure) float64 {
	var total float64
	for _, row := range r.Rows {
		if v := row.Measures.Get(m); !math.IsNaN(v) {
			total += v
		}
	}
	return total
}

// MarshalJSON writes measures keyed by column name; missing values become null.
func (ms Measures) MarshalJSON() ([]byte, error) {
	out := make(map[string]*float64, len(AllMeasures))
	for _, m := range AllMeasures {
		v := ms.Get(m)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out[string(m)] = nil
			continue
		}
		out[string(m)] = &v
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (ms *Measures) UnmarshalJSON(data []byte) error {
	var in map[string]*float64
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	for _, m := range AllMeasures {
		v, ok := in[string(m)]
		if !ok || v == nil {
			ms.Set(m, math.NaN())
			continue
		}
		ms.Set(m, *v)
	}
	return nil
}
