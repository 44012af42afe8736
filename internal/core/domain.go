package core

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Measure names one of the five numeric columns of an admissions dataset.
type Measure string

const (
	Admission          Measure = "Admission"
	StayDurationTotal  Measure = "stayDuration_total"
	StayDurationAvg    Measure = "stayDuration_avg"
	InterTripDaysTotal Measure = "interTripDays_total"
	InterTripDaysAvg   Measure = "interTripDays_avg"
)

// AllMeasures lists the measures in display order.
var AllMeasures = []Measure{Admission, StayDurationTotal, StayDurationAvg, InterTripDaysTotal, InterTripDaysAvg}

var (
	ErrUnknownField  = errors.New("unknown field")
	ErrEmptyKeyChain = errors.New("empty key chain")
	ErrDuplicateKey  = errors.New("duplicate key")
	ErrNoDataset     = errors.New("dataset not loaded")
)

// IsMean reports whether the measure is averaged rather than summed.
func (m Measure) IsMean() bool {
	return m == StayDurationAvg || m == InterTripDaysAvg
}

func (m Measure) String() string { return string(m) }

// ParseMeasure returns the measure with the given column name.
func ParseMeasure(name string) (Measure, error) {
	name = strings.TrimSpace(name)
	for _, m := range AllMeasures {
		if string(m) == name {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: sort measure %q", ErrUnknownField, name)
}

type (
	// Measures holds one value per measure. NaN marks a missing value.
	Measures struct {
		Admission          float64
		StayDurationTotal  float64
		StayDurationAvg    float64
		InterTripDaysTotal float64
		InterTripDaysAvg   float64
	}

	// Record is one admission row: categorical dimensions plus measures.
	Record struct {
		Dims     map[string]string
		Measures Measures
	}

	// Dataset is the read-only table the dashboard aggregates over.
	Dataset struct {
		Source     string
		Dimensions []string
		Records    []Record
		LoadedAt   time.Time
	}
)

// Get returns the value stored for m.
func (ms Measures) Get(m Measure) float64 {
	switch m {
	case Admission:
		return ms.Admission
	case StayDurationTotal:
		return ms.StayDurationTotal
	case StayDurationAvg:
		return ms.StayDurationAvg
	case InterTripDaysTotal:
		return ms.InterTripDaysTotal
	case InterTripDaysAvg:
		return ms.InterTripDaysAvg
	}
	return math.NaN()
}

// Set stores v for m.
func (ms *Measures) Set(m Measure, v float64) {
	switch m {
	case Admission:
		ms.Admission = v
	case StayDurationTotal:
		ms.StayDurationTotal = v
	case StayDurationAvg:
		ms.StayDurationAvg = v
	case InterTripDaysTotal:
		ms.InterTripDaysTotal = v
	case InterTripDaysAvg:
		ms.InterTripDaysAvg = v
	}
}

// HasDimension reports whether name is a categorical column of the dataset.
func (d *Dataset) HasDimension(name string) bool {
	for _, dim := range d.Dimensions {
		if dim == name {
			return true
		}
	}
	return false
}

// Len returns the number of records.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Records)
}

// TotalOf sums a measure over every record, skipping missing values.
func (d *Dataset) TotalOf(m Measure) float64 {
	var total float64
	for _, r := range d.Records {
		if v := r.Measures.Get(m); !math.IsNaN(v) {
			total += v
		}
	}
	return total
}

// ValidateKeys checks a grouping key chain against the dataset columns.
func (d *Dataset) ValidateKeys(keys []string) error {
	if len(keys) == 0 {
		return ErrEmptyKeyChain
	}
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateKey, k)
		}
		seen[k] = struct{}{}
		if !d.HasDimension(k) {
			return fmt.Errorf("%w: grouping key %q", ErrUnknownField, k)
		}
	}
	return nil
}

// ParseKeyChain splits a "|"-delimited combination such as "sex | year".
func ParseKeyChain(s string) []string {
	parts := strings.Split(s, "|")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}

// JoinKeyChain is the inverse of ParseKeyChain.
func JoinKeyChain(keys []string) string {
	return strings.Join(keys, " | ")
}

// IsValidationError reports whether err was caused by a bad request
// rather than a failure of the service.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrUnknownField) ||
		errors.Is(err, ErrEmptyKeyChain) ||
		errors.Is(err, ErrDuplicateKey)
}
