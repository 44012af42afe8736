// Package dataset turns CSV exports of admission records into core.Dataset
// values.
//
// Two layouts are accepted. Raw exports carry a const column (one per
// admission) plus stayDuration and interTripDays, from which the five
// dashboard measures are derived. Pre-derived files carry the five measure
// columns directly. Every other column is a categorical dimension.
package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"

	"admissions/internal/core"
)

// Raw export columns.
const (
	ColConst         = "const"
	ColStayDuration  = "stayDuration"
	ColInterTripDays = "interTripDays"
)

// MissingLabel is the category given to blank dimension cells.
const MissingLabel = "nan"

var (
	ErrEmptyInput      = errors.New("empty input")
	ErrMissingColumns  = errors.New("missing required columns")
	ErrDuplicateColumn = errors.New("duplicate column")
)

var rawColumns = []string{ColConst, ColStayDuration, ColInterTripDays}

// missing cell spellings, as written by common exporters
var missingValues = map[string]struct{}{
	"": {}, "NA": {}, "N/A": {}, "n/a": {}, "#N/A": {}, "NaN": {}, "nan": {},
	"null": {}, "NULL": {}, "None": {},
}

// Warning reports a cell that could not be interpreted. The cell is treated
// as missing.
type Warning struct {
	Line   int
	Column string
	Value  string
}

func (w Warning) String() string {
	return fmt.Sprintf("line %d: column %s: invalid number %q", w.Line, w.Column, w.Value)
}

// layout maps each measure to the CSV column it is read from.
type layout map[core.Measure]string

func detectLayout(header []string) (layout, error) {
	has := make(map[string]bool, len(header))
	for _, h := range header {
		has[h] = true
	}

	derived := true
	for _, m := range core.AllMeasures {
		if !has[string(m)] {
			derived = false
			break
		}
	}
	if derived {
		l := layout{}
		for _, m := range core.AllMeasures {
			l[m] = string(m)
		}
		return l, nil
	}

	var missing []string
	for _, c := range rawColumns {
		if !has[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	return layout{
		core.Admission:          ColConst,
		core.StayDurationTotal:  ColStayDuration,
		core.StayDurationAvg:    ColStayDuration,
		core.InterTripDaysTotal: ColInterTripDays,
		core.InterTripDaysAvg:   ColInterTripDays,
	}, nil
}

// measureColumns returns the set of columns consumed by l.
func (l layout) measureColumns() map[string]bool {
	cols := make(map[string]bool, len(l))
	for _, c := range l {
		cols[c] = true
	}
	return cols
}

// Parse reads a CSV export into a dataset labelled with source. Cells that
// cannot be parsed as numbers are returned as warnings.
func Parse(source string, data []byte) (*core.Dataset, []Warning, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil, ErrEmptyInput
	}

	// The header is read as a data row so that a header-only file still loads.
	df := dataframe.ReadCSV(bytes.NewReader(data),
		dataframe.HasHeader(false),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String),
		dataframe.NaNValues(nil),
		dataframe.WithLazyQuotes(true),
	)
	if df.Err != nil {
		return nil, nil, fmt.Errorf("read csv: %w", df.Err)
	}

	// Records()[0] holds the generated column names.
	records := df.Records()
	if len(records) < 2 {
		return nil, nil, ErrEmptyInput
	}
	header := normalizeHeader(records[1])
	rows := records[2:]

	seen := make(map[string]bool, len(header))
	for _, h := range header {
		if seen[h] {
			return nil, nil, fmt.Errorf("%w: %q", ErrDuplicateColumn, h)
		}
		seen[h] = true
	}

	lay, err := detectLayout(header)
	if err != nil {
		return nil, nil, err
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[h] = i
	}

	consumed := lay.measureColumns()
	dims := make([]string, 0, len(header))
	for _, h := range header {
		if !consumed[h] {
			dims = append(dims, h)
		}
	}

	ds := &core.Dataset{
		Source:     source,
		Dimensions: dims,
		Records:    make([]core.Record, 0, len(rows)),
		LoadedAt:   time.Now().UTC(),
	}

	var warnings []Warning
	for n, row := range rows {
		line := n + 2
		rec := core.Record{Dims: make(map[string]string, len(dims))}
		for _, d := range dims {
			rec.Dims[d] = dimension(row[index[d]])
		}

		parsed := make(map[string]float64, len(consumed))
		for _, col := range header {
			if !consumed[col] {
				continue
			}
			v, ok := number(row[index[col]])
			if !ok {
				warnings = append(warnings, Warning{Line: line, Column: col, Value: row[index[col]]})
			}
			parsed[col] = v
		}
		for _, m := range core.AllMeasures {
			rec.Measures.Set(m, parsed[lay[m]])
		}
		ds.Records = append(ds.Records, rec)
	}

	return ds, warnings, nil
}

func normalizeHeader(raw []string) []string {
	out := make([]string, len(raw))
	for i, h := range raw {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		out[i] = strings.TrimSpace(h)
	}
	return out
}

func dimension(cell string) string {
	cell = strings.TrimSpace(cell)
	if _, ok := missingValues[cell]; ok {
		return MissingLabel
	}
	return cell
}

// number parses a measure cell. Missing cells yield NaN with ok true; cells
// that are not numbers yield NaN with ok false.
func number(cell string) (float64, bool) {
	cell = strings.TrimSpace(cell)
	if _, ok := missingValues[cell]; ok {
		return math.NaN(), true
	}
	v, err := strconv.ParseFloat(cell, 64)
	if err != nil || math.IsInf(v, 0) {
		return math.NaN(), false
	}
	return v, true
}
