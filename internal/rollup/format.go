package rollup

import (
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"admissions/internal/core"
)

var hundred = decimal.NewFromInt(100)

// Percent returns 100*v/total rounded to two decimals. A zero or missing
// denominator yields 0%.
func Percent(v, total float64) decimal.Decimal {
	if total == 0 || math.IsNaN(total) || math.IsNaN(v) || math.IsInf(total, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v).Mul(hundred).Div(decimal.NewFromFloat(total)).Round(2)
}

// Label annotates a category with its share: "<category> | <pct>%".
func Label(category string, pct decimal.Decimal) string {
	return category + " | " + pct.StringFixed(2) + "%"
}

// SplitLabel separates a label produced by Label. ok is false for plain values.
func SplitLabel(label string) (category string, pct decimal.Decimal, ok bool) {
	i := strings.LastIndex(label, " | ")
	if i < 0 || !strings.HasSuffix(label, "%") {
		return label, decimal.Zero, false
	}
	pct, err := decimal.NewFromString(strings.TrimSuffix(label[i+3:], "%"))
	if err != nil {
		return label, decimal.Zero, false
	}
	return label[:i], pct, true
}

// FormatValue renders a measure for display with at most two decimals.
// Missing values render empty.
func FormatValue(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return decimal.NewFromFloat(v).Round(2).String()
}

// FormatShare renders the sort-measure cell: "<value> | <pct>%".
func FormatShare(v float64, share decimal.Decimal) string {
	return FormatValue(v) + " | " + share.StringFixed(2) + "%"
}

// IndexColumn is the running row number column of a display table.
const IndexColumn = "index"

// Table is the display form of a rollup: one string per cell.
type Table struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Stepped renders r as a display table. A key cell is blanked when the whole
// key prefix up to and including that column equals the row above, which
// gives the hierarchical "stepped" look.
func Stepped(r *core.Rollup) Table {
	t := Table{Columns: Columns(r)}
	if r == nil {
		return t
	}
	t.Rows = make([][]string, 0, len(r.Rows))
	for i, row := range r.Rows {
		cells := make([]string, 0, len(t.Columns))
		cells = append(cells, strconv.Itoa(row.Index))

		same := i > 0
		for j, label := range row.Labels {
			same = same && label == r.Rows[i-1].Labels[j]
			if same {
				cells = append(cells, "")
				continue
			}
			cells = append(cells, label)
		}

		for _, m := range core.AllMeasures {
			v := row.Measures.Get(m)
			if m == r.SortOn {
				cells = append(cells, FormatShare(v, row.Share))
				continue
			}
			cells = append(cells, FormatValue(v))
		}
		t.Rows = append(t.Rows, cells)
	}
	return t
}

// Columns returns the display column names for r.
func Columns(r *core.Rollup) []string {
	cols := []string{IndexColumn}
	if r != nil {
		cols = append(cols, r.Keys...)
	}
	for _, m := range core.AllMeasures {
		cols = append(cols, string(m))
	}
	return cols
}

// Records converts a display table into column-keyed maps, the shape a
// tabular UI consumes.
func (t Table) Records() []map[string]string {
	out := make([]map[string]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec := make(map[string]string, len(t.Columns))
		for i, c := range t.Columns {
			if i < len(row) {
				rec[c] = row[i]
			}
		}
		out = append(out, rec)
	}
	return out
}
