package rollup

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"admissions/internal/core"
)

func TestPercent(t *testing.T) {
	cases := []struct {
		v, total float64
		want     string
	}{
		{13, 18, "72.22"},
		{5, 18, "27.78"},
		{1, 3, "33.33"},
		{2, 3, "66.67"},
		{0, 0, "0"},
		{4, 0, "0"},
		{math.NaN(), 10, "0"},
	}
	for _, tc := range cases {
		if got := Percent(tc.v, tc.total); !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Errorf("Percent(%v, %v) = %s, want %s", tc.v, tc.total, got, tc.want)
		}
	}
}

func TestLabelRoundTrip(t *testing.T) {
	l := Label("Cardiology | Ward", decimal.RequireFromString("50"))
	if l != "Cardiology | Ward | 50.00%" {
		t.Fatalf("Label = %q", l)
	}
	cat, pct, ok := SplitLabel(l)
	if !ok || cat != "Cardiology | Ward" || !pct.Equal(decimal.RequireFromString("50")) {
		t.Fatalf("SplitLabel = %q, %s, %v", cat, pct, ok)
	}
	if _, _, ok := SplitLabel("plain"); ok {
		t.Fatalf("plain value should not split")
	}
}

func TestFormatValue(t *testing.T) {
	if got := FormatValue(2.0 / 3.0); got != "0.67" {
		t.Errorf("FormatValue = %q", got)
	}
	if got := FormatValue(13); got != "13" {
		t.Errorf("FormatValue = %q", got)
	}
	if got := FormatValue(math.NaN()); got != "" {
		t.Errorf("missing value rendered %q", got)
	}
	if got := FormatShare(13, decimal.RequireFromString("72.22")); got != "13 | 72.22%" {
		t.Errorf("FormatShare = %q", got)
	}
}

func TestSteppedBlanksRepeatedPrefixes(t *testing.T) {
	r, err := New(DefaultPolicy()).Aggregate(sexDataset(), []string{"sex", "year"}, core.Admission)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	tbl := Stepped(r)

	wantCols := []string{"index", "sex", "year", "Admission", "stayDuration_total", "stayDuration_avg", "interTripDays_total", "interTripDays_avg"}
	if len(tbl.Columns) != len(wantCols) {
		t.Fatalf("columns = %v", tbl.Columns)
	}
	for i, c := range wantCols {
		if tbl.Columns[i] != c {
			t.Fatalf("column %d = %q, want %q", i, tbl.Columns[i], c)
		}
	}

	want := [][]string{
		{"0", "M | 72.22%", "2020 | 76.92%", "10 | 76.92%"},
		{"1", "", "2021 | 23.08%", "3 | 23.08%"},
		{"2", "F | 27.78%", "2021 | 100.00%", "5 | 100.00%"},
	}
	for i, w := range want {
		for j, cell := range w {
			if tbl.Rows[i][j] != cell {
				t.Errorf("row %d col %d = %q, want %q", i, j, tbl.Rows[i][j], cell)
			}
		}
	}
	// a new sex starts a fresh prefix
	if tbl.Rows[2][2] == "" {
		t.Errorf("year cell blanked although sex changed")
	}
	if tbl.Rows[0][7] != "" {
		t.Errorf("missing average should render empty, got %q", tbl.Rows[0][7])
	}

	recs := tbl.Records()
	if len(recs) != 3 || recs[2]["sex"] != "F | 27.78%" {
		t.Fatalf("unexpected records: %v", recs)
	}
}

func TestSteppedComparesWholePrefix(t *testing.T) {
	ds := dataset([]string{"sex", "caretype", "year"},
		record(map[string]string{"sex": "M", "caretype": "acute", "year": "2020"}, 1),
		record(map[string]string{"sex": "F", "caretype": "acute", "year": "2020"}, 1),
	)
	r, err := New(DefaultPolicy()).Aggregate(ds, []string{"sex", "caretype", "year"}, core.Admission)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(r.Rows) != 2 || r.Rows[0].Labels[1] != r.Rows[1].Labels[1] || r.Rows[0].Labels[2] != r.Rows[1].Labels[2] {
		t.Fatalf("rows should share the caretype and year labels: %+v", r.Rows)
	}

	tbl := Stepped(r)
	second := tbl.Rows[1]
	for col, name := range []string{"sex", "caretype", "year"} {
		if second[col+1] == "" {
			t.Errorf("%s blanked although sex changed", name)
		}
	}
}
