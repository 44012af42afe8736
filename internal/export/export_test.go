package export

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"admissions/internal/core"
	"admissions/internal/rollup"
)

func sexRollup(t *testing.T) *core.Rollup {
	t.Helper()
	rec := func(sex, year string, admission float64) core.Record {
		return core.Record{
			Dims: map[string]string{"sex": sex, "year": year},
			Measures: core.Measures{
				Admission:          admission,
				StayDurationTotal:  admission * 2,
				StayDurationAvg:    2,
				InterTripDaysTotal: math.NaN(),
				InterTripDaysAvg:   math.NaN(),
			},
		}
	}
	ds := &core.Dataset{
		Source:     "memory://admissions",
		Dimensions: []string{"sex", "year"},
		Records:    []core.Record{rec("M", "2020", 10), rec("F", "2021", 5), rec("M", "2021", 3)},
	}
	r, err := rollup.New(rollup.DefaultPolicy()).Aggregate(ds, []string{"sex", "year"}, core.Admission)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	return r
}

func TestWriteXLSX(t *testing.T) {
	r := sexRollup(t)

	var buf bytes.Buffer
	if err := WriteXLSX(&buf, r); err != nil {
		t.Fatalf("WriteXLSX: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != len(r.Rows)+1 {
		t.Fatalf("got %d rows, want %d", len(rows), len(r.Rows)+1)
	}

	header := strings.Join(rows[0], ",")
	want := "index,sex,year,Admission,stayDuration_total,stayDuration_avg,interTripDays_total,interTripDays_avg,share_pct"
	if header != want {
		t.Errorf("header = %s, want %s", header, want)
	}

	first := rows[1]
	if first[1] != "M | 72.22%" {
		t.Errorf("first key cell = %q", first[1])
	}
	if first[3] != "10" {
		t.Errorf("admission cell = %q, want 10", first[3])
	}
	// interTripDays has no values: the total sums to 0, the mean stays missing
	if first[6] != "0" {
		t.Errorf("total of missing values = %q, want 0", first[6])
	}
	if len(first) > 7 && first[7] != "" {
		t.Errorf("missing mean should be empty, got %q", first[7])
	}

	// stepped: the second M row repeats the sex label
	if rows[2][1] != "" {
		t.Errorf("repeated key should be blank, got %q", rows[2][1])
	}
}

func TestWriteText(t *testing.T) {
	r := sexRollup(t)

	var buf bytes.Buffer
	WriteText(&buf, rollup.Stepped(r))
	out := buf.String()

	for _, want := range []string{"stayDuration_total", "M | 72.22%", "F | 27.78%"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	r := sexRollup(t)

	var buf bytes.Buffer
	if err := WriteJSON(&buf, r, rollup.Stepped(r), 3); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var doc struct {
		Keys           []string            `json:"keys"`
		SortOn         string              `json:"sort_on"`
		DatasetVersion uint64              `json:"dataset_version"`
		Records        []map[string]string `json:"records"`
		Rows           []struct {
			Measures map[string]*float64 `json:"measures"`
		} `json:"rows"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if doc.SortOn != "Admission" || doc.DatasetVersion != 3 || len(doc.Keys) != 2 {
		t.Errorf("unexpected document header: %+v", doc)
	}
	if len(doc.Records) != len(r.Rows) || doc.Records[0]["sex"] != "M | 72.22%" {
		t.Errorf("unexpected records: %v", doc.Records)
	}
	if v := doc.Rows[0].Measures["interTripDays_total"]; v == nil || *v != 0 {
		t.Errorf("total of missing values should encode as 0, got %v", v)
	}
	if doc.Rows[0].Measures["interTripDays_avg"] != nil {
		t.Error("missing mean should encode as null")
	}
}

func TestNewDocument_Empty(t *testing.T) {
	doc := NewDocument(nil, rollup.Table{}, 0)
	if doc.Display == nil || doc.Rows == nil {
		t.Error("empty document should use empty slices")
	}
}
