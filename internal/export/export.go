// Package export writes rollups as XLSX workbooks, JSON documents and
// plain-text tables.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/xuri/excelize/v2"

	"admissions/internal/core"
	"admissions/internal/rollup"
)

// SheetName is the worksheet holding the exported rollup.
const SheetName = "Rollup"

// ShareColumn holds the numeric share of the sort measure in XLSX exports.
const ShareColumn = "share_pct"

// Document is the JSON form of a rollup: the display table and the raw rows.
type Document struct {
	Keys           []string            `json:"keys"`
	SortOn         core.Measure        `json:"sort_on"`
	DatasetVersion uint64              `json:"dataset_version,omitempty"`
	Columns        []string            `json:"columns"`
	Display        [][]string          `json:"display"`
	Records        []map[string]string `json:"records"`
	Rows           []core.RollupRow    `json:"rows"`
	GeneratedAt    time.Time           `json:"generated_at"`
}

// NewDocument builds the JSON document for r and its display table.
func NewDocument(r *core.Rollup, t rollup.Table, datasetVersion uint64) Document {
	doc := Document{
		Columns:        t.Columns,
		Display:        t.Rows,
		Records:        t.Records(),
		DatasetVersion: datasetVersion,
		GeneratedAt:    time.Now().UTC(),
	}
	if r != nil {
		doc.Keys = r.Keys
		doc.SortOn = r.SortOn
		doc.Rows = r.Rows
	}
	if doc.Display == nil {
		doc.Display = [][]string{}
	}
	if doc.Rows == nil {
		doc.Rows = []core.RollupRow{}
	}
	return doc
}

// WriteJSON writes the document for r as indented JSON.
func WriteJSON(w io.Writer, r *core.Rollup, t rollup.Table, datasetVersion uint64) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(NewDocument(r, t, datasetVersion)); err != nil {
		return fmt.Errorf("encode rollup json: %w", err)
	}
	return nil
}

// WriteText renders the display table as an ASCII table.
func WriteText(w io.Writer, t rollup.Table) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(t.Columns)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.AppendBulk(t.Rows)
	table.Render()
}

// WriteXLSX writes r as a single-sheet workbook. Key columns are stepped like
// the dashboard table; measures are written as numbers, missing ones as
// empty cells, followed by the share column.
func WriteXLSX(w io.Writer, r *core.Rollup) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	header := append(rollup.Columns(r), ShareColumn)
	headerRow := make([]interface{}, len(header))
	for i, h := range header {
		headerRow[i] = h
	}
	if err := f.SetSheetRow(SheetName, "A1", &headerRow); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(header), 1)
	if err := f.SetCellStyle(SheetName, "A1", last, bold); err != nil {
		return fmt.Errorf("style header: %w", err)
	}
	for i := range header {
		col, _ := excelize.ColumnNumberToName(i + 1)
		width := 20.0
		if i == 0 {
			width = 8
		}
		if err := f.SetColWidth(SheetName, col, col, width); err != nil {
			return fmt.Errorf("set column width: %w", err)
		}
	}

	stepped := rollup.Stepped(r)
	for i, row := range stepped.Rows {
		src := r.Rows[i]
		cells := make([]interface{}, 0, len(header))
		cells = append(cells, src.Index)
		for j := range src.Labels {
			cells = append(cells, row[1+j])
		}
		for _, m := range core.AllMeasures {
			cells = append(cells, cellValue(src.Measures.Get(m)))
		}
		share, _ := src.Share.Float64()
		cells = append(cells, share)

		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(SheetName, cell, &cells); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func cellValue(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}
