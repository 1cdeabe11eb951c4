package orders

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/labflow/labflow/internal/domain/catalog"
)

const resultSheetName = "Results"

// Result sheet columns. Import locates columns by header text, so a sheet
// with reordered or extra columns still parses.
const (
	colOrderAnalysisID = "Order Analysis ID"
	colAnalysis        = "Analysis"
	colComponentID     = "Component ID"
	colComponent       = "Component"
	colUnit            = "Unit"
	colReference       = "Reference Values"
	colValue           = "Value"
)

var resultSheetHeaders = []string{
	colOrderAnalysisID, colAnalysis, colComponentID, colComponent, colUnit, colReference, colValue,
}

var resultSheetWidths = []float64{18, 28, 14, 28, 10, 30, 20}

// BuildResultSheet renders one row per (order analysis, component) with the
// currently stored value, ready for bench staff to fill in.
func BuildResultSheet(snap *Snapshot, defs map[int64]*catalog.ComponentDefinition) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(resultSheetName)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	for i, h := range resultSheetHeaders {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(resultSheetName, cell, h); err != nil {
			return nil, fmt.Errorf("set header %s: %w", cell, err)
		}
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetColWidth(resultSheetName, col, col, resultSheetWidths[i]); err != nil {
			return nil, fmt.Errorf("set width %s: %w", col, err)
		}
	}
	if err := f.SetCellStyle(resultSheetName, "A1", "G1", headerStyle); err != nil {
		return nil, fmt.Errorf("set header style: %w", err)
	}

	row := 2
	for _, a := range snap.Analyses {
		for _, cid := range a.ComponentIDs {
			var name, unit, refs string
			if def := defs[cid]; def != nil {
				name, unit, refs = def.Name, def.Unit, strings.Join(def.ReferenceValues, "; ")
			}
			var value string
			if r := snap.Result(a.ID, cid); r != nil {
				value = r.Value
				if name == "" {
					name, unit = r.Meta.Name, r.Meta.Unit
				}
			}
			cells := []interface{}{a.ID, a.AnalysisName, cid, name, unit, refs, value}
			start, err := excelize.CoordinatesToCellName(1, row)
			if err != nil {
				return nil, err
			}
			if err := f.SetSheetRow(resultSheetName, start, &cells); err != nil {
				return nil, fmt.Errorf("write row %d: %w", row, err)
			}
			row++
		}
	}

	if err := f.SetPanes(resultSheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseResultSheet reads result entries from the first sheet of an xlsx
// workbook. Rows with both ids blank are skipped; more than maxRows data
// rows rejects the workbook.
func ParseResultSheet(r io.Reader, maxRows int) ([]ResultEntry, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, newValidationError("unreadable workbook: %v", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, newValidationError("workbook has no sheets")
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, newValidationError("sheet %q is empty", sheet)
	}

	cols := map[string]int{}
	for i, h := range rows[0] {
		cols[strings.TrimSpace(h)] = i
	}
	var issues []string
	for _, h := range []string{colOrderAnalysisID, colComponentID, colValue} {
		if _, ok := cols[h]; !ok {
			issues = append(issues, fmt.Sprintf("missing column %q", h))
		}
	}
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	data := rows[1:]
	if maxRows > 0 && len(data) > maxRows {
		return nil, newValidationError("sheet has %d rows, limit is %d", len(data), maxRows)
	}

	cell := func(row []string, col string) string {
		i := cols[col]
		if i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	entries := make([]ResultEntry, 0, len(data))
	for i, row := range data {
		line := i + 2
		oa, comp := cell(row, colOrderAnalysisID), cell(row, colComponentID)
		if oa == "" && comp == "" {
			continue
		}
		oaID, err := strconv.ParseInt(oa, 10, 64)
		if err != nil || oaID <= 0 {
			issues = append(issues, fmt.Sprintf("row %d: invalid order analysis id %q", line, oa))
			continue
		}
		compID, err := strconv.ParseInt(comp, 10, 64)
		if err != nil || compID <= 0 {
			issues = append(issues, fmt.Sprintf("row %d: invalid component id %q", line, comp))
			continue
		}
		entries = append(entries, ResultEntry{
			OrderAnalysisID: oaID,
			ComponentID:     compID,
			Value:           cell(row, colValue),
		})
	}
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return entries, nil
}
