package exporter

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"wslicense/internal/license"
)

// SheetRevocations is the sheet name used in XLSX exports.
const SheetRevocations = "Revocations"

var columnWidths = map[string]float64{
	"A": 38, // jti
	"B": 16,
	"C": 30,
	"D": 30,
	"E": 16,
	"F": 22,
	"G": 22,
	"H": 66, // sha256 hex
}

// WriteRevocationsXLSX writes records as a single-sheet workbook.
func WriteRevocationsXLSX(out io.Writer, records []license.RevokedTokenRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetRevocations); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	header := make([]any, len(RevocationHeaders))
	for i, h := range RevocationHeaders {
		header[i] = h
	}
	if err := f.SetSheetRow(SheetRevocations, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"DDEBF7"}},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(RevocationHeaders))
	if err := f.SetCellStyle(SheetRevocations, "A1", lastCol+"1", bold); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}

	for i, r := range records {
		row := revocationRow(r)
		values := make([]any, len(row))
		for j, v := range row {
			values[j] = v
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SheetRevocations, cell, &values); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	for col, width := range columnWidths {
		if err := f.SetColWidth(SheetRevocations, col, col, width); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}
	if err := f.SetPanes(SheetRevocations, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze header: %w", err)
	}

	if _, err := f.WriteTo(out); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}
