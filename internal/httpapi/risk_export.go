package httpapi

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"wisefido-energy/internal/models"

	"github.com/xuri/excelize/v2"
)

// RiskExportHeader column order of the risk workbook
var RiskExportHeader = []string{
	"Entity ID",
	"Clinic ID",
	"Total Services",
	"Total Anomalies",
	"Anomaly Rate (%)",
	"Avg Deviation (%)",
	"Max Deviation (%)",
	"Risk Score",
	"Risk Level",
	"Indicators",
	"Last Anomaly",
	"Last Calculated",
}

var riskColumnWidths = []float64{38, 38, 15, 15, 16, 17, 17, 12, 12, 40, 20, 20}

// GenerateRiskExport one sheet per call, one row per risk record
func GenerateRiskExport(kind models.EntityKind, records []*models.AnomalyScore) ([]byte, error) {
	f := excelize.NewFile()
	// WriteTo needs the file open; Close is called explicitly on every path

	sheetName := "Client Risk"
	if kind == models.EntityEmployee {
		sheetName = "Employee Risk"
	}
	index, err := f.NewSheet(sheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range RiskExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheetName, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheetName, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(sheetName, name, name, riskColumnWidths[col]); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, rec := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetSheetRow(sheetName, cell, riskRow(rec)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if err := f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

func riskRow(rec *models.AnomalyScore) *[]any {
	indicators := make([]string, 0, len(rec.Indicators))
	for _, ind := range rec.Indicators {
		indicators = append(indicators, string(ind))
	}
	lastAnomaly := ""
	if rec.LastAnomalyDate != nil {
		lastAnomaly = rec.LastAnomalyDate.UTC().Format(time.RFC3339)
	}
	lastCalculated := ""
	if !rec.LastCalculated.IsZero() {
		lastCalculated = rec.LastCalculated.UTC().Format(time.RFC3339)
	}
	row := []any{
		rec.EntityID,
		rec.ClinicID,
		rec.TotalServices,
		rec.TotalAnomalies,
		rec.AnomalyRate,
		rec.AvgDeviationPercent,
		rec.MaxDeviationPercent,
		rec.RiskScore,
		string(rec.RiskLevel),
		strings.Join(indicators, ", "),
		lastAnomaly,
		lastCalculated,
	}
	return &row
}
