package http

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	alerts "vitals-alerting/internal/alerts/domain"
)

type exportFormat string

const (
	exportXLSX exportFormat = "xlsx"
	exportPDF  exportFormat = "pdf"
)

func (f exportFormat) contentType() string {
	if f == exportXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/pdf"
}

// BuildAlertsPDF renders a patient's alert history as a table.
func BuildAlertsPDF(patientID string, list []alerts.Alert) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Alert History")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Patient: %s", patientID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Alerts: %d (critical: %d)", len(list), countCritical(list)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", time.Now().UTC().Format(time.RFC3339)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(42, 6, "Created", "1", 0, "C", false, 0, "")
	pdf.CellFormat(18, 6, "Severity", "1", 0, "C", false, 0, "")
	pdf.CellFormat(55, 6, "Condition", "1", 0, "C", false, 0, "")
	pdf.CellFormat(18, 6, "HR", "1", 0, "C", false, 0, "")
	pdf.CellFormat(18, 6, "SpO2", "1", 0, "C", false, 0, "")
	pdf.CellFormat(28, 6, "BP", "1", 0, "C", false, 0, "")
	pdf.CellFormat(18, 6, "Ack", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, alert := range list {
		m := alert.Metrics
		pdf.CellFormat(42, 6, alert.CreatedAt.Format(time.RFC3339), "1", 0, "L", false, 0, "")
		pdf.CellFormat(18, 6, string(alert.Severity), "1", 0, "C", false, 0, "")
		pdf.CellFormat(55, 6, alerts.DisplayCondition(alert.Type), "1", 0, "L", false, 0, "")
		pdf.CellFormat(18, 6, fmt.Sprintf("%.0f", m.HeartRate), "1", 0, "R", false, 0, "")
		pdf.CellFormat(18, 6, fmt.Sprintf("%.0f", m.SpO2), "1", 0, "R", false, 0, "")
		pdf.CellFormat(28, 6, fmt.Sprintf("%.0f/%.0f", m.BloodPressure.Systolic, m.BloodPressure.Diastolic), "1", 0, "R", false, 0, "")
		pdf.CellFormat(18, 6, yesNo(alert.IsAcknowledged), "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildAlertsXLSX renders a patient's alert history as a workbook with a
// summary sheet and one row per alert.
func BuildAlertsXLSX(patientID string, list []alerts.Alert) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	alertsSheet := "alerts"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(alertsSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Alert History")
	_ = f.SetCellValue(summarySheet, "A3", "Patient")
	_ = f.SetCellValue(summarySheet, "B3", patientID)
	_ = f.SetCellValue(summarySheet, "A4", "Alerts")
	_ = f.SetCellValue(summarySheet, "B4", len(list))
	_ = f.SetCellValue(summarySheet, "A5", "Critical")
	_ = f.SetCellValue(summarySheet, "B5", countCritical(list))

	headers := []string{"ID", "Created", "Severity", "Type", "Message", "Heart Rate", "SpO2", "Systolic", "Diastolic", "Acknowledged"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(alertsSheet, cell, header)
	}
	for i, alert := range list {
		row := i + 2
		values := []any{
			alert.ID,
			alert.CreatedAt.Format(time.RFC3339),
			string(alert.Severity),
			alert.Type,
			alert.Message,
			alert.Metrics.HeartRate,
			alert.Metrics.SpO2,
			alert.Metrics.BloodPressure.Systolic,
			alert.Metrics.BloodPressure.Diastolic,
			alert.IsAcknowledged,
		}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(alertsSheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func countCritical(list []alerts.Alert) int {
	n := 0
	for _, alert := range list {
		if alert.Severity == alerts.SeverityCritical {
			n++
		}
	}
	return n
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
