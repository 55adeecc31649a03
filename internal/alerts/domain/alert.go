package alerts

import (
	"fmt"
	"strings"
	"time"
)

// Alert is the durable record emitted for a qualifying reading.
type Alert struct {
	ID             string    `json:"id"`
	PatientID      string    `json:"patientId"`
	DeviceID       string    `json:"deviceId,omitempty"`
	Type           string    `json:"type"`
	Severity       Severity  `json:"severity"`
	Message        string    `json:"message"`
	Metrics        Vitals    `json:"metrics"`
	IsAcknowledged bool      `json:"isAcknowledged"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// AlertQuery filters alerts for a patient.
type AlertQuery struct {
	PatientID string
	From      time.Time
	To        time.Time
	Limit     int
}

// BuildAlert assembles an unsaved alert for the condition triggered by reading.
// The store assigns ID and timestamps.
func BuildAlert(reading Reading, condition string, severity Severity) Alert {
	if severity == "" {
		severity = SeverityWarning
	}
	return Alert{
		PatientID:      reading.PatientID,
		DeviceID:       reading.DeviceID,
		Type:           condition,
		Severity:       severity,
		Message:        fmt.Sprintf("Anomalie %s: %s", severity, DisplayCondition(condition)),
		Metrics:        reading.Vitals,
		IsAcknowledged: false,
	}
}

// DisplayCondition strips the critical_ marker from a condition identifier.
func DisplayCondition(condition string) string {
	return strings.TrimPrefix(condition, criticalPrefix)
}
