package alerts

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// BloodPressure is a systolic/diastolic pair in mmHg.
type BloodPressure struct {
	Systolic  float64 `json:"systolic"`
	Diastolic float64 `json:"diastolic"`
}

// Vitals is the vital-sign snapshot carried by a reading.
type Vitals struct {
	HeartRate     float64       `json:"heartRate"`
	SpO2          float64       `json:"spo2"`
	BloodPressure BloodPressure `json:"bloodPressure"`
}

// Reading is one timestamped vital-sign sample for a patient/device.
type Reading struct {
	PatientID string    `json:"patientId"`
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
	Vitals    Vitals    `json:"vitals"`
}

type wireBloodPressure struct {
	Systolic  *float64 `json:"systolic"`
	Diastolic *float64 `json:"diastolic"`
}

type wireVitals struct {
	HeartRate     *float64           `json:"heartRate"`
	SpO2          *float64           `json:"spo2"`
	BloodPressure *wireBloodPressure `json:"bloodPressure"`
}

type wireReading struct {
	PatientID string      `json:"patientId"`
	DeviceID  string      `json:"deviceId"`
	Timestamp string      `json:"timestamp"`
	Vitals    *wireVitals `json:"vitals"`
}

// ParseReading decodes a raw-reading stream message and rejects payloads with
// missing identifiers or vitals.
func ParseReading(data []byte) (Reading, error) {
	var wire wireReading
	if err := json.Unmarshal(data, &wire); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrInvalidReading, err)
	}
	if strings.TrimSpace(wire.PatientID) == "" {
		return Reading{}, fmt.Errorf("%w: missing patientId", ErrInvalidReading)
	}
	if wire.Vitals == nil {
		return Reading{}, fmt.Errorf("%w: missing vitals", ErrInvalidReading)
	}
	v := wire.Vitals
	if v.HeartRate == nil || v.SpO2 == nil || v.BloodPressure == nil ||
		v.BloodPressure.Systolic == nil || v.BloodPressure.Diastolic == nil {
		return Reading{}, fmt.Errorf("%w: incomplete vitals", ErrInvalidReading)
	}

	reading := Reading{
		PatientID: wire.PatientID,
		DeviceID:  wire.DeviceID,
		Vitals: Vitals{
			HeartRate: *v.HeartRate,
			SpO2:      *v.SpO2,
			BloodPressure: BloodPressure{
				Systolic:  *v.BloodPressure.Systolic,
				Diastolic: *v.BloodPressure.Diastolic,
			},
		},
	}
	if wire.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, wire.Timestamp)
		if err != nil {
			return Reading{}, fmt.Errorf("%w: invalid timestamp", ErrInvalidReading)
		}
		reading.Timestamp = ts.UTC()
	}
	if err := reading.Validate(); err != nil {
		return Reading{}, err
	}
	return reading, nil
}

// Validate checks identifiers and numeric sanity of the vitals.
func (r Reading) Validate() error {
	if strings.TrimSpace(r.PatientID) == "" {
		return fmt.Errorf("%w: missing patientId", ErrInvalidReading)
	}
	for name, value := range map[string]float64{
		"heartRate": r.Vitals.HeartRate,
		"spo2":      r.Vitals.SpO2,
		"systolic":  r.Vitals.BloodPressure.Systolic,
		"diastolic": r.Vitals.BloodPressure.Diastolic,
	} {
		if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
			return fmt.Errorf("%w: invalid %s", ErrInvalidReading, name)
		}
	}
	return nil
}
