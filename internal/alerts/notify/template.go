package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `[Alert {{.SeverityLabel}}]
Patient: {{.PatientID}}
Device: {{.DeviceID}}
Condition: {{.Condition}}
Message: {{.Message}}
Heart Rate: {{.HeartRate}} bpm
SpO2: {{.SpO2}} %
Blood Pressure: {{.BloodPressure}} mmHg
Raised At: {{.CreatedAt}}
Suggestion: {{.Suggestion}}
{{ if .DashboardURL }}
Dashboard: {{.DashboardURL}}
{{ end }}`

const DefaultSubject = `[{{.SeverityLabel}}] {{.Condition}} for patient {{.PatientID}}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	AlertID       string
	PatientID     string
	DeviceID      string
	Condition     string
	Message       string
	Severity      string
	SeverityLabel string
	HeartRate     string
	SpO2          string
	BloodPressure string
	CreatedAt     string
	Suggestion    string
	DashboardURL  string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	return parseTemplate("alert-notification", tpl)
}

// NewSubjectTemplate parses a subject line template, falling back to DefaultSubject.
func NewSubjectTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultSubject
	}
	return parseTemplate("alert-subject", tpl)
}

func parseTemplate(name, tpl string) (*Template, error) {
	parsed, err := template.New(name).Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("alert template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
