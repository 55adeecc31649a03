package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	alerts "vitals-alerting/internal/alerts/domain"
	"vitals-alerting/internal/eventing"
	"vitals-alerting/internal/observability/logging"
)

// Clock provides time for dedupe windows.
type Clock interface {
	Now() time.Time
}

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier forwards alerts from the alert stream to a channel.
type Notifier struct {
	channel        Channel
	body           *Template
	subject        *Template
	minSeverity    alerts.Severity
	dashboardURL   string
	dedupeWindow   time.Duration
	requestTimeout time.Duration
	clock          Clock
	logger         *zap.Logger

	mu   sync.Mutex
	sent map[string]sendRecord
}

// Option configures the notifier.
type Option func(*Notifier)

// WithMinSeverity drops alerts below severity.
func WithMinSeverity(severity alerts.Severity) Option {
	return func(n *Notifier) {
		if severity != "" {
			n.minSeverity = severity
		}
	}
}

// WithDashboardURL adds a link to the patient's dashboard; the patient id is appended.
func WithDashboardURL(url string) Option {
	return func(n *Notifier) {
		n.dashboardURL = url
	}
}

// WithDedupeWindow suppresses a repeated delivery of the same alert within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithRequestTimeout bounds a single delivery.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNotifier constructs an alert notifier. Nil templates fall back to the defaults.
func NewNotifier(channel Channel, body, subject *Template, opts ...Option) (*Notifier, error) {
	if channel == nil {
		return nil, errors.New("alert notifier: nil channel")
	}
	var err error
	if body == nil {
		if body, err = NewTemplate(""); err != nil {
			return nil, err
		}
	}
	if subject == nil {
		if subject, err = NewSubjectTemplate(""); err != nil {
			return nil, err
		}
	}
	n := &Notifier{
		channel:        channel,
		body:           body,
		subject:        subject,
		minSeverity:    alerts.SeverityCritical,
		dedupeWindow:   10 * time.Minute,
		requestTimeout: 10 * time.Second,
		clock:          systemClock{},
		logger:         logging.OrNop(nil),
		sent:           make(map[string]sendRecord),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Consume is an eventing.Handler for the alert stream. Delivery failures are
// logged and never fail the subscription.
func (n *Notifier) Consume(ctx context.Context, msg eventing.Message) error {
	var alert alerts.Alert
	if err := json.Unmarshal(msg.Payload, &alert); err != nil {
		n.logger.Warn("alert notification skipped, bad payload",
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return nil
	}
	if err := n.Notify(ctx, alert); err != nil {
		n.logger.Warn("alert notification failed",
			zap.String("alert_id", alert.ID),
			zap.String("patient_id", alert.PatientID),
			zap.Error(err))
	}
	return nil
}

// Notify renders and sends one alert when it qualifies.
func (n *Notifier) Notify(ctx context.Context, alert alerts.Alert) error {
	if n == nil || n.channel == nil {
		return nil
	}
	if !alert.Severity.AtLeast(n.minSeverity) {
		return nil
	}
	data := buildTemplateData(alert, n.dashboardURL)
	content, err := n.body.Render(data)
	if err != nil {
		return fmt.Errorf("alert notifier: render body: %w", err)
	}
	subject, err := n.subject.Render(data)
	if err != nil {
		return fmt.Errorf("alert notifier: render subject: %w", err)
	}
	if !n.shouldSend(alert.ID, content) {
		return nil
	}
	if n.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.requestTimeout)
		defer cancel()
	}
	if err := n.channel.Send(ctx, Message{Subject: subject, Content: content}); err != nil {
		return err
	}
	n.markSent(alert.ID, content)
	return nil
}

func buildTemplateData(alert alerts.Alert, dashboardURL string) TemplateData {
	m := alert.Metrics
	link := ""
	if dashboardURL != "" {
		link = dashboardURL + alert.PatientID
	}
	return TemplateData{
		AlertID:       alert.ID,
		PatientID:     alert.PatientID,
		DeviceID:      alert.DeviceID,
		Condition:     alerts.DisplayCondition(alert.Type),
		Message:       alert.Message,
		Severity:      string(alert.Severity),
		SeverityLabel: severityLabel(alert.Severity),
		HeartRate:     formatFloat(m.HeartRate),
		SpO2:          formatFloat(m.SpO2),
		BloodPressure: formatFloat(m.BloodPressure.Systolic) + "/" + formatFloat(m.BloodPressure.Diastolic),
		CreatedAt:     alert.CreatedAt.UTC().Format(time.RFC3339),
		Suggestion:    suggestionFor(alert.Severity),
		DashboardURL:  link,
	}
}

func severityLabel(severity alerts.Severity) string {
	switch severity {
	case alerts.SeverityCritical:
		return "CRITICAL"
	case alerts.SeverityWarning:
		return "WARNING"
	default:
		return "INFO"
	}
}

func suggestionFor(severity alerts.Severity) string {
	switch severity {
	case alerts.SeverityCritical:
		return "Contact the patient immediately and escalate to the on-call physician."
	case alerts.SeverityWarning:
		return "Review the patient's recent vitals."
	default:
		return "No action required."
	}
}

func formatFloat(value float64) string {
	return fmt.Sprintf("%.0f", value)
}

func (n *Notifier) shouldSend(alertID, content string) bool {
	if n.dedupeWindow <= 0 || alertID == "" {
		return true
	}
	now := n.clock.Now().UTC()
	n.mu.Lock()
	defer n.mu.Unlock()
	for key, record := range n.sent {
		if now.Sub(record.at) >= n.dedupeWindow {
			delete(n.sent, key)
		}
	}
	record, ok := n.sent[alertID]
	if !ok {
		return true
	}
	return record.hash != hashContent(content)
}

func (n *Notifier) markSent(alertID, content string) {
	if n.dedupeWindow <= 0 || alertID == "" {
		return
	}
	n.mu.Lock()
	n.sent[alertID] = sendRecord{
		at:   n.clock.Now().UTC(),
		hash: hashContent(content),
	}
	n.mu.Unlock()
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
