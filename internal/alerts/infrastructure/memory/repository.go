// Package memory keeps alerts in process for single-node runs and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	alerts "vitals-alerting/internal/alerts/domain"
)

const defaultListLimit = 100

// AlertRepository stores alerts in memory.
type AlertRepository struct {
	mu        sync.RWMutex
	byID      map[string]alerts.Alert
	byPatient map[string][]string
	now       func() time.Time
}

// NewAlertRepository constructs an empty repository.
func NewAlertRepository() *AlertRepository {
	return &AlertRepository{
		byID:      make(map[string]alerts.Alert),
		byPatient: make(map[string][]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create stores alert under a fresh id.
func (r *AlertRepository) Create(_ context.Context, alert alerts.Alert) (alerts.Alert, error) {
	if r == nil {
		return alerts.Alert{}, errors.New("alert repo: nil repository")
	}
	if alert.PatientID == "" || alert.Type == "" {
		return alerts.Alert{}, errors.New("alert repo: missing fields")
	}
	alert.ID = uuid.NewString()
	alert.CreatedAt = r.now()
	alert.UpdatedAt = alert.CreatedAt

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[alert.ID] = alert
	r.byPatient[alert.PatientID] = append(r.byPatient[alert.PatientID], alert.ID)
	return alert, nil
}

// GetByID returns the alert with id.
func (r *AlertRepository) GetByID(_ context.Context, id string) (alerts.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	alert, ok := r.byID[id]
	if !ok {
		return alerts.Alert{}, alerts.ErrNotFound
	}
	return alert, nil
}

// List returns a patient's alerts, newest first.
func (r *AlertRepository) List(_ context.Context, q alerts.AlertQuery) ([]alerts.Alert, error) {
	if q.PatientID == "" {
		return nil, errors.New("alert repo: invalid query")
	}
	r.mu.RLock()
	ids := r.byPatient[q.PatientID]
	result := make([]alerts.Alert, 0, len(ids))
	for _, id := range ids {
		alert := r.byID[id]
		if !q.From.IsZero() && alert.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !alert.CreatedAt.Before(q.To) {
			continue
		}
		result = append(result, alert)
	}
	r.mu.RUnlock()

	// ids are in insertion order; reverse for newest first and keep it stable on ties.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CountUnacknowledged reports alerts nobody has acknowledged yet.
func (r *AlertRepository) CountUnacknowledged() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, alert := range r.byID {
		if !alert.IsAcknowledged {
			n++
		}
	}
	return n
}
