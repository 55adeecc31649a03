package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	alerts "vitals-alerting/internal/alerts/domain"
)

const defaultListLimit = 100

//go:embed schema.sql
var schemaSQL string

// AlertRepository is a Postgres repository for alerts.
type AlertRepository struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

// NewAlertRepository constructs a repository.
func NewAlertRepository(db *sql.DB) *AlertRepository {
	return &AlertRepository{
		db:    db,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.NewString() },
	}
}

// EnsureSchema creates the alerts table and its indexes when missing.
func (r *AlertRepository) EnsureSchema(ctx context.Context) error {
	if r == nil || r.db == nil {
		return errors.New("alert repo: nil db")
	}
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("alert repo: ensure schema: %w", err)
	}
	return nil
}

// Create inserts alert, assigning its id and timestamps.
func (r *AlertRepository) Create(ctx context.Context, alert alerts.Alert) (alerts.Alert, error) {
	if r == nil || r.db == nil {
		return alerts.Alert{}, errors.New("alert repo: nil db")
	}
	if alert.PatientID == "" || alert.Type == "" {
		return alerts.Alert{}, errors.New("alert repo: missing fields")
	}
	metrics, err := json.Marshal(alert.Metrics)
	if err != nil {
		return alerts.Alert{}, fmt.Errorf("alert repo: encode metrics: %w", err)
	}
	alert.ID = r.newID()
	now := r.now()
	row := r.db.QueryRowContext(ctx, `
INSERT INTO alerts (
	id, patient_id, device_id, type, severity, message, metrics,
	is_acknowledged, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7,
	$8, $9, $9
)
RETURNING created_at, updated_at`,
		alert.ID,
		alert.PatientID,
		alert.DeviceID,
		alert.Type,
		string(alert.Severity),
		alert.Message,
		metrics,
		alert.IsAcknowledged,
		now,
	)
	if err := row.Scan(&alert.CreatedAt, &alert.UpdatedAt); err != nil {
		return alerts.Alert{}, err
	}
	alert.CreatedAt = alert.CreatedAt.UTC()
	alert.UpdatedAt = alert.UpdatedAt.UTC()
	return alert, nil
}

// GetByID fetches an alert by id.
func (r *AlertRepository) GetByID(ctx context.Context, id string) (alerts.Alert, error) {
	if r == nil || r.db == nil {
		return alerts.Alert{}, errors.New("alert repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, patient_id, device_id, type, severity, message, metrics,
	is_acknowledged, created_at, updated_at
FROM alerts
WHERE id = $1`, id)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return alerts.Alert{}, alerts.ErrNotFound
	}
	return alert, err
}

// List returns a patient's alerts, newest first.
func (r *AlertRepository) List(ctx context.Context, q alerts.AlertQuery) ([]alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	if q.PatientID == "" {
		return nil, errors.New("alert repo: invalid query")
	}
	query := `
SELECT id, patient_id, device_id, type, severity, message, metrics,
	is_acknowledged, created_at, updated_at
FROM alerts
WHERE patient_id = $1`
	args := []any{q.PatientID}
	if !q.From.IsZero() {
		args = append(args, q.From)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alerts.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type alertScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row alertScanner) (alerts.Alert, error) {
	var alert alerts.Alert
	var severity string
	var metrics []byte
	if err := row.Scan(
		&alert.ID,
		&alert.PatientID,
		&alert.DeviceID,
		&alert.Type,
		&severity,
		&alert.Message,
		&metrics,
		&alert.IsAcknowledged,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	); err != nil {
		return alerts.Alert{}, err
	}
	alert.Severity = alerts.Severity(severity)
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &alert.Metrics); err != nil {
			return alerts.Alert{}, fmt.Errorf("alert repo: decode metrics: %w", err)
		}
	}
	alert.CreatedAt = alert.CreatedAt.UTC()
	alert.UpdatedAt = alert.UpdatedAt.UTC()
	return alert, nil
}
