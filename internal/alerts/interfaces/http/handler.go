package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	alerts "vitals-alerting/internal/alerts/domain"
	"vitals-alerting/internal/auth"
	"vitals-alerting/internal/observability/logging"
	"vitals-alerting/internal/observability/metrics"
)

const (
	timeLayout = time.RFC3339
	maxLimit   = 1000
	basePath   = "/api/v1/alerts"
)

// AlertReader reads stored alerts.
type AlertReader interface {
	GetByID(ctx context.Context, id string) (alerts.Alert, error)
	List(ctx context.Context, q alerts.AlertQuery) ([]alerts.Alert, error)
}

// Handler provides alert HTTP endpoints.
type Handler struct {
	reader AlertReader
	logger *zap.Logger
}

// NewHandler constructs a handler.
func NewHandler(reader AlertReader, logger *zap.Logger) (*Handler, error) {
	if reader == nil {
		return nil, errors.New("alerts handler: nil reader")
	}
	return &Handler{reader: reader, logger: logging.OrNop(logger)}, nil
}

// ServeHTTP handles /api/v1/alerts and subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch {
	case r.URL.Path == basePath:
		h.handleList(w, r)
	case r.URL.Path == basePath+"/export.xlsx":
		h.handleExport(w, r, exportXLSX)
	case r.URL.Path == basePath+"/export.pdf":
		h.handleExport(w, r, exportPDF)
	case strings.HasPrefix(r.URL.Path, basePath+"/"):
		h.handleGet(w, r, strings.TrimPrefix(r.URL.Path, basePath+"/"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q, ok := h.parseQuery(w, r)
	if !ok {
		return
	}
	list, err := h.reader.List(r.Context(), q)
	if err != nil {
		h.logger.Error("list alerts failed", zap.String("patient_id", q.PatientID), zap.Error(err))
		http.Error(w, "list alerts failed", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []alerts.Alert{}
	}
	writeJSON(w, list)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" || strings.Contains(id, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	alert, err := h.reader.GetByID(r.Context(), id)
	if errors.Is(err, alerts.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("get alert failed", zap.String("alert_id", id), zap.Error(err))
		http.Error(w, "get alert failed", http.StatusInternalServerError)
		return
	}
	// Report a foreign alert as missing rather than leaking its existence.
	if err := auth.EnsurePatientScope(r.Context(), alert.PatientID); err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, alert)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request, format exportFormat) {
	start := time.Now()
	q, ok := h.parseQuery(w, r)
	if !ok {
		return
	}
	list, err := h.reader.List(r.Context(), q)
	if err != nil {
		metrics.ObserveExport(string(format), metrics.ResultError, time.Since(start))
		h.logger.Error("export alerts failed", zap.String("patient_id", q.PatientID), zap.Error(err))
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	var body []byte
	switch format {
	case exportXLSX:
		body, err = BuildAlertsXLSX(q.PatientID, list)
	default:
		body, err = BuildAlertsPDF(q.PatientID, list)
	}
	if err != nil {
		metrics.ObserveExport(string(format), metrics.ResultError, time.Since(start))
		h.logger.Error("render export failed", zap.String("format", string(format)), zap.Error(err))
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	metrics.ObserveExport(string(format), metrics.ResultSuccess, time.Since(start))
	w.Header().Set("Content-Type", format.contentType())
	w.Header().Set("Content-Disposition", `attachment; filename="alerts-`+q.PatientID+"."+string(format)+`"`)
	_, _ = w.Write(body)
}

func (h *Handler) parseQuery(w http.ResponseWriter, r *http.Request) (alerts.AlertQuery, bool) {
	values := r.URL.Query()
	q := alerts.AlertQuery{PatientID: values.Get("patient_id")}
	if q.PatientID == "" {
		http.Error(w, "patient_id is required", http.StatusBadRequest)
		return q, false
	}
	if err := auth.EnsurePatientScope(r.Context(), q.PatientID); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return q, false
	}
	var err error
	if q.From, err = parseOptionalTime(values.Get("from"), "from"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return q, false
	}
	if q.To, err = parseOptionalTime(values.Get("to"), "to"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return q, false
	}
	if !q.From.IsZero() && !q.To.IsZero() && !q.To.After(q.From) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return q, false
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxLimit {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return q, false
		}
		q.Limit = limit
	}
	return q, true
}

func parseOptionalTime(value, key string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
