// Package ingest accepts vital-sign readings over HTTP and puts them on the
// reading stream.
package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	alerts "vitals-alerting/internal/alerts/domain"
	"vitals-alerting/internal/eventing"
	"vitals-alerting/internal/observability/logging"
	"vitals-alerting/internal/observability/metrics"
)

const maxBodyBytes = 1 << 20

// Handler publishes posted readings on the reading stream.
type Handler struct {
	bus    eventing.Publisher
	stream string
	logger *zap.Logger
	now    func() time.Time
}

// NewHandler constructs an ingest handler.
func NewHandler(bus eventing.Publisher, stream string, logger *zap.Logger) (*Handler, error) {
	if bus == nil {
		return nil, errors.New("ingest: nil bus")
	}
	if stream == "" {
		return nil, eventing.ErrEmptyStream
	}
	return &Handler{
		bus:    bus,
		stream: stream,
		logger: logging.OrNop(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

type response struct {
	Message string `json:"message"`
}

// ServeHTTP handles POST /api/v1/vitals.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()
	result := metrics.ResultError
	defer func() {
		metrics.ObserveIngest(result, time.Since(start))
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		metrics.IncIngestError("read_body")
		h.logger.Warn("ingest read body failed", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, response{Message: "read body error"})
		return
	}
	defer r.Body.Close()

	reading, err := alerts.ParseReading(body)
	if err == nil && reading.DeviceID == "" {
		err = errors.New("missing deviceId")
	}
	if err != nil {
		metrics.IncIngestError("invalid_payload")
		h.logger.Warn("ingest rejected reading", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, response{Message: err.Error()})
		return
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = h.now()
	}

	if err := eventing.PublishJSON(r.Context(), h.bus, h.stream, reading.PatientID, reading); err != nil {
		metrics.IncIngestError("publish")
		h.logger.Error("ingest publish failed",
			zap.String("patient_id", reading.PatientID),
			zap.String("stream", h.stream),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, response{Message: "publish failed"})
		return
	}
	result = metrics.ResultSuccess
	h.logger.Debug("reading published",
		zap.String("patient_id", reading.PatientID),
		zap.String("device_id", reading.DeviceID))
	writeJSON(w, http.StatusOK, response{Message: "published"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
