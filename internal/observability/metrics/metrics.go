package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "vitals_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	readingsTotal     *prometheus.CounterVec
	inferenceLatency  *prometheus.HistogramVec
	alertsCreated     *prometheus.CounterVec
	dedupOverflows    prometheus.Counter
	dispatchDropped   prometheus.Counter
	busPublishErrors  *prometheus.CounterVec
	busMessages       *prometheus.CounterVec
	relayClients      *prometheus.GaugeVec
	notificationsSent *prometheus.CounterVec

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec
)

// Init registers metrics and DB-backed gauges.
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total vitals ingest requests by result",
			},
			[]string{"result"},
		)
		ingestErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_errors_total",
				Help: "Total vitals ingest errors by reason",
			},
			[]string{"reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Vitals ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		readingsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_total",
				Help: "Readings processed by final pipeline state",
			},
			[]string{"state"},
		)
		inferenceLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "inference_latency_seconds",
				Help:    "Inference call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		alertsCreated = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_created_total",
				Help: "Persisted alerts by severity",
			},
			[]string{"severity"},
		)
		dedupOverflows = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "dedup_overflows_total",
				Help: "Dedup shards left over their key share after expiring stale keys",
			},
		)
		dispatchDropped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "dispatch_dropped_total",
				Help: "Readings dropped because a worker queue was full",
			},
		)
		busPublishErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "bus_publish_errors_total",
				Help: "Bus publish failures by stream",
			},
			[]string{"stream"},
		)
		busMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "bus_messages_total",
				Help: "Bus messages by stream and direction",
			},
			[]string{"stream", "direction"},
		)
		relayClients = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "relay_clients",
				Help: "Connected live clients by transport",
			},
			[]string{"transport"},
		)
		notificationsSent = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Alert notifications by channel and result",
			},
			[]string{"channel", "result"},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_export_total",
				Help: "Alert exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "alert_export_latency_seconds",
				Help:    "Alert export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestErrors,
			ingestLatency,
			readingsTotal,
			inferenceLatency,
			alertsCreated,
			dedupOverflows,
			dispatchDropped,
			busPublishErrors,
			busMessages,
			relayClients,
			notificationsSent,
			exportTotal,
			exportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveIngest records ingest request duration and result.
func ObserveIngest(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncIngestError increments ingest error counter.
func IncIngestError(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestErrors != nil {
		ingestErrors.WithLabelValues(reason).Inc()
	}
}

// IncReading counts a reading by the state it finished in.
func IncReading(state string) {
	if state == "" {
		state = "unknown"
	}
	if readingsTotal != nil {
		readingsTotal.WithLabelValues(state).Inc()
	}
}

// ObserveInference records inference latency.
func ObserveInference(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if inferenceLatency != nil {
		inferenceLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncAlertCreated counts a persisted alert.
func IncAlertCreated(severity string) {
	if severity == "" {
		severity = "unknown"
	}
	if alertsCreated != nil {
		alertsCreated.WithLabelValues(severity).Inc()
	}
}

// IncDedupOverflow counts a dedup shard that stayed over its key share after expiry.
func IncDedupOverflow() {
	if dedupOverflows != nil {
		dedupOverflows.Inc()
	}
}

// IncDispatchDropped counts a reading dropped on a full worker queue.
func IncDispatchDropped() {
	if dispatchDropped != nil {
		dispatchDropped.Inc()
	}
}

// IncBusPublishError counts a failed publish.
func IncBusPublishError(stream string) {
	if busPublishErrors != nil {
		busPublishErrors.WithLabelValues(stream).Inc()
	}
}

// IncBusMessage counts a message crossing the bus.
func IncBusMessage(stream, direction string) {
	if busMessages != nil {
		busMessages.WithLabelValues(stream, direction).Inc()
	}
}

// SetRelayClients sets the connected client gauge for a transport.
func SetRelayClients(transport string, count int64) {
	if count < 0 {
		count = 0
	}
	if relayClients != nil {
		relayClients.WithLabelValues(transport).Set(float64(count))
	}
}

// IncNotification counts a notification attempt.
func IncNotification(channel, result string) {
	if result == "" {
		result = resultSuccess
	}
	if notificationsSent != nil {
		notificationsSent.WithLabelValues(channel, result).Inc()
	}
}

// ObserveExport records alert export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	DirectionIn  = "in"
	DirectionOut = "out"
)
