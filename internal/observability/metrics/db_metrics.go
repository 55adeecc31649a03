package metrics

import (
	"database/sql"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var unackOnce sync.Once

func registerDBMetrics(db *sql.DB, logger *zap.Logger) {
	registerUnacknowledged(func() float64 {
		return queryCount(db, logger, "SELECT COUNT(*) FROM alerts WHERE is_acknowledged = FALSE")
	})
}

// RegisterUnacknowledged exposes the unacknowledged alert gauge for stores
// that are not backed by Postgres.
func RegisterUnacknowledged(count func() int) {
	if count == nil {
		return
	}
	registerUnacknowledged(func() float64 { return float64(count()) })
}

func registerUnacknowledged(fn func() float64) {
	unackOnce.Do(func() {
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: metricPrefix + "alerts_unacknowledged",
				Help: "Stored alerts not yet acknowledged",
			},
			fn,
		))
	})
}

func queryCount(db *sql.DB, logger *zap.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Warn("metrics query failed", zap.Error(err))
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
