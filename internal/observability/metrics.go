package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	recordPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "healthstore",
		Subsystem: "persistence",
		Name:      "last_record_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent record persisted to Postgres.",
	})
	recordMirroredGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "healthstore",
		Subsystem: "persistence",
		Name:      "last_record_mirrored_timestamp_seconds",
		Help:      "Unix timestamp of the most recent record change mirrored by the consumer.",
	})
)

func init() {
	prometheus.MustRegister(recordPersistGauge, recordMirroredGauge)
}

// RecordPersisted updates the persistence watermark gauge.
func RecordPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	recordPersistGauge.Set(float64(ts.Unix()))
}

// RecordMirrored updates the consumer mirror watermark gauge.
func RecordMirrored(ts time.Time) {
	if ts.IsZero() {
		return
	}
	recordMirroredGauge.Set(float64(ts.Unix()))
}
