package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RefreshCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meteodash_refresh_cycles_total",
			Help: "Refresh cycles by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	FetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meteodash_fetch_latency_seconds",
			Help:    "Reading source fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	ReadingsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meteodash_readings_fetched_total",
			Help: "Readings decoded from the reading source",
		},
	)

	RowsAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meteodash_rows_added_total",
			Help: "Rows newly persisted by store",
		},
		[]string{"store"},
	)

	RowWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meteodash_row_write_errors_total",
			Help: "Rows skipped because they could not be written",
		},
		[]string{"table"},
	)

	SkippedTimestamps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meteodash_skipped_timestamps_total",
			Help: "Chart points dropped because their timestamp did not parse",
		},
	)

	MQTTPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meteodash_mqtt_publishes_total",
			Help: "Consolidated rows published over MQTT by result",
		},
		[]string{"result"},
	)
)
