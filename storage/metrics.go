package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineMetrics mirrors the shape of the teacher's walMetrics: one struct of
// promauto-registered collectors, built once in Open and threaded through
// every subsystem that needs to record something.
type engineMetrics struct {
	sectorsAllocated   prometheus.Counter
	sectorsFreed       prometheus.Counter
	poolFillRatio      prometheus.Gauge
	poolFull           prometheus.Counter
	appends            prometheus.Counter
	recordsAppended    prometheus.Counter
	recordsDropped     *prometheus.CounterVec
	chainCorruptions   *prometheus.CounterVec
	sectorsSpilled     prometheus.Counter
	sectorsPagedIn     prometheus.Counter
	sectorsQuarantined prometheus.Counter
	dataLoss           *prometheus.CounterVec
	packetsSent        prometheus.Counter
	packetsCommitted   prometheus.Counter
	packetsRolledBack  *prometheus.CounterVec
	recordsCommitted   prometheus.Counter
	recordsRolledBack  prometheus.Counter
	uploadLatencySecs  prometheus.Histogram
	sensorsMuted       prometheus.Gauge
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	return &engineMetrics{
		sectorsAllocated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sectors_allocated_total",
			Help: "sectors_allocated_total counts every successful Pool.Allocate call.",
		}),
		sectorsFreed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sectors_freed_total",
			Help: "sectors_freed_total counts every Pool.Free call.",
		}),
		poolFillRatio: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pool_fill_ratio",
			Help: "pool_fill_ratio is the fraction of RAM sectors in use: the instant value after each allocate or free, and the controller's moving average after each threshold check.",
		}),
		poolFull: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pool_full_total",
			Help: "pool_full_total counts how many times Allocate found no free sector.",
		}),
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "appends_total",
			Help: "appends_total counts calls to Engine.Append.",
		}),
		recordsAppended: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "records_appended_total",
			Help: "records_appended_total counts records successfully written to a chain.",
		}),
		recordsDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "records_dropped_total",
			Help: "records_dropped_total counts records rejected by back-pressure, labeled by reason.",
		}, []string{"reason"}),
		chainCorruptions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "chain_corruptions_total",
			Help: "chain_corruptions_total counts detected stale/invalid chain links, labeled by sensor.",
		}, []string{"sensor_id"}),
		sectorsSpilled: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sectors_spilled_total",
			Help: "sectors_spilled_total counts sectors moved from RAM to disk.",
		}),
		sectorsPagedIn: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sectors_paged_in_total",
			Help: "sectors_paged_in_total counts sectors moved from disk back to RAM.",
		}),
		sectorsQuarantined: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sectors_quarantined_total",
			Help: "sectors_quarantined_total counts sectors moved to the quarantine directory.",
		}),
		dataLoss: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "data_loss_total",
			Help: "data_loss_total counts records permanently lost, labeled by cause.",
		}, []string{"cause"}),
		packetsSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "upload_packets_sent_total",
			Help: "upload_packets_sent_total counts packets handed to the transport.",
		}),
		packetsCommitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "upload_packets_committed_total",
			Help: "upload_packets_committed_total counts packets that received a positive ack.",
		}),
		packetsRolledBack: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "upload_packets_rolled_back_total",
			Help: "upload_packets_rolled_back_total counts rolled-back packets, labeled by cause.",
		}, []string{"cause"}),
		recordsCommitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "records_committed_total",
			Help: "records_committed_total counts records erased after a positive ack.",
		}),
		recordsRolledBack: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "records_rolled_back_total",
			Help: "records_rolled_back_total counts claimed records returned to a chain by rollback.",
		}),
		uploadLatencySecs: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "upload_round_trip_seconds",
			Help:    "upload_round_trip_seconds observes time from send to resolution.",
			Buckets: prometheus.DefBuckets,
		}),
		sensorsMuted: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "sensors_muted",
			Help: "sensors_muted is the current count of sensors excluded from packet assembly by retry budget.",
		}),
	}
}
