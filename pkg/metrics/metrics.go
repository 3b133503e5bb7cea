package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bundle pipeline metrics
	BundlesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dtnd_bundles_received_total",
			Help: "Total number of bundles received from all sources",
		},
	)

	BundlesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dtnd_bundles_delivered_total",
			Help: "Total number of bundles delivered to local registrations",
		},
	)

	BundlesTransmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dtnd_bundles_transmitted_total",
			Help: "Total number of bundles transmitted over convergence layers",
		},
	)

	BundlesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dtnd_bundles_expired_total",
			Help: "Total number of bundles whose lifetime elapsed",
		},
	)

	BundlesDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dtnd_bundles_deleted_total",
			Help: "Total number of bundles deleted",
		},
	)

	DuplicateBundles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dtnd_bundles_duplicate_total",
			Help: "Total number of duplicate bundles detected by GBOF",
		},
	)

	RejectedBundles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dtnd_bundles_rejected_total",
			Help: "Total number of bundles rejected on arrival",
		},
	)

	PendingBundles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dtnd_bundles_pending",
			Help: "Number of bundles awaiting delivery or transmission",
		},
	)

	CustodyBundles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dtnd_bundles_custody",
			Help: "Number of bundles in local custody",
		},
	)

	EventQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dtnd_event_queue_depth",
			Help: "Depth of each worker's event queue",
		},
		[]string{"worker"},
	)

	// Custody / ACS metrics
	CustodyAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dtnd_custody_accepted_total",
			Help: "Total number of custody acceptances",
		},
	)

	CustodyReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dtnd_custody_released_total",
			Help: "Total number of custody releases",
		},
	)

	CustodyTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dtnd_custody_timeouts_total",
			Help: "Total number of custody retransmission timeouts",
		},
	)

	ACSSignalsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dtnd_acs_signals_sent_total",
			Help: "Total number of aggregate custody signals emitted",
		},
	)

	ACSCustodyIDs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dtnd_acs_custody_ids_total",
			Help: "Total number of custody IDs acknowledged via ACS",
		},
	)

	// LTP metrics
	LTPSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dtnd_ltp_sessions",
			Help: "Number of LTP sessions by direction and state",
		},
		[]string{"direction", "state"},
	)

	LTPSegmentsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtnd_ltp_segments_sent_total",
			Help: "Total number of LTP segments sent by type",
		},
		[]string{"type"},
	)

	LTPSegmentsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtnd_ltp_segments_received_total",
			Help: "Total number of LTP segments received by type",
		},
		[]string{"type"},
	)

	LTPSegmentResends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtnd_ltp_segment_resends_total",
			Help: "Total number of LTP segment retransmissions by type",
		},
		[]string{"type"},
	)

	LTPCancelledSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtnd_ltp_cancelled_sessions_total",
			Help: "Total number of cancelled LTP sessions by canceller",
		},
		[]string{"by"},
	)

	// Restage metrics
	RestageDiskInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dtnd_restage_disk_in_use_bytes",
			Help: "Disk space consumed by restaged bundles",
		},
	)

	RestagedBundles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dtnd_restage_restaged_total",
			Help: "Total number of bundles written to the restage store",
		},
	)

	ReloadedBundles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dtnd_restage_reloaded_total",
			Help: "Total number of bundles reloaded from the restage store",
		},
	)

	RestageState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dtnd_restage_state",
			Help: "Restage CL state (0=online 1=full 2=error 3=deleted)",
		},
	)

	// Storage metrics
	StoreCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dtnd_store_commit_duration_seconds",
			Help:    "Time taken to commit a storage batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoreBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dtnd_store_batch_size",
			Help:    "Number of updates per storage batch commit",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200},
		},
	)
)

func init() {
	prometheus.MustRegister(BundlesReceived)
	prometheus.MustRegister(BundlesDelivered)
	prometheus.MustRegister(BundlesTransmitted)
	prometheus.MustRegister(BundlesExpired)
	prometheus.MustRegister(BundlesDeleted)
	prometheus.MustRegister(DuplicateBundles)
	prometheus.MustRegister(RejectedBundles)
	prometheus.MustRegister(PendingBundles)
	prometheus.MustRegister(CustodyBundles)
	prometheus.MustRegister(EventQueueDepth)

	prometheus.MustRegister(CustodyAccepted)
	prometheus.MustRegister(CustodyReleased)
	prometheus.MustRegister(CustodyTimeouts)
	prometheus.MustRegister(ACSSignalsSent)
	prometheus.MustRegister(ACSCustodyIDs)

	prometheus.MustRegister(LTPSessions)
	prometheus.MustRegister(LTPSegmentsSent)
	prometheus.MustRegister(LTPSegmentsReceived)
	prometheus.MustRegister(LTPSegmentResends)
	prometheus.MustRegister(LTPCancelledSessions)

	prometheus.MustRegister(RestageDiskInUse)
	prometheus.MustRegister(RestagedBundles)
	prometheus.MustRegister(ReloadedBundles)
	prometheus.MustRegister(RestageState)

	prometheus.MustRegister(StoreCommitDuration)
	prometheus.MustRegister(StoreBatchSize)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
