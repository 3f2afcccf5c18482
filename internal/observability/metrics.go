package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TCPConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bustrack_tcp_connections_total",
		Help: "TCP connections accepted",
	})
	FramesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bustrack_frames_decoded_total",
		Help: "Protocol frames decoded, by message kind",
	}, []string{"kind"})
	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bustrack_decode_errors_total",
		Help: "Frames that failed structural decoding",
	})
	AcksSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bustrack_acks_sent_total",
		Help: "Acknowledgment frames written back to devices",
	})
	DispatchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bustrack_dispatch_errors_total",
		Help: "Dispatcher step failures, by step",
	}, []string{"step"})
	CacheWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bustrack_position_cache_writes_total",
		Help: "Throttled last-position cache writes performed",
	})
	CacheWritesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bustrack_position_cache_skips_total",
		Help: "Last-position cache writes skipped by the throttle",
	})
	AlertsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bustrack_alerts_created_total",
		Help: "Alerts created, by type",
	}, []string{"type"})
	AlertsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bustrack_alerts_suppressed_total",
		Help: "Alerts suppressed by the dedup window",
	})
	TripsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bustrack_trips_started_total",
		Help: "Trips created by the state machine",
	})
	TripEndJobs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bustrack_trip_end_jobs_total",
		Help: "End-of-trip jobs enqueued",
	})
	BufferFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bustrack_buffer_flushes_total",
		Help: "Coordinate buffer flushes attempted",
	})
	BufferFlushErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bustrack_buffer_flush_errors_total",
		Help: "Coordinate buffer flushes that failed and were re-queued",
	})
	PointsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bustrack_points_dropped_total",
		Help: "Points dropped by the minimum-distance delta filter",
	})
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bustrack_jobs_processed_total",
		Help: "Jobs completed, by kind",
	}, []string{"kind"})
	JobsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bustrack_jobs_retried_total",
		Help: "Job executions that failed and were re-queued",
	})
	JobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bustrack_jobs_failed_total",
		Help: "Jobs moved to the failed set after exhausting retries",
	})
	DecodeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bustrack_decode_latency_seconds",
		Help:    "Per-chunk decode latency",
		Buckets: prometheus.DefBuckets,
	})
)

func ObserveDecodeLatency(start time.Time) {
	DecodeLatency.Observe(time.Since(start).Seconds())
}

func StartMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	})
	_ = http.ListenAndServe(addr, mux)
}
