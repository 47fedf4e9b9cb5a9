package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "voicejobs_submitted_total", Help: "Jobs accepted by admission"}, []string{"kind"})
	AdmissionDenials  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "voicejobs_admission_denials_total", Help: "Submissions rejected before a job record was created"}, []string{"reason"})
	JobsCompleted     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "voicejobs_completed_total", Help: "Jobs that reached completed"}, []string{"kind"})
	JobsFailed        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "voicejobs_failed_total", Help: "Jobs that reached failed"}, []string{"kind"})
	JobsCancelled     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "voicejobs_cancelled_total", Help: "Jobs cancelled by their owner or an administrator"}, []string{"kind"})
	JobsRetried       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "voicejobs_retried_total", Help: "Manual retries of failed jobs"}, []string{"kind"})
	StageDuration     = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "voicejobs_stage_duration_seconds", Help: "Pipeline stage wall time", Buckets: prometheus.ExponentialBuckets(0.01, 4, 10)}, []string{"kind", "stage"})
	QueueDepthGauge   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "voicejobs_queue_depth", Help: "Ready queue depth per kind"}, []string{"kind"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "voicejobs_inflight", Help: "Runs currently leased"})
	LeasesReclaimed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "voicejobs_leases_reclaimed_total", Help: "Expired leases pushed back to the ready list"})
	WorkerLost        = prometheus.NewCounter(prometheus.CounterOpts{Name: "voicejobs_worker_lost_total", Help: "Jobs failed after exhausting redeliveries"})
	SweptJobs         = prometheus.NewCounter(prometheus.CounterOpts{Name: "voicejobs_swept_jobs_total", Help: "Terminal job records deleted by the sweeper"})
	OrphansReclaimed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "voicejobs_orphans_reclaimed_total", Help: "Unreferenced files removed from storage"})
	PendingResubmits  = prometheus.NewCounter(prometheus.CounterOpts{Name: "voicejobs_pending_resubmits_total", Help: "Pending jobs re-submitted after the queue lost them"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	register()
	return promhttp.Handler()
}

// register is idempotent; components call it before touching collectors in a fresh process.
func register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			AdmissionDenials,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			JobsRetried,
			StageDuration,
			QueueDepthGauge,
			InFlightGauge,
			LeasesReclaimed,
			WorkerLost,
			SweptJobs,
			OrphansReclaimed,
			PendingResubmits,
		)
	})
}
