package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ReportsCreated    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_created_total", Help: "Report jobs created"})
	ReportsSuperseded = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_superseded_total", Help: "Report jobs cancelled by a newer request"})
	ReportsFinished   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reports_finished_total", Help: "Report jobs reaching a terminal state"}, []string{"status", "reason"})
	ReportDuration    = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "report_processing_seconds", Help: "Wall time of report processing", Buckets: prometheus.ExponentialBuckets(0.25, 2, 10)})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_rate_limit_rejects_total", Help: "Report requests rejected by the rate limiter"})
	DispatchDepth     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "report_dispatch_queue_depth", Help: "Report jobs waiting for a worker"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "report_jobs_inflight", Help: "Report jobs currently being processed by this worker"})

	RenderDuration   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "render_task_seconds", Help: "Duration of successful render tasks", Buckets: prometheus.ExponentialBuckets(0.1, 2, 10)})
	RenderRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_retries_total", Help: "Render attempts that failed and were retried"})
	RenderFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_failures_total", Help: "Render tasks that exhausted their attempts"})
	BrowserLaunches  = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_browser_launches_total", Help: "Headless browser launches"})
	BrowserRecycles  = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_browser_recycles_total", Help: "Browsers retired after their task budget or a crash"})
	RenderQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{Name: "render_queue_depth", Help: "Render tasks waiting for a worker"})

	EmailsEnqueued  = prometheus.NewCounter(prometheus.CounterOpts{Name: "emails_enqueued_total", Help: "Emails accepted into the delivery queue"})
	EmailsSent      = prometheus.NewCounter(prometheus.CounterOpts{Name: "emails_sent_total", Help: "Emails handed to the SMTP transport"})
	EmailsFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "emails_failed_total", Help: "Failed send attempts by class"}, []string{"class"})
	EmailQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "email_queue_depth", Help: "Queued emails by status"}, []string{"status"})
	ArtifactsPurged = prometheus.NewCounter(prometheus.CounterOpts{Name: "report_artifacts_purged_total", Help: "Stored report files removed by cleanup"})
	JobsPurged      = prometheus.NewCounter(prometheus.CounterOpts{Name: "report_jobs_purged_total", Help: "Terminal report jobs removed by retention"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ReportsCreated,
			ReportsSuperseded,
			ReportsFinished,
			ReportDuration,
			RateLimitRejects,
			DispatchDepth,
			InFlightGauge,
			RenderDuration,
			RenderRetries,
			RenderFailures,
			BrowserLaunches,
			BrowserRecycles,
			RenderQueueDepth,
			EmailsEnqueued,
			EmailsSent,
			EmailsFailed,
			EmailQueueDepth,
			ArtifactsPurged,
			JobsPurged,
		)
	})
	return promhttp.Handler()
}
