package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated         = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_created_total", Help: "Jobs created"})
	UploadsRejected     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_uploads_rejected_total", Help: "Uploads rejected by archive validation"})
	InferenceDispatched = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_inference_dispatched_total", Help: "Inference calls started"})
	InferenceFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_inference_failures_total", Help: "Inference calls that failed locally"})
	CompletionCallbacks = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completion_callbacks_total", Help: "Completion callbacks applied"})
	ResultsParsed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_results_parsed_total", Help: "Result workbooks parsed fresh"})
	BroadcastsSent      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_broadcasts_sent_total", Help: "Status snapshots delivered to subscribers"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	LiveSubscribers     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_live_subscribers", Help: "Currently connected update subscribers"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			UploadsRejected,
			InferenceDispatched,
			InferenceFailures,
			CompletionCallbacks,
			ResultsParsed,
			BroadcastsSent,
			RateLimitRejects,
			LiveSubscribers,
		)
	})
	return promhttp.Handler()
}
