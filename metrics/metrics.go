package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wasmdeploy",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wasmdeploy",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	builds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wasmdeploy",
			Name:      "builds_total",
			Help:      "Completed builds by strategy and outcome.",
		},
		[]string{"strategy", "outcome"},
	)
	buildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wasmdeploy",
			Name:      "build_duration_seconds",
			Help:      "Build duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"strategy"},
	)
	resolves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wasmdeploy",
			Subsystem: "resolver",
			Name:      "lookups_total",
			Help:      "Content resolutions by the stage that answered.",
		},
		[]string{"stage"},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wasmdeploy",
			Subsystem: "dispatch",
			Name:      "transactions_total",
			Help:      "Transactions sent to the execution network by command and outcome.",
		},
		[]string{"command", "outcome"},
	)
	deployments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wasmdeploy",
			Name:      "deployment_transitions_total",
			Help:      "Deployment status transitions.",
		},
		[]string{"status"},
	)
	prunerRepairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wasmdeploy",
			Subsystem: "pruner",
			Name:      "repairs_total",
			Help:      "Records repaired by each pruner pass.",
		},
		[]string{"pass"},
	)
	prunerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wasmdeploy",
			Subsystem: "pruner",
			Name:      "errors_total",
			Help:      "Pruner pass failures.",
		},
		[]string{"pass"},
	)
)

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, builds, buildDuration, resolves,
			dispatches, deployments, prunerRepairs, prunerErrors)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	Register()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordBuild(strategy string, success bool, duration time.Duration) {
	Register()
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	builds.WithLabelValues(strategy, outcome).Inc()
	buildDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

func RecordResolve(stage string) {
	Register()
	resolves.WithLabelValues(stage).Inc()
}

func RecordDispatch(command, outcome string) {
	Register()
	dispatches.WithLabelValues(command, outcome).Inc()
}

func RecordTransition(status string) {
	Register()
	deployments.WithLabelValues(status).Inc()
}

func RecordPrunerRepairs(pass string, n int) {
	Register()
	prunerRepairs.WithLabelValues(pass).Add(float64(n))
}

func RecordPrunerError(pass string) {
	Register()
	prunerErrors.WithLabelValues(pass).Inc()
}
