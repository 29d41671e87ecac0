package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "dbstack"

// Recorder collects the metrics of a single invocation. Methods are safe on a nil
// receiver so callers can run without metrics.
type Recorder struct {
	reg          *prometheus.Registry
	files        *prometheus.CounterVec
	fileDuration *prometheus.HistogramVec
	outcomes     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_files_total",
			Help:      "SQL files attempted, by directory and result.",
		}, []string{"dir", "result"}),
		fileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "migration_file_duration_seconds",
			Help:      "Execution time of SQL files.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"dir"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Custom resource outcomes, by request type, resource kind and status.",
		}, []string{"request_type", "kind", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Wall time of lifecycle event handling.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"kind"}),
	}
	r.reg.MustRegister(r.files, r.fileDuration, r.outcomes, r.duration)
	return r
}

// FileApplied records a successfully executed file.
func (r *Recorder) FileApplied(dir string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.files.WithLabelValues(dir, "applied").Inc()
	r.fileDuration.WithLabelValues(dir).Observe(elapsed.Seconds())
}

// FileSkipped records a file whose error was classified as ignorable.
func (r *Recorder) FileSkipped(dir string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.files.WithLabelValues(dir, "skipped").Inc()
	r.fileDuration.WithLabelValues(dir).Observe(elapsed.Seconds())
}

// FileFailed records a file that stopped the run.
func (r *Recorder) FileFailed(dir string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.files.WithLabelValues(dir, "failed").Inc()
	r.fileDuration.WithLabelValues(dir).Observe(elapsed.Seconds())
}

// Outcome records the terminal status of a lifecycle event.
func (r *Recorder) Outcome(requestType, kind, status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.outcomes.WithLabelValues(requestType, kind, status).Inc()
	r.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// Gatherer exposes the registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

// Push sends the collected metrics to a Prometheus Pushgateway.
func (r *Recorder) Push(ctx context.Context, url, job string, grouping map[string]string) error {
	if r == nil {
		return nil
	}
	if url == "" {
		return errors.New("pushgateway url is required")
	}
	if job == "" {
		job = namespace
	}

	pusher := push.New(url, job).Gatherer(r.reg)
	for name, value := range grouping {
		if value == "" {
			continue
		}
		pusher = pusher.Grouping(name, value)
	}
	return pusher.PushContext(ctx)
}
