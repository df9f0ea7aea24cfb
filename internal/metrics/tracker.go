package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives discovery run telemetry
type Recorder interface {
	RunFinished(success bool, resources int, duration time.Duration)
	StageFinished(stage string, source string, resources int, duration time.Duration)
	ErrorRecorded(kind string)
	RoleChecked(status string)
}

// Nop discards everything
type Nop struct{}

func (Nop) RunFinished(bool, int, time.Duration)             {}
func (Nop) StageFinished(string, string, int, time.Duration) {}
func (Nop) ErrorRecorded(string)                             {}
func (Nop) RoleChecked(string)                               {}

// Tracker records discovery telemetry as Prometheus collectors
type Tracker struct {
	runs          *prometheus.CounterVec
	lastRunSize   prometheus.Gauge
	lastRunTime   prometheus.Gauge
	runDuration   prometheus.Histogram
	stageDuration *prometheus.HistogramVec
	resources     *prometheus.CounterVec
	errors        *prometheus.CounterVec
	roles         *prometheus.CounterVec
}

// NewTracker registers the collectors with reg. A nil reg uses the
// default registerer.
func NewTracker(reg prometheus.Registerer) *Tracker {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Tracker{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudauditor_discovery_runs_total",
			Help: "Total number of discovery runs by outcome",
		}, []string{"success"}),
		lastRunSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cloudauditor_last_run_resources",
			Help: "Resources returned by the most recent run",
		}),
		lastRunTime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cloudauditor_last_run_timestamp_seconds",
			Help: "Unix time the most recent run finished",
		}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cloudauditor_discovery_run_duration_seconds",
			Help:    "Discovery run duration",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cloudauditor_discovery_stage_duration_seconds",
			Help:    "Discovery stage duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		resources: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudauditor_discovered_resources_total",
			Help: "Resources contributed by each discovery source",
		}, []string{"source"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudauditor_discovery_errors_total",
			Help: "Errors recorded during discovery by kind",
		}, []string{"kind"}),
		roles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudauditor_role_checks_total",
			Help: "Cross-account role assumption results",
		}, []string{"status"}),
	}
}

func (t *Tracker) RunFinished(success bool, resources int, duration time.Duration) {
	label := "false"
	if success {
		label = "true"
	}
	t.runs.WithLabelValues(label).Inc()
	t.lastRunSize.Set(float64(resources))
	t.lastRunTime.SetToCurrentTime()
	t.runDuration.Observe(duration.Seconds())
}

func (t *Tracker) StageFinished(stage, source string, resources int, duration time.Duration) {
	t.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	if source != "" {
		t.resources.WithLabelValues(source).Add(float64(resources))
	}
}

func (t *Tracker) ErrorRecorded(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	t.errors.WithLabelValues(kind).Inc()
}

func (t *Tracker) RoleChecked(status string) {
	t.roles.WithLabelValues(status).Inc()
}
